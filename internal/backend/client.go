// Package backend provides the outbound side of the proxy: a pooled
// passthrough HTTP client and the upgrade dialers for the websocket and
// generic-upgrade transports, each bounded by its own deadline budget.
package backend

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tunnel-proxy-go/internal/config"
	"tunnel-proxy-go/internal/metrics"
	"tunnel-proxy-go/internal/model"
)

// hopHeaders must not be forwarded on an upgrade dial: the handshake headers
// are owned by the dialer, and extension negotiation cannot be honored
// transparently by a relay.
var hopHeaders = []string{
	"Connection",
	"Upgrade",
	"Keep-Alive",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Accept",
}

// Client performs all outbound calls to the configured tunnel backend.
type Client struct {
	httpClient     *http.Client
	wsDialer       *websocket.Dialer
	origin         *url.URL
	upgradeTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewClient creates a Client with connection pooling and both timeout
// budgets. The metrics parameter is optional; pass nil to disable backend
// metrics recording.
func NewClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	origin, err := url.Parse(cfg.Backend.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse backend origin: %w", err)
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	httpTransport := &http.Transport{
		MaxIdleConns:        cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost: cfg.Backend.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext:         dialer.DialContext,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: httpTransport,
			Timeout:   cfg.PassthroughTimeout(),
			// A backend redirect is surfaced to the caller as-is, never chased.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		wsDialer: &websocket.Dialer{
			NetDialContext:   dialer.DialContext,
			HandshakeTimeout: cfg.UpgradeTimeout(),
		},
		origin:         origin,
		upgradeTimeout: cfg.UpgradeTimeout(),
		logger:         logger.With("component", "backend_client"),
		metrics:        m,
	}, nil
}

// Origin returns the configured backend origin URL.
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Passthrough forwards a rewritten non-upgrade request to the backend under
// the passthrough budget and returns the raw response. The caller is
// responsible for closing the response body.
func (c *Client) Passthrough(ctx context.Context, br *model.BackendRequest) (*model.BackendResponse, error) {
	var body io.Reader
	if br.Method != http.MethodGet && br.Method != http.MethodHead {
		body = br.Body
	}

	req, err := http.NewRequestWithContext(ctx, br.Method, br.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = br.Header

	c.logger.Debug("backend passthrough",
		"method", br.Method,
		"path", br.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via BackendResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(br.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.BackendDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, classifyDialError(err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.BackendDuration.WithLabelValues(method).Observe(duration)
		c.metrics.BackendResponses.WithLabelValues(method, status).Inc()
	}

	return &model.BackendResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DialWebSocket performs the websocket upgrade handshake against the backend
// under the upgrade budget. Client subprotocols, when given, are offered
// verbatim. A non-switching response is returned as *UpgradeRejectedError
// with its body discarded unread.
func (c *Client) DialWebSocket(ctx context.Context, br *model.BackendRequest, subprotocols []string) (*websocket.Conn, error) {
	target := *br.URL
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	dialer := *c.wsDialer
	dialer.Subprotocols = subprotocols

	c.logger.Debug("backend websocket dial", "url", target.String())

	conn, resp, err := dialer.DialContext(ctx, target.String(), sanitizeUpgradeHeader(br.Header))
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			// Drop the rejection body without buffering it.
			_ = resp.Body.Close()
			return nil, &UpgradeRejectedError{StatusCode: resp.StatusCode}
		}
		return nil, classifyDialError(err)
	}
	return conn, nil
}

// DialUpgrade performs a manual HTTP/1.1 upgrade handshake for the generic
// variant, forwarding the client's Upgrade token verbatim. On a 101 response
// the raw connection is returned with any bytes the backend already sent
// still readable.
func (c *Client) DialUpgrade(ctx context.Context, br *model.BackendRequest, upgradeValue string) (net.Conn, error) {
	conn, err := c.dialRaw(ctx, br.URL)
	if err != nil {
		return nil, classifyDialError(err)
	}

	if err := conn.SetDeadline(time.Now().Add(c.upgradeTimeout)); err != nil {
		_ = conn.Close()
		return nil, classifyDialError(err)
	}

	header := sanitizeUpgradeHeader(br.Header)
	header.Set("Connection", "Upgrade")
	header.Set("Upgrade", upgradeValue)

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        br.URL,
		Host:       br.URL.Host,
		Header:     header,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}

	c.logger.Debug("backend upgrade dial",
		"url", br.URL.String(),
		"upgrade", upgradeValue,
	)

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, classifyDialError(err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		_ = conn.Close()
		return nil, classifyDialError(err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// Closing the conn discards any rejection body unread.
		_ = conn.Close()
		return nil, &UpgradeRejectedError{StatusCode: resp.StatusCode}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, classifyDialError(err)
	}
	return NewBufferedConn(conn, reader), nil
}

// dialRaw opens the TCP (and, for https origins, TLS) connection for a
// manual upgrade handshake, bounded by the upgrade budget.
func (c *Client) dialRaw(ctx context.Context, target *url.URL) (net.Conn, error) {
	host := target.Hostname()
	port := target.Port()
	useTLS := target.Scheme == "https"
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "80"
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.upgradeTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	if !useTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// sanitizeUpgradeHeader clones the rewritten header set minus the handshake
// and negotiation headers the dial owns.
func sanitizeUpgradeHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	return dst
}
