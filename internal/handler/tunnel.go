package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"tunnel-proxy-go/internal/backend"
	"tunnel-proxy-go/internal/bridge"
	"tunnel-proxy-go/internal/config"
	"tunnel-proxy-go/internal/metrics"
	"tunnel-proxy-go/internal/model"
	"tunnel-proxy-go/internal/transport"
)

// TunnelHandler negotiates a transport variant for each inbound request and
// either forwards it to the backend or performs the upgrade handshake and
// hands the session to a bridge.
type TunnelHandler struct {
	backend        *backend.Client
	defaultVariant transport.Variant
	logger         *slog.Logger
	metrics        *metrics.Metrics
	upgrader       websocket.Upgrader
}

// NewTunnelHandler creates a TunnelHandler. The metrics parameter is
// optional; pass nil to disable upgrade metrics.
func NewTunnelHandler(b *backend.Client, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *TunnelHandler {
	return &TunnelHandler{
		backend:        b,
		defaultVariant: cfg.DefaultVariant(),
		logger:         logger.With("component", "tunnel_handler"),
		metrics:        m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Tunnel clients are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle selects the transport variant, rewrites the request, and dispatches
// to the passthrough or upgrade path.
func (h *TunnelHandler) Handle(c echo.Context) error {
	req := c.Request()

	sel := transport.Select(req, h.defaultVariant)
	br := transport.Rewrite(req, sel, h.backend.Origin())

	h.logger.Debug("transport selected",
		"transport", string(sel.Variant),
		"signal", string(sel.Signal),
		"path", req.URL.Path,
		"target", br.URL.Path,
	)

	if !transport.IsUpgrade(sel.Variant, req.Header) {
		return h.passthrough(c, br)
	}

	switch sel.Variant {
	case transport.VariantWS, transport.VariantXHTTP:
		return h.upgradeWebSocket(c, sel.Variant, br)
	default:
		return h.upgradeRaw(c, br)
	}
}

// passthrough forwards a non-upgrade request verbatim and streams the
// backend response back.
func (h *TunnelHandler) passthrough(c echo.Context, br *model.BackendRequest) error {
	resp, err := h.backend.Passthrough(c.Request().Context(), br)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the backend body directly to the client. If the copy fails
	// mid-stream the status has already been sent, so the client receives
	// a truncated response; we log it for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming backend body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

// upgradeWebSocket handles the upgrade path of the ws and xhttp variants:
// accept the client endpoint, then dial the backend websocket, deliver any
// early data, and hand both endpoints to the message bridge.
func (h *TunnelHandler) upgradeWebSocket(c echo.Context, v transport.Variant, br *model.BackendRequest) error {
	req := c.Request()

	// The ws variant requires GET on its upgrade path; xhttp imposes no
	// method rule of its own before dialing.
	if v == transport.VariantWS && req.Method != http.MethodGet {
		h.countUpgrade(v, metrics.ResultBadRequest)
		return c.String(http.StatusBadRequest, "WebSocket upgrade requires GET.\n")
	}

	var params *model.SessionParams
	if v == transport.VariantXHTTP {
		var err error
		params, err = transport.ParseSessionParams(req)
		if err != nil {
			h.countUpgrade(v, metrics.ResultBadRequest)
			return c.String(http.StatusBadRequest, err.Error()+"\n")
		}
	}

	// Subprotocols offered to the backend. When the protocol header was
	// consumed as early data it must not be forwarded, to avoid delivering
	// the payload twice.
	var subprotocols []string
	if params != nil && params.EarlyData != nil {
		br.Header.Del(transport.EarlyDataHeaderName)
	} else {
		subprotocols = protocolTokens(req.Header.Get(transport.EarlyDataHeaderName))
	}

	// Accept the client endpoint before dialing the backend, echoing the
	// first offered protocol token so early-data clients see their token
	// confirmed.
	respHeader := http.Header{}
	if tokens := protocolTokens(req.Header.Get(transport.EarlyDataHeaderName)); len(tokens) > 0 {
		respHeader.Set(transport.EarlyDataHeaderName, tokens[0])
	}
	clientConn, err := h.upgrader.Upgrade(c.Response(), req, respHeader)
	if err != nil {
		// The upgrader has already written its error response.
		h.countUpgrade(v, metrics.ResultBadRequest)
		h.logger.Debug("client upgrade failed", "err", err)
		return nil
	}

	// The session outlives the handler; the dial is bounded by the upgrade
	// budget, not the inbound request context.
	backendConn, err := h.backend.DialWebSocket(context.Background(), br, subprotocols)
	if err != nil {
		result, reason := upgradeFailure(err)
		h.countUpgrade(v, result)
		h.logger.Warn("backend upgrade failed",
			"transport", string(v),
			"err", err,
		)
		bridge.Abort(clientConn, reason)
		return nil
	}

	// Early data goes out as the very first backend-bound frame, before any
	// client-originated frame can be read.
	if params != nil && len(params.EarlyData) > 0 {
		if err := backendConn.WriteMessage(websocket.BinaryMessage, params.EarlyData); err != nil {
			h.countUpgrade(v, metrics.ResultUnreachable)
			h.logger.Warn("early data delivery failed", "err", err)
			bridge.Abort(clientConn, "backend unreachable")
			_ = backendConn.Close()
			return nil
		}
	}

	h.countUpgrade(v, metrics.ResultOK)
	// The upgrader wrote 101 on the hijacked conn; record it for the
	// access log and metrics.
	c.Response().Status = http.StatusSwitchingProtocols
	bridge.New(clientConn, backendConn, h.logger, h.metrics).Run()
	return nil
}

// upgradeRaw handles the generic-upgrade variant: hijack the client
// connection, dial the backend with the client's Upgrade token, and relay raw
// bytes.
func (h *TunnelHandler) upgradeRaw(c echo.Context, br *model.BackendRequest) error {
	req := c.Request()

	if req.Method != http.MethodGet {
		h.countUpgrade(transport.VariantHTTPUpgrade, metrics.ResultBadRequest)
		return c.String(http.StatusBadRequest, "Upgrade requires GET.\n")
	}

	upgradeValue := req.Header.Get("Upgrade")

	clientConn, rw, err := c.Response().Hijack()
	if err != nil {
		h.countUpgrade(transport.VariantHTTPUpgrade, metrics.ResultBadRequest)
		return c.String(http.StatusInternalServerError, "Connection cannot be upgraded.\n")
	}

	backendConn, err := h.backend.DialUpgrade(context.Background(), br, upgradeValue)
	if err != nil {
		result, reason := upgradeFailure(err)
		h.countUpgrade(transport.VariantHTTPUpgrade, result)
		h.logger.Warn("backend upgrade failed",
			"transport", string(transport.VariantHTTPUpgrade),
			"err", err,
		)
		writeRawResponse(clientConn, http.StatusBadGateway, reason)
		_ = clientConn.Close()
		return nil
	}

	response := &http.Response{
		StatusCode: http.StatusSwitchingProtocols,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
	}
	response.Header.Set("Connection", "Upgrade")
	response.Header.Set("Upgrade", upgradeValue)
	if err := response.Write(clientConn); err != nil {
		h.countUpgrade(transport.VariantHTTPUpgrade, metrics.ResultBadRequest)
		_ = clientConn.Close()
		_ = backendConn.Close()
		return nil
	}

	h.countUpgrade(transport.VariantHTTPUpgrade, metrics.ResultOK)
	c.Response().Status = http.StatusSwitchingProtocols
	client := backend.NewBufferedConn(clientConn, rw.Reader)
	bridge.NewPump(client, backendConn, h.logger, h.metrics).Run()
	return nil
}

// mapError translates the backend error taxonomy into plain-text responses.
func (h *TunnelHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, transport.ErrInvalidSessionParam) {
		return c.String(http.StatusBadRequest, err.Error()+"\n")
	}
	if errors.Is(err, backend.ErrTimeout) {
		return c.String(http.StatusBadGateway, "Backend request timed out.\n")
	}
	if errors.Is(err, backend.ErrUnreachable) {
		return c.String(http.StatusBadGateway, "Unable to connect to backend service.\n")
	}
	var rejected *backend.UpgradeRejectedError
	if errors.As(err, &rejected) {
		return c.String(http.StatusBadGateway,
			fmt.Sprintf("Backend rejected the upgrade handshake (status %d).\n", rejected.StatusCode))
	}
	return c.String(http.StatusBadGateway, "Backend request failed.\n")
}

// upgradeFailure maps a failed backend upgrade dial to a metrics result and
// the close reason reported to the client.
func upgradeFailure(err error) (result, reason string) {
	var rejected *backend.UpgradeRejectedError
	switch {
	case errors.As(err, &rejected):
		return metrics.ResultRejected, fmt.Sprintf("backend rejected upgrade: status %d", rejected.StatusCode)
	case errors.Is(err, backend.ErrTimeout):
		return metrics.ResultTimeout, "upgrade timed out"
	default:
		return metrics.ResultUnreachable, "backend unreachable"
	}
}

func (h *TunnelHandler) countUpgrade(v transport.Variant, result string) {
	if h.metrics != nil {
		h.metrics.UpgradesTotal.WithLabelValues(string(v), result).Inc()
	}
}

// protocolTokens splits a Sec-WebSocket-Protocol value into its offered
// tokens.
func protocolTokens(header string) []string {
	if header == "" {
		return nil
	}
	var tokens []string
	for _, t := range strings.Split(header, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// writeRawResponse writes a minimal HTTP/1.1 error response on a hijacked
// connection.
func writeRawResponse(conn net.Conn, status int, body string) {
	body += "\n"
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(conn)
}
