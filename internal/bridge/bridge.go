// Package bridge relays opaque frames between the client-facing and
// backend-facing endpoints of an upgraded tunnel session until either side
// closes or errors.
package bridge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tunnel-proxy-go/internal/metrics"
)

// CloseCodeAbnormal is sent when a session ends without a propagatable close
// code: relay failures, transport errors, rejected handshakes, and peer codes
// that may not be re-sent in a close frame. RFC 6455 reserves 1006 for local
// reporting, so the first private-range code stands in for it on the wire.
const CloseCodeAbnormal = 4000

// closeWriteTimeout bounds the best-effort close frame write during shutdown.
const closeWriteTimeout = 5 * time.Second

// maxCloseReason is the close frame payload limit minus the 2-byte code.
const maxCloseReason = 123

// SanitizeCloseCode passes a peer-supplied close code through only when it
// can be legally re-sent: an integer in [1000, 4999] that is not one of the
// reserved no-status/abnormal codes. Anything else becomes CloseCodeAbnormal.
func SanitizeCloseCode(code int) int {
	if code >= 1000 && code <= 4999 &&
		code != websocket.CloseNoStatusReceived &&
		code != websocket.CloseAbnormalClosure {
		return code
	}
	return CloseCodeAbnormal
}

// Bridge relays messages between two open websocket endpoints. Each
// direction runs independently; per-direction message order is preserved and
// binary/text framing passes through unmodified. The first close or error
// event on either side closes both endpoints exactly once.
type Bridge struct {
	client  *websocket.Conn
	backend *websocket.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Bridge over two open endpoints. The metrics parameter is
// optional; pass nil to disable session metrics.
func New(client, backend *websocket.Conn, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		client:  client,
		backend: backend,
		logger:  logger.With("component", "bridge"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Run wires both relay directions and returns immediately; the bridge
// operates for the remaining lifetime of the session.
func (b *Bridge) Run() {
	if b.metrics != nil {
		b.metrics.OpenSessions.Inc()
	}
	go b.pump(b.client, b.backend, metrics.DirClientToBackend, "client")
	go b.pump(b.backend, b.client, metrics.DirBackendToClient, "backend")
}

// Done is closed once the bridge has initiated closing of both endpoints.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// pump forwards messages from src to dst until src closes or a forwarding
// step fails, then tears the session down.
func (b *Bridge) pump(src, dst *websocket.Conn, direction, side string) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			b.handleReadEnd(side, err)
			return
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			b.onRelayError(direction, err)
			b.closeBoth(CloseCodeAbnormal, "relay failure")
			return
		}
		if b.metrics != nil {
			b.metrics.RelayMessages.WithLabelValues(direction).Inc()
			b.metrics.RelayBytes.WithLabelValues(direction).Add(float64(len(payload)))
		}
	}
}

// handleReadEnd maps the end of a read loop to a close of both endpoints: a
// peer close frame propagates its sanitized code and reason, anything else
// counts as a transport error on that side.
func (b *Bridge) handleReadEnd(side string, err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		reason := closeErr.Text
		if reason == "" {
			reason = side + " closed"
		}
		b.logger.Debug("peer closed session",
			"side", side,
			"code", closeErr.Code,
			"reason", reason,
		)
		b.closeBoth(SanitizeCloseCode(closeErr.Code), reason)
		return
	}
	b.onRelayError(side, err)
	b.closeBoth(CloseCodeAbnormal, side+" connection errored")
}

// onRelayError is diagnostic only; it never changes control flow.
func (b *Bridge) onRelayError(where string, err error) {
	b.logger.Debug("relay error", "where", where, "err", err)
}

// closeBoth closes both endpoints with the given code and reason. It is
// guarded to execute exactly once no matter how many concurrent error or
// close events race into it.
func (b *Bridge) closeBoth(code int, reason string) {
	b.closeOnce.Do(func() {
		closeEndpoint(b.client, code, reason)
		closeEndpoint(b.backend, code, reason)
		if b.metrics != nil {
			b.metrics.OpenSessions.Dec()
		}
		close(b.done)
	})
}

// Abort closes a lone client endpoint with the abnormal code and the given
// reason, for backend handshakes that failed after the client side was
// already accepted.
func Abort(conn *websocket.Conn, reason string) {
	closeEndpoint(conn, CloseCodeAbnormal, reason)
}

// closeEndpoint sends a coded close frame and drops the connection. Both
// steps are best effort: a shutdown attempt must never propagate a failure,
// and closing an already-closed endpoint is a no-op.
func closeEndpoint(conn *websocket.Conn, code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	deadline := time.Now().Add(closeWriteTimeout)
	// WriteControl is safe to call concurrently with the relay writers.
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
