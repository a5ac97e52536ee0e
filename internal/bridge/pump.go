package bridge

import (
	"io"
	"log/slog"
	"sync"

	"tunnel-proxy-go/internal/metrics"
)

// Pump relays raw bytes between two stream endpoints for the generic-upgrade
// transport, where there is no message framing to preserve. The first error
// or EOF on either direction closes both ends exactly once.
type Pump struct {
	client  io.ReadWriteCloser
	backend io.ReadWriteCloser
	logger  *slog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// NewPump creates a Pump over two open raw endpoints. The metrics parameter
// is optional.
func NewPump(client, backend io.ReadWriteCloser, logger *slog.Logger, m *metrics.Metrics) *Pump {
	return &Pump{
		client:  client,
		backend: backend,
		logger:  logger.With("component", "pump"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Run wires both copy directions and returns immediately.
func (p *Pump) Run() {
	if p.metrics != nil {
		p.metrics.OpenSessions.Inc()
	}
	go p.copy(p.backend, p.client, metrics.DirClientToBackend)
	go p.copy(p.client, p.backend, metrics.DirBackendToClient)
}

// Done is closed once the pump has initiated closing of both endpoints.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

func (p *Pump) copy(dst io.Writer, src io.Reader, direction string) {
	n, err := io.Copy(dst, src)
	if err != nil {
		p.logger.Debug("relay error", "where", direction, "err", err)
	}
	if p.metrics != nil {
		p.metrics.RelayBytes.WithLabelValues(direction).Add(float64(n))
	}
	p.closeBoth()
}

// closeBoth closes both endpoints, swallowing errors; closing an
// already-closed endpoint must not raise.
func (p *Pump) closeBoth() {
	p.closeOnce.Do(func() {
		_ = p.client.Close()
		_ = p.backend.Close()
		if p.metrics != nil {
			p.metrics.OpenSessions.Dec()
		}
		close(p.done)
	})
}
