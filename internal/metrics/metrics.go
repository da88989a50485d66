// Package metrics exposes operational counters and gauges for the
// matching core over Prometheus's text exposition format. Nothing in
// the book, engine or controller packages imports this one; they're
// driven through plain function calls from net and cmd/ironbook so the
// matching core stays free of monitoring concerns.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds every collector the rest of the process reports into.
type Metrics struct {
	registry      *prometheus.Registry
	Executions    *prometheus.CounterVec
	Rejects       *prometheus.CounterVec
	Halts         prometheus.Counter
	Resumes       prometheus.Counter
	BookDepth     *prometheus.GaugeVec
	ConnectedSess prometheus.Gauge
}

// New registers a fresh collector set on its own registry, isolated
// from the default global one so tests can build independent Metrics
// instances without collector-already-registered panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ironbook_executions_total",
			Help: "Number of trade executions reported, by symbol.",
		}, []string{"symbol"}),
		Rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ironbook_rejects_total",
			Help: "Number of rejected order actions, by reason.",
		}, []string{"reason"}),
		Halts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ironbook_halts_total",
			Help: "Number of times trading was halted on any symbol.",
		}),
		Resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ironbook_resumes_total",
			Help: "Number of times trading was resumed on any symbol.",
		}),
		BookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ironbook_book_depth",
			Help: "Current resting order count, by symbol and side.",
		}, []string{"symbol", "side"}),
		ConnectedSess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ironbook_connected_sessions",
			Help: "Current number of open client sessions.",
		}),
	}

	reg.MustRegister(m.Executions, m.Rejects, m.Halts, m.Resumes, m.BookDepth, m.ConnectedSess)
	return m
}

// Serve starts a promhttp server on addr and blocks until ctx is
// cancelled, then shuts it down gracefully.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
