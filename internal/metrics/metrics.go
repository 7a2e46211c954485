// Package metrics exposes store activity as prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors of one daemon on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	saves        *prometheus.CounterVec
	saveDuration *prometheus.HistogramVec
	deleted      *prometheus.CounterVec
	snapshots    prometheus.Counter
	windowItems  prometheus.Gauge
	reloaded     prometheus.Counter
	reconfigured prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgstore_saves_total",
			Help: "Context saves by context role and result",
		}, []string{"role", "result"}),
		saveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "msgstore_save_duration_seconds",
			Help:    "Time spent committing a context save",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"role"}),
		deleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgstore_deleted_total",
			Help: "Records and files removed by the destroyer",
		}, []string{"what"}),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "msgstore_snapshots_total",
			Help: "Window snapshots emitted by message providers",
		}),
		windowItems: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgstore_window_items",
			Help: "Items in the most recent window snapshot",
		}),
		reloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "msgstore_snapshot_reloaded_items_total",
			Help: "Items marked for reload in window snapshots",
		}),
		reconfigured: f.NewCounter(prometheus.CounterOpts{
			Name: "msgstore_snapshot_reconfigured_items_total",
			Help: "Items marked for reconfigure in window snapshots",
		}),
	}
}

// WatchBus exports the number of change events the bus dropped for slow
// subscribers.
func (m *Metrics) WatchBus(b *bus.Bus) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "msgstore_bus_dropped_events_total",
		Help: "Change events discarded because a subscriber's buffer was full",
	}, func() float64 { return float64(b.Dropped()) }))
}

// ObserveSave records a context save.
func (m *Metrics) ObserveSave(role string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.saves.WithLabelValues(role, result).Inc()
	m.saveDuration.WithLabelValues(role).Observe(d.Seconds())
}

// ObserveDeleted records n removed records of one kind.
func (m *Metrics) ObserveDeleted(what string, n int) {
	m.deleted.WithLabelValues(what).Add(float64(n))
}

// ObserveSnapshot records an emitted window snapshot.
func (m *Metrics) ObserveSnapshot(items, reload, reconfigure int) {
	m.snapshots.Inc()
	m.windowItems.Set(float64(items))
	m.reloaded.Add(float64(reload))
	m.reconfigured.Add(float64(reconfigure))
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Server serves /metrics on a TCP address.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr and returns a server ready to Serve.
func (m *Metrics) Listen(addr string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() {
	s.logger.Info("metrics endpoint listening", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("metrics server failed", zap.Error(err))
	}
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
