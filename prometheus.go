package kvload

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const exporterNamespace = "kvload"

// Exporter exposes trends, checks and iterations of all runners on /metrics
type Exporter struct {
	Registry *prometheus.Registry

	trends     *prometheus.SummaryVec
	checks     *prometheus.CounterVec
	iterations *prometheus.CounterVec
	srv        *http.Server
}

// NewExporter creates exporter with its own registry
func NewExporter() *Exporter {
	e := &Exporter{
		Registry: prometheus.NewRegistry(),
		trends: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace:  exporterNamespace,
				Name:       "trend_milliseconds",
				Help:       "Trend samples in milliseconds.",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001},
				MaxAge:     time.Minute,
			},
			[]string{"handle", "trend"},
		),
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: exporterNamespace,
				Name:      "checks_total",
				Help:      "Check outcomes.",
			},
			[]string{"handle", "check", "result"},
		),
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: exporterNamespace,
				Name:      "iterations_total",
				Help:      "Finished iterations.",
			},
			[]string{"handle"},
		),
	}
	e.Registry.MustRegister(e.trends, e.checks, e.iterations)
	return e
}

func (e *Exporter) observe(handle, trend string, v float64) {
	e.trends.WithLabelValues(handle, strcase.ToSnake(trend)).Observe(v)
}

func (e *Exporter) check(handle, name string, ok bool) {
	e.checks.WithLabelValues(handle, name, strconv.FormatBool(ok)).Inc()
}

func (e *Exporter) iteration(handle string) {
	e.iterations.WithLabelValues(handle).Inc()
}

// Handler http handler of the exporter registry
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{})
}

// Listen serves /metrics on addr in background
func (e *Exporter) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	e.srv = &http.Server{Handler: mux}
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics exporter stopped: %s", err)
		}
	}()
	log.Infof("serving metrics on %s/metrics", ln.Addr())
	return nil
}

// Close stops the /metrics listener
func (e *Exporter) Close() error {
	if e.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.srv.Shutdown(ctx)
}
