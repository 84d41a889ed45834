package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
)

const metricsNamespace = "userflow"

// Result labels of the records_total counter.
const (
	resultDecodeFailed  = "decode_failed"
	resultRendered      = "rendered"
	resultRenderFailed  = "render_failed"
	resultPersisted     = "persisted"
	resultPersistFailed = "persist_failed"
	resultDropped       = "dropped"
	resultDeadLettered  = "dead_lettered"
)

// PipelineMetrics holds the Prometheus collectors of both output paths.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	mu sync.Mutex

	recordsTotal *prometheus.CounterVec
	writeSeconds prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// NewPipelineMetrics creates the collectors. Call Register before use.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PipelineMetrics{
		registerer: registerer,
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "records_total",
				Help:      "Records handled per output path and outcome",
			},
			[]string{"path", "result"},
		),
		writeSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "sink",
				Name:      "write_duration_seconds",
				Help:      "Time spent persisting one record, including connection acquisition",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// Register registers the collectors. Collectors already registered by an
// earlier service on the same registerer are reused. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	if err := m.registerer.Register(m.recordsTotal); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return err
		}
		m.recordsTotal = existing
	}
	if err := m.registerer.Register(m.writeSeconds); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
		existing, ok := are.ExistingCollector.(prometheus.Histogram)
		if !ok {
			return err
		}
		m.writeSeconds = existing
	}

	m.registered = true
	return nil
}

func (m *PipelineMetrics) record(path, result string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(path, result).Inc()
}

func (m *PipelineMetrics) observeWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.writeSeconds.Observe(d.Seconds())
}

// addRouterMetrics attaches Watermill's handler metrics to the router.
func addRouterMetrics(router *message.Router, registerer prometheus.Registerer, pubSubSystem string) {
	builder := metrics.NewPrometheusMetricsBuilder(registerer, metricsNamespace, pubSubSystem)
	builder.AddPrometheusRouterMetrics(router)
}

// metricsServer exposes /metrics while the service runs.
type metricsServer struct {
	server *http.Server
	logger loggingpkg.ServiceLogger
}

func newMetricsServer(port int, registerer prometheus.Registerer, logger loggingpkg.ServiceLogger) *metricsServer {
	gatherer := prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &metricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (m *metricsServer) start() {
	m.logger.Info("Starting metrics server", loggingpkg.LogFields{"address": m.server.Addr})
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server failed", err, loggingpkg.LogFields{"address": m.server.Addr})
		}
	}()
}

func (m *metricsServer) stop(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
