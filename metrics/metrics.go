// Package metrics exposes the credential manager's diagnostics as Prometheus
// metrics on a dedicated listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hwtrust/credman/interfaces"
)

// Diagnostics implements interfaces.Diagnostics on a Prometheus registry.
type Diagnostics struct {
	registry *prometheus.Registry

	credentialCount   prometheus.Gauge
	operationOutcomes *prometheus.CounterVec
	resetOutcomes     *prometheus.CounterVec
	treeStoreOutcomes *prometheus.CounterVec
}

// NewDiagnostics creates a diagnostics sink registering its metrics under the
// given namespace.
func NewDiagnostics(namespace string) *Diagnostics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Diagnostics{
		registry: registry,
		credentialCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credential_count",
			Help:      "Number of populated credential leaves.",
		}),
		operationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_outcomes_total",
			Help:      "Outcomes of incoming credential operations.",
		}, []string{"kind", "result"}),
		resetOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_outcomes_total",
			Help:      "Outcomes of incoming reset requests.",
		}, []string{"result"}),
		treeStoreOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hash_tree_store_outcomes_total",
			Help:      "Outcomes of hash tree snapshot store attempts.",
		}, []string{"result"}),
	}
}

// CredentialCount reports the number of populated leaves.
func (d *Diagnostics) CredentialCount(n uint64) {
	d.credentialCount.Set(float64(n))
}

// OperationOutcome reports the result of one incoming credential operation.
func (d *Diagnostics) OperationOutcome(kind interfaces.OperationKind, result error) {
	d.operationOutcomes.WithLabelValues(string(kind), resultLabel(result)).Inc()
}

// ResetOutcome reports the result of one incoming reset request.
func (d *Diagnostics) ResetOutcome(result error) {
	d.resetOutcomes.WithLabelValues(resultLabel(result)).Inc()
}

// TreeStoreOutcome reports the result of one hash tree store attempt.
func (d *Diagnostics) TreeStoreOutcome(result error) {
	d.treeStoreOutcomes.WithLabelValues(resultLabel(result)).Inc()
}

// Handler returns the scrape handler for this registry.
func (d *Diagnostics) Handler() http.Handler {
	return promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// MetricsServer serves the Prometheus scrape endpoint on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the diagnostics sink. An empty listenAddr
// disables the server.
func New(diagnostics *Diagnostics, listenAddr string) *MetricsServer {
	if listenAddr == "" {
		return &MetricsServer{}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", diagnostics.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving. It blocks until the server stops.
func (s *MetricsServer) Start() error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
