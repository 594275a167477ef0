package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the fiscal engine.
type Metrics struct {
	DocumentsSubmitted  prometheus.Counter
	DocumentsAuthorized prometheus.Counter
	DocumentsRejected   *prometheus.CounterVec
	DocumentsCancelled  prometheus.Counter

	ProtocolRetries         *prometheus.CounterVec
	DuplicateReconciliation prometheus.Counter
	ServiceUnavailable      prometheus.Counter
	ProtocolLatency         *prometheus.HistogramVec

	TokenRefreshes    prometheus.Counter
	GrantCacheHits    prometheus.Counter
	GrantCacheMisses  prometheus.Counter
	CircuitOpen       prometheus.Gauge
	CertificateExpiry prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		DocumentsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fisco_documents_submitted_total",
			Help: "Total number of fiscal documents handed to the authority",
		}),
		DocumentsAuthorized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fisco_documents_authorized_total",
			Help: "Total number of fiscal documents authorized by the authority",
		}),
		DocumentsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fisco_documents_rejected_total",
			Help: "Total number of fiscal documents terminally rejected, labeled by status code",
		}, []string{"code"}),
		DocumentsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fisco_documents_cancelled_total",
			Help: "Total number of fiscal documents with homologated cancellation",
		}),
		ProtocolRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fisco_protocol_retries_total",
			Help: "Total number of transient retries, labeled by operation",
		}, []string{"operation"}),
		DuplicateReconciliation: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fisco_duplicate_reconciliations_total",
			Help: "Total number of duplicate signals reconciled via status query",
		}),
		ServiceUnavailable: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fisco_service_unavailable_total",
			Help: "Total number of operations that exhausted bounded retries",
		}),
		ProtocolLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fisco_protocol_latency_seconds",
			Help:    "Latency of authority protocol operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		TokenRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fisco_contador_token_refreshes_total",
			Help: "Total number of OAuth token refreshes against the aggregation service",
		}),
		GrantCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fisco_attorney_grant_cache_hits_total",
			Help: "Total number of attorney grant lookups served from cache",
		}),
		GrantCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fisco_attorney_grant_cache_misses_total",
			Help: "Total number of attorney grant lookups that hit the wire",
		}),
		CircuitOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fisco_sefaz_circuit_open",
			Help: "1 when the authority health circuit is open, 0 otherwise",
		}),
		CertificateExpiry: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fisco_certificate_expiry_timestamp_seconds",
			Help: "Unix timestamp of the loaded certificate's notAfter",
		}),
	}
}

func (m *Metrics) IncrementDocumentsSubmitted()  { m.DocumentsSubmitted.Inc() }
func (m *Metrics) IncrementDocumentsAuthorized() { m.DocumentsAuthorized.Inc() }
func (m *Metrics) IncrementDocumentsCancelled()  { m.DocumentsCancelled.Inc() }

// IncrementDocumentsRejected records a terminal rejection with its status code label.
func (m *Metrics) IncrementDocumentsRejected(code string) {
	m.DocumentsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) IncrementProtocolRetries(operation string) {
	m.ProtocolRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncrementDuplicateReconciliation() { m.DuplicateReconciliation.Inc() }
func (m *Metrics) IncrementServiceUnavailable()      { m.ServiceUnavailable.Inc() }
func (m *Metrics) IncrementTokenRefreshes()          { m.TokenRefreshes.Inc() }
func (m *Metrics) IncrementGrantCacheHits()          { m.GrantCacheHits.Inc() }
func (m *Metrics) IncrementGrantCacheMisses()        { m.GrantCacheMisses.Inc() }

// ObserveProtocolLatency records the latency for a given protocol operation.
func (m *Metrics) ObserveProtocolLatency(operation string, d time.Duration) {
	m.ProtocolLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// SetCircuitOpen reflects the authority health circuit state.
func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}

// SetCertificateExpiry publishes the certificate notAfter for alerting.
func (m *Metrics) SetCertificateExpiry(t time.Time) {
	m.CertificateExpiry.Set(float64(t.Unix()))
}
