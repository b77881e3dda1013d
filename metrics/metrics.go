// Package metrics exposes Prometheus collectors for the device PKI and the server
// that serves them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "device_pki"

var (
	registry = prometheus.NewRegistry()

	KeyDerivations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_derivations_total",
		Help:      "Keys derived from the device identity, by scheme.",
	}, []string{"scheme"})

	KeyDerivationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "key_derivation_seconds",
		Help:      "Duration of a single key derivation.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	CertificatesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificates_issued_total",
		Help:      "Certificates issued, by kind.",
	}, []string{"kind"})

	TrustStoreInstalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trust_store_installs_total",
		Help:      "Trust store installation attempts, by kind and result.",
	}, []string{"kind", "result"})

	PublishOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_operations_total",
		Help:      "Public certificate mirror writes, by backend and result.",
	}, []string{"backend", "result"})

	CertificateNotAfter = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "certificate_not_after_seconds",
		Help:      "Expiry of each certificate on disk as a unix timestamp.",
	}, []string{"name"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		KeyDerivations,
		KeyDerivationSeconds,
		CertificatesIssued,
		TrustStoreInstalls,
		PublishOperations,
		CertificateNotAfter,
	)
}

// Result returns the label value for an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the collectors in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// MetricsServer serves /metrics on a dedicated listener.
type MetricsServer struct {
	*http.Server
}

// New returns a metrics server bound to addr.
func New(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &MetricsServer{
		Server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}
