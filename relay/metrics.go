package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame directions.
const (
	DirClientToUpstream = "client_to_upstream"
	DirUpstreamToClient = "upstream_to_client"
)

// Metrics contains the relay's Prometheus metrics
type Metrics struct {
	ActivePairs   prometheus.Gauge
	AcceptedPairs prometheus.Counter
	Rejected      *prometheus.CounterVec
	PairDuration  prometheus.Histogram

	Frames        *prometheus.CounterVec
	PendingFrames prometheus.Counter

	CredentialFallbacks *prometheus.CounterVec
	DialFailures        prometheus.Counter
}

// NewMetrics creates the relay metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActivePairs: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_pairs",
			Help: "Current number of bridged client/upstream connection pairs",
		}),
		AcceptedPairs: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_accepted_pairs_total",
			Help: "Total number of accepted client connections",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rejected_requests_total",
			Help: "Requests refused before upgrade, by reason",
		}, []string{"reason"}),
		PairDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_pair_duration_seconds",
			Help:    "Lifetime of connection pairs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Frames relayed, by direction",
		}, []string{"direction"}),
		PendingFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_pending_frames_total",
			Help: "Client frames queued before the upstream connection opened",
		}),
		CredentialFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_credential_fallbacks_total",
			Help: "Connections that fell back to the default credential, by reason",
		}, []string{"reason"}),
		DialFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_dial_failures_total",
			Help: "Failed upstream connection attempts",
		}),
	}
}
