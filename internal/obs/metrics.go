package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveFlows         = promauto.NewGauge(prometheus.GaugeOpts{Name: "framerelay_active_flows", Help: "Intercepted flows currently open"})
	InterestingFlows    = promauto.NewGauge(prometheus.GaugeOpts{Name: "framerelay_interesting_flows", Help: "Open flows matching the endpoint filter"})
	RelayConnected      = promauto.NewGauge(prometheus.GaugeOpts{Name: "framerelay_relay_connected", Help: "1 while the relay control connection is up"})
	RelayConnectsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "framerelay_relay_connects_total", Help: "Relay connection attempts by result"}, []string{"result"})
	PendingResponses    = promauto.NewGauge(prometheus.GaugeOpts{Name: "framerelay_pending_responses", Help: "Relay requests awaiting a verdict"})
	RelayRequestsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "framerelay_relay_requests_total", Help: "Relay requests by outcome"}, []string{"outcome"})
	RelayRoundTrip      = promauto.NewHistogram(prometheus.HistogramOpts{Name: "framerelay_relay_round_trip_seconds", Help: "Time from request send to verdict", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)})
	FramesRelayedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "framerelay_frames_relayed_total", Help: "Complete frames sent to the relay"})
	BufferedBytes       = promauto.NewGauge(prometheus.GaugeOpts{Name: "framerelay_buffered_bytes", Help: "Bytes waiting for a frame to complete across all flows"})
	FlowDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "framerelay_flow_duration_seconds", Help: "Flow lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "framerelay_errors_total", Help: "Errors by type"}, []string{"type"})
)
