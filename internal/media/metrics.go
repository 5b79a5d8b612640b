package media

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the Media Engine: active voice sessions and
// frames dropped for reasons the spec treats as non-fatal (§7 "Decode
// error ... drop the frame; no propagation").
var (
	activeSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatr",
		Subsystem: "media",
		Name:      "active_sessions",
		Help:      "1 while this peer is in a voice session, 0 otherwise.",
	})
	framesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatr",
		Subsystem: "media",
		Name:      "frames_dropped_total",
		Help:      "Video/screen/audio frames dropped, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(activeSessionsGauge, framesDroppedTotal)
}
