package credits

import "github.com/BTreeMap/CampaignPipe/internal/models"

// windowTiers lists every window length ResolveCongestionWindow can return.
var windowTiers = []int{6, 8, 10, 12}

// CongestionWindow is the free-plan refill window chosen for current load.
type CongestionWindow struct {
	Hours      int
	Congestion models.Congestion
	ErrorRate  float64
	AvgLatency float64
}

// ResolveCongestionWindow maps recent telemetry to a window length. Under load
// the window stretches while the per-window cap stays fixed.
func ResolveCongestionWindow(stats models.TelemetryStats) CongestionWindow {
	var errorRate float64
	if stats.TotalRequests > 0 {
		errorRate = float64(stats.FailedRequests) / float64(stats.TotalRequests)
	}
	latency := stats.AvgLatencyMs

	w := CongestionWindow{ErrorRate: errorRate, AvgLatency: latency}
	switch {
	case errorRate >= 0.35 || latency >= 4500:
		w.Hours, w.Congestion = 12, models.CongestionSevere
	case errorRate >= 0.25 || latency >= 3000:
		w.Hours, w.Congestion = 10, models.CongestionHigh
	case errorRate >= 0.15 || latency >= 1800:
		w.Hours, w.Congestion = 8, models.CongestionModerate
	default:
		w.Hours, w.Congestion = 6, models.CongestionLow
	}
	return w
}
