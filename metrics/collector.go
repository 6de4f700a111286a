package metrics

import (
	"context"
	"time"

	"github.com/havenline/routecore/router"
)

// Collector translates router observability signals into the Prometheus
// surface. It is wired in two places: as the router's on_route callback,
// and as a periodic poller of the Status() snapshot for the capacity
// gauges.
type Collector struct{}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// OnRoute records one completed attempt sequence. It is safe to pass
// directly as router.Config.OnRoute.
func (c *Collector) OnRoute(evt router.RouteEvent) {
	outcome := "success"
	if !evt.Success {
		outcome = evt.ErrorKind
		if outcome == "" {
			outcome = "error"
		}
	}

	RoutedRequests.WithLabelValues(evt.Provider, string(evt.Priority), outcome).Inc()
	RequestLatency.WithLabelValues(evt.Provider).Observe(evt.LatencyMS / 1000)
	FallbackDepth.WithLabelValues(string(evt.Priority)).Observe(float64(evt.Attempts))
}

// RecordStatus reflects a Status() snapshot into the capacity gauges.
func (c *Collector) RecordStatus(statuses []router.ProviderStatus) {
	for _, s := range statuses {
		ProviderRPMUsed.WithLabelValues(s.Name).Set(float64(s.RPMUsed))
		ProviderTPMUsed.WithLabelValues(s.Name).Set(float64(s.TPMUsed))
		ProviderHeadroomPct.WithLabelValues(s.Name).Set(s.HeadroomPct)
		ProviderAvgLatencyMS.WithLabelValues(s.Name).Set(s.AvgLatencyMS)
		open := 0.0
		if s.CircuitOpen {
			open = 1.0
		}
		ProviderCircuitOpen.WithLabelValues(s.Name).Set(open)
	}
}

// Poll refreshes the capacity gauges from rt.Status every interval until
// ctx is cancelled. Run it in its own goroutine.
func (c *Collector) Poll(ctx context.Context, rt *router.Router, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RecordStatus(rt.Status(ctx))
		}
	}
}
