package metrics

import (
	"context"
	"time"

	"simflow/internal/transport"
	"simflow/logger"
)

// StartMailboxDepthMetrics emits occupancy metrics for every mailbox open on
// the bus. Metrics are logged every `interval` until the context is
// cancelled. When interval <=0, a one-second cadence is used.
func StartMailboxDepthMetrics(ctx context.Context, bus *transport.Bus, interval time.Duration) {
	if !IsFeatureEnabled(FeatureMailboxDepth) {
		return
	}
	if bus == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "transport"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, mb := range bus.Mailboxes() {
					depth := mb.Depth()
					EmitMetric(log, component, "mailbox_depth", depth, "gauge", logger.Fields{
						"endpoint": string(mb.Endpoint()),
						"capacity": mb.Capacity(),
					})
					SetMailboxDepth(string(mb.Endpoint()), depth)
				}
			}
		}
	}()
}
