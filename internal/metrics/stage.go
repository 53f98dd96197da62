package metrics

import "simflow/logger"

// FeedStats holds metrics for the event feed.
type FeedStats struct {
	EventsEmitted  int64
	OrdersReplayed int64
	Pending        int64
	SourcesDone    int
	SourcesTotal   int
}

// ReportFeed emits common feed metrics using the provided logger.
func ReportFeed(log *logger.Log, stats FeedStats) {
	l := log.WithComponent("feed")

	l.LogMetric("feed", "events_emitted", stats.EventsEmitted, "counter", logger.Fields{})
	l.LogMetric("feed", "orders_replayed", stats.OrdersReplayed, "counter", logger.Fields{})
	l.LogMetric("feed", "pending_messages", stats.Pending, "gauge", logger.Fields{})
	SetPending("feed", stats.Pending)

	l.WithFields(logger.Fields{
		"events_emitted":  stats.EventsEmitted,
		"orders_replayed": stats.OrdersReplayed,
		"pending":         stats.Pending,
		"sources_done":    stats.SourcesDone,
		"sources_total":   stats.SourcesTotal,
	}).Info("feed metrics")
}

// MergeStats holds metrics for the fan-in merge stage.
type MergeStats struct {
	FramesIn   int64
	EventsOut  int64
	Pending    int64
	Violations int64
}

// ReportMerge emits common merge metrics using the provided logger.
func ReportMerge(log *logger.Log, stats MergeStats) {
	l := log.WithComponent("merge")

	framesPerEvent := float64(0)
	if stats.EventsOut > 0 {
		framesPerEvent = float64(stats.FramesIn) / float64(stats.EventsOut)
	}

	l.LogMetric("merge", "frames_in", stats.FramesIn, "counter", logger.Fields{})
	l.LogMetric("merge", "events_out", stats.EventsOut, "counter", logger.Fields{})
	l.LogMetric("merge", "pending_messages", stats.Pending, "gauge", logger.Fields{})
	l.LogMetric("merge", "frames_per_event", framesPerEvent, "gauge", logger.Fields{})
	SetPending("merge", stats.Pending)

	entry := l.WithFields(logger.Fields{
		"frames_in":        stats.FramesIn,
		"events_out":       stats.EventsOut,
		"pending":          stats.Pending,
		"violations":       stats.Violations,
		"frames_per_event": framesPerEvent,
	})

	if stats.Violations > 0 {
		entry.Warn("merge metrics")
		return
	}

	entry.Info("merge metrics")
}

// ClientStats holds metrics for the strategy client.
type ClientStats struct {
	EventsProcessed int64
	OrdersPlaced    int64
	Transactions    int64
	PortfolioValue  float64
}

// ReportClient emits common client metrics using the provided logger.
func ReportClient(log *logger.Log, stats ClientStats) {
	l := log.WithComponent("client")

	l.LogMetric("client", "events_processed", stats.EventsProcessed, "counter", logger.Fields{})
	l.LogMetric("client", "orders_placed", stats.OrdersPlaced, "counter", logger.Fields{})
	l.LogMetric("client", "transactions", stats.Transactions, "counter", logger.Fields{})
	l.LogMetric("client", "portfolio_value", stats.PortfolioValue, "gauge", logger.Fields{})

	l.WithFields(logger.Fields{
		"events_processed": stats.EventsProcessed,
		"orders_placed":    stats.OrdersPlaced,
		"transactions":     stats.Transactions,
		"portfolio_value":  stats.PortfolioValue,
	}).Info("client metrics")
}

// TransformStats holds metrics for a transform stage.
type TransformStats struct {
	EventsIn     int64
	FramesOut    int64
	Transactions int64
	ErrorsCount  int64
}

// ReportTransformStage emits common transform metrics using the provided
// logger and stage name.
func ReportTransformStage(log *logger.Log, stage string, stats TransformStats) {
	l := log.WithComponent(stage)

	errorRate := float64(0)
	if stats.EventsIn+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.EventsIn+stats.ErrorsCount)
	}

	l.LogMetric(stage, "events_in", stats.EventsIn, "counter", logger.Fields{})
	l.LogMetric(stage, "frames_out", stats.FramesOut, "counter", logger.Fields{})
	l.LogMetric(stage, "transactions", stats.Transactions, "counter", logger.Fields{})
	l.LogMetric(stage, "errors_count", stats.ErrorsCount, "counter", logger.Fields{})
	l.LogMetric(stage, "error_rate", errorRate, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"events_in":    stats.EventsIn,
		"frames_out":   stats.FramesOut,
		"transactions": stats.Transactions,
		"errors_count": stats.ErrorsCount,
		"error_rate":   errorRate,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(stage + " metrics")
		return
	}

	entry.Info(stage + " metrics")
}
