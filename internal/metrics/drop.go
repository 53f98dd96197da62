package metrics

import "simflow/logger"

// DropMetric identifies the metric name emitted when mailbox frames are dropped.
type DropMetric string

const (
	// DropMetricFeedFrame records feed frames discarded before merging.
	DropMetricFeedFrame DropMetric = "feed_frames_dropped"
	// DropMetricTransformFrame records transform frames discarded before fan-in.
	DropMetricTransformFrame DropMetric = "transform_frames_dropped"
	// DropMetricMergedFrame records merged frames discarded before client delivery.
	DropMetricMergedFrame DropMetric = "merged_frames_dropped"
	// DropMetricOrderFrame records order frames discarded before re-injection.
	DropMetricOrderFrame DropMetric = "order_frames_dropped"
	// DropMetricShutdownDrain records frames abandoned in mailboxes at shutdown.
	DropMetricShutdownDrain DropMetric = "frames_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped frame. The
// metric value is always incremented by one so callers should invoke this
// helper for each dropped frame. Optional metadata (endpoint, stage) is added
// to the metric fields when provided which enables downstream aggregation per
// mailbox and pipeline stage.
func EmitDropMetric(log *logger.Log, metric DropMetric, component, endpoint, stage string) {
	fields := logger.Fields{}
	if endpoint != "" {
		fields["endpoint"] = endpoint
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, component, string(metric), 1, "counter", fields)
	IncFrameDropped(component)
}
