package metrics

import (
	"strings"
	"sync"

	"simflow/config"
)

// Feature identifies an optional metric family that can be switched off to
// reduce log and CloudWatch volume on large runs.
type Feature string

const (
	// FeatureMailboxDepth controls the periodic mailbox occupancy gauges.
	FeatureMailboxDepth Feature = "mailbox_depth"
	// FeatureResourceReport controls the periodic process resource report.
	FeatureResourceReport Feature = "resource_report"
)

var (
	featureMu       sync.RWMutex
	disabledFeature = make(map[Feature]bool)
)

// Configure applies the metrics section of the run configuration. Features
// default to enabled so components can emit before configuration is loaded.
func Configure(cfg config.MetricsConfig) {
	SetFeature(FeatureMailboxDepth, cfg.MailboxDepth)
	SetFeature(FeatureResourceReport, cfg.ResourceReport)
}

// SetFeature enables or disables a single metric feature.
func SetFeature(feature Feature, enabled bool) {
	featureMu.Lock()
	disabledFeature[feature] = !enabled
	featureMu.Unlock()
}

// IsFeatureEnabled reports whether the given metric feature is active.
// Unknown features are treated as enabled.
func IsFeatureEnabled(feature Feature) bool {
	featureMu.RLock()
	defer featureMu.RUnlock()
	return !disabledFeature[feature]
}

// featureForMetric maps a metric name onto the feature that gates it. Most
// metrics are ungated; only the high-volume gauge families can be silenced.
func featureForMetric(name string) (Feature, bool) {
	switch {
	case strings.HasPrefix(name, "mailbox_"):
		return FeatureMailboxDepth, true
	case strings.HasPrefix(name, "resource_"):
		return FeatureResourceReport, true
	default:
		return "", false
	}
}
