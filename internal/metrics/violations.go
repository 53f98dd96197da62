package metrics

import (
	"errors"

	"simflow/internal/protocol"
	"simflow/internal/transport"
	"simflow/logger"
)

// Violation taxonomy names as they appear in metrics and log fields.
const (
	ViolationTransportExhaustion = "transport_exhaustion"
	ViolationProtocol            = "protocol_violation"
	ViolationOrdering            = "ordering_violation"
	ViolationLiveness            = "liveness_timeout"
	ViolationLateRegistration    = "late_registration"
)

// ReportProtocolViolation increments the protocol violation counter for the
// given component and emits the metric to CloudWatch. The offending field and
// a human readable detail are attached to the log entry.
func ReportProtocolViolation(log *logger.Log, component, field, detail string) {
	l := log.WithComponent(component)
	fields := logger.Fields{
		"violation": ViolationProtocol,
	}
	if field != "" {
		fields["field"] = field
	}
	if detail != "" {
		fields["detail"] = detail
	}
	l.LogMetric(component, ViolationProtocol, int64(1), "counter", fields)
	l.WithFields(fields).Error("protocol violation")
	IncViolation(ViolationProtocol)
}

// ReportOrderingViolation increments the ordering violation counter for the
// given component and emits the metric to CloudWatch. The offending source and
// a human readable detail are attached to the log entry.
func ReportOrderingViolation(log *logger.Log, component, source, detail string) {
	l := log.WithComponent(component)
	fields := logger.Fields{
		"violation": ViolationOrdering,
	}
	if source != "" {
		fields["source"] = source
	}
	if detail != "" {
		fields["detail"] = detail
	}
	l.LogMetric(component, ViolationOrdering, int64(1), "counter", fields)
	l.WithFields(fields).Error("ordering violation")
	IncViolation(ViolationOrdering)
}

// ReportLivenessTimeout increments the liveness timeout counter and emits the
// metric to CloudWatch. The silent component and the number of missed
// heartbeats are attached to the log entry.
func ReportLivenessTimeout(log *logger.Log, component string, missed int) {
	l := log.WithComponent("controller")
	fields := logger.Fields{
		"violation": ViolationLiveness,
		"silent":    component,
		"missed":    missed,
	}
	l.LogMetric("controller", ViolationLiveness, int64(1), "counter", fields)
	l.WithFields(fields).Error("liveness timeout")
	IncViolation(ViolationLiveness)
}

// ClassifyError maps an error onto its violation taxonomy name. Errors
// outside the taxonomy yield an empty string so callers can skip reporting.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, transport.ErrExhaustedPool):
		return ViolationTransportExhaustion
	case errors.Is(err, protocol.ErrOrderingViolation):
		return ViolationOrdering
	case errors.Is(err, protocol.ErrProtocolViolation),
		errors.Is(err, protocol.ErrUnmatchedTransformResult),
		errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, protocol.ErrUnknownMessageKind):
		return ViolationProtocol
	default:
		return ""
	}
}
