package rate

import (
	"fmt"
	"strings"

	"simflow/logger"
)

// ReportRateLimitExceeded increments the rate limit exceeded counter for the given
// venue and data type and emits the metric to CloudWatch. Additional fields such as
// venue, symbol and type are attached to the log entry.
func ReportRateLimitExceeded(log *logger.Log, venue, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(venue), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"venue":  strings.ToLower(venue),
		"symbol": symbol,
		"type":   strings.ToLower(dataType),
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan increments the IP ban counter for the given venue and data type and emits
// the metric to CloudWatch. Additional fields such as venue, symbol and type are
// attached to the log entry.
func ReportIPBan(log *logger.Log, venue, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(venue), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"venue":  strings.ToLower(venue),
		"symbol": symbol,
		"type":   strings.ToLower(dataType),
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit inspects the message returned from a venue and determines whether
// it signals a rate limit exceed or an IP ban. The detection logic is customised per
// venue as each one uses different wording.
func detectLimit(venue, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(venue) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage checks the provided message for rate limit or IP ban events
// based on venue-specific keywords and records the appropriate metrics. When the
// message carries a numeric retry hint ("retry after 3 seconds") it is attached to
// the warning so operators can size the backoff. No action is taken if the message
// does not match any known patterns.
func ReportLimitFromMessage(log *logger.Log, venue, symbol, dataType, msg string) {
	rateLimit, ipBan := detectLimit(venue, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, venue, symbol, dataType)
		if nums := extractInts(msg); len(nums) > 0 {
			log.WithComponent(strings.ToLower(venue)).WithFields(logger.Fields{
				"symbol":     symbol,
				"retry_hint": nums[0],
			}).Warn("venue suggested retry delay")
		}
	}
	if ipBan {
		ReportIPBan(log, venue, symbol, dataType)
	}
}
