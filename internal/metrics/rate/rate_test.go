package rate

import (
	"testing"

	"simflow/logger"
)

func TestReportRateLimitExceeded(t *testing.T) {
	log := logger.GetLogger()
	ReportRateLimitExceeded(log, "binance", "BTCUSDT", "kline")
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		venue     string
		msg       string
		rateLimit bool
		ipBan     bool
	}{
		{"binance", "Too many requests; current limit is 1200", true, false},
		{"binance", "Way too much request weight used; IP banned until 1640995200000", false, true},
		{"bybit", "Too many visits. Retry after 3 seconds", true, false},
		{"bybit", "IP rate limit exceeded", false, true},
		{"kucoin", "Rate limit exceeded, please try again later", true, false},
		{"kucoin", "IP request limit triggered", false, true},
		{"unknown", "rate limit hit", true, false},
		{"binance", "symbol not found", false, false},
	}
	for _, c := range cases {
		rateLimit, ipBan := detectLimit(c.venue, c.msg)
		if rateLimit != c.rateLimit || ipBan != c.ipBan {
			t.Errorf("detectLimit(%s, %q) = (%v, %v), want (%v, %v)",
				c.venue, c.msg, rateLimit, ipBan, c.rateLimit, c.ipBan)
		}
	}
}

func TestReportLimitFromMessage(t *testing.T) {
	log := logger.GetLogger()
	ReportLimitFromMessage(log, "bybit", "BTCUSDT", "kline", "Too many visits. Retry after 3 seconds")
	ReportLimitFromMessage(log, "binance", "BTCUSDT", "kline", "symbol not found")
}

func TestExtractInts(t *testing.T) {
	nums := extractInts("Retry after 3 seconds (window 60)")
	if len(nums) != 2 || nums[0] != 3 || nums[1] != 60 {
		t.Fatalf("unexpected ints: %v", nums)
	}
	if got := extractInts("no digits here"); len(got) != 0 {
		t.Fatalf("expected no ints, got %v", got)
	}
}

func TestLimiterForWeight(t *testing.T) {
	lim := LimiterForWeight(2400)
	if lim.Limit() != 30 {
		t.Fatalf("unexpected rate: %v", lim.Limit())
	}
	if lim.Burst() != 30 {
		t.Fatalf("unexpected burst: %v", lim.Burst())
	}

	fallback := LimiterForWeight(0)
	if fallback.Limit() != 1 || fallback.Burst() != 1 {
		t.Fatalf("unexpected fallback limiter: %v/%d", fallback.Limit(), fallback.Burst())
	}
}
