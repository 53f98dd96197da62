package rate

import (
	"context"

	binance "github.com/adshao/go-binance/v2"
	xrate "golang.org/x/time/rate"
)

// FetchRequestWeightLimit queries the Binance exchangeInfo endpoint to
// retrieve the REQUEST_WEIGHT per minute limit. It returns 0 if the limit
// cannot be determined.
func FetchRequestWeightLimit(ctx context.Context, client *binance.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// LimiterForWeight sizes a request pacer from a per-minute weight budget,
// keeping 25% of the budget as headroom. Zero or negative budgets fall back
// to one request per second.
func LimiterForWeight(weightPerMinute int64) *xrate.Limiter {
	if weightPerMinute <= 0 {
		return xrate.NewLimiter(1, 1)
	}
	perSecond := float64(weightPerMinute) * 0.75 / 60.0
	if perSecond < 1 {
		perSecond = 1
	}
	return xrate.NewLimiter(xrate.Limit(perSecond), int(perSecond))
}
