package source

import (
	"context"

	"simflow/config"
	"simflow/models"

	"golang.org/x/time/rate"
)

// Replay paces an underlying source to a wall-clock event rate, for watching
// a run live or load-shaping a demo. A zero rate passes events through
// unpaced.
type Replay struct {
	src     Source
	limiter *rate.Limiter
}

// NewReplay wraps src with the configured pacing.
func NewReplay(src Source, cfg config.ReplayConfig) *Replay {
	var limiter *rate.Limiter
	if cfg.EventsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
	}
	return &Replay{src: src, limiter: limiter}
}

func (r *Replay) Name() string { return r.src.Name() }

func (r *Replay) Next(ctx context.Context) (models.TradeEvent, bool, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return models.TradeEvent{}, false, err
		}
	}
	return r.src.Next(ctx)
}
