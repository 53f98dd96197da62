package source

import (
	"context"
	"math/rand"
	"time"

	"simflow/config"
	"simflow/models"
)

const (
	defaultTickInterval = time.Minute
	defaultVolume       = 100
)

// defaultStart pins synthetic series to a fixed session open so unconfigured
// runs stay reproducible.
var defaultStart = time.Date(2020, time.January, 2, 9, 30, 0, 0, time.UTC)

func syntheticDefaults(spec config.SourceSpec) (time.Time, time.Duration, int64) {
	start := spec.Start
	if start.IsZero() {
		start = defaultStart
	}
	interval := spec.Interval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	volume := spec.Volume
	if volume <= 0 {
		volume = defaultVolume
	}
	return start.UTC(), interval, volume
}

// flatSource emits Ticks events at a constant price, Interval apart.
type flatSource struct {
	name      string
	sid       int64
	price     float64
	volume    int64
	next      time.Time
	interval  time.Duration
	remaining int
}

func newFlat(spec config.SourceSpec) *flatSource {
	start, interval, volume := syntheticDefaults(spec)
	return &flatSource{
		name:      spec.Name,
		sid:       spec.SID,
		price:     spec.Price,
		volume:    volume,
		next:      start,
		interval:  interval,
		remaining: spec.Ticks,
	}
}

func (s *flatSource) Name() string { return s.name }

func (s *flatSource) Next(ctx context.Context) (models.TradeEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.TradeEvent{}, false, err
	}
	if s.remaining <= 0 {
		return models.TradeEvent{}, false, nil
	}
	ev := models.TradeEvent{
		SID:      s.sid,
		DT:       s.next,
		Price:    s.price,
		Volume:   s.volume,
		SourceID: s.name,
	}
	s.next = s.next.Add(s.interval)
	s.remaining--
	return ev, true, nil
}

// randomWalkSource emits a seeded geometric random walk, deterministic for a
// given seed.
type randomWalkSource struct {
	name       string
	sid        int64
	price      float64
	volume     int64
	drift      float64
	volatility float64
	rng        *rand.Rand
	next       time.Time
	interval   time.Duration
	remaining  int
}

func newRandomWalk(spec config.SourceSpec) *randomWalkSource {
	start, interval, volume := syntheticDefaults(spec)
	volatility := spec.Volatility
	if volatility <= 0 {
		volatility = 0.01
	}
	seed := spec.Seed
	if seed == 0 {
		seed = 1
	}
	return &randomWalkSource{
		name:       spec.Name,
		sid:        spec.SID,
		price:      spec.Price,
		volume:     volume,
		drift:      spec.Drift,
		volatility: volatility,
		rng:        rand.New(rand.NewSource(seed)),
		next:       start,
		interval:   interval,
		remaining:  spec.Ticks,
	}
}

func (s *randomWalkSource) Name() string { return s.name }

func (s *randomWalkSource) Next(ctx context.Context) (models.TradeEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.TradeEvent{}, false, err
	}
	if s.remaining <= 0 {
		return models.TradeEvent{}, false, nil
	}
	ev := models.TradeEvent{
		SID:      s.sid,
		DT:       s.next,
		Price:    s.price,
		Volume:   s.volume,
		SourceID: s.name,
	}

	s.price += s.price * (s.drift + s.volatility*s.rng.NormFloat64())
	if s.price < 0.01 {
		s.price = 0.01
	}
	s.next = s.next.Add(s.interval)
	s.remaining--
	return ev, true, nil
}
