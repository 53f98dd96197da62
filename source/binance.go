package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"simflow/config"
	ratemetrics "simflow/internal/metrics/rate"
	"simflow/logger"
	"simflow/models"

	binance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"
)

const defaultBinanceInterval = "1m"

// binanceSource replays spot kline history from Binance: one trade event per
// bar, timestamped at the bar open, priced at the bar close.
type binanceSource struct {
	spec    config.SourceSpec
	client  *binance.Client
	limiter *rate.Limiter
	log     *logger.Log

	loaded bool
	events []models.TradeEvent
	idx    int
}

func newBinance(spec config.SourceSpec) *binanceSource {
	return &binanceSource{
		spec:   spec,
		client: binance.NewClient("", ""),
		log:    logger.GetLogger(),
	}
}

func (s *binanceSource) Name() string { return s.spec.Name }

func (s *binanceSource) Next(ctx context.Context) (models.TradeEvent, bool, error) {
	if !s.loaded {
		if err := s.fetch(ctx); err != nil {
			return models.TradeEvent{}, false, err
		}
	}
	if s.idx >= len(s.events) {
		return models.TradeEvent{}, false, nil
	}
	ev := s.events[s.idx]
	s.idx++
	return ev, true, nil
}

// pacer prefers an explicitly configured rate and otherwise sizes one from
// the venue's advertised request-weight budget.
func (s *binanceSource) pacer(ctx context.Context) *rate.Limiter {
	if s.limiter != nil {
		return s.limiter
	}
	if s.spec.RateLimit.RequestsPerSecond > 0 {
		s.limiter = specLimiter(s.spec)
		return s.limiter
	}
	weight, err := ratemetrics.FetchRequestWeightLimit(ctx, s.client)
	if err != nil {
		s.log.WithComponent(s.spec.Name).WithError(err).Warn("failed to fetch request weight limit")
	}
	s.limiter = ratemetrics.LimiterForWeight(weight)
	return s.limiter
}

func (s *binanceSource) fetch(ctx context.Context) error {
	if err := s.pacer(ctx).Wait(ctx); err != nil {
		return err
	}

	interval := s.spec.Kline.Interval
	if interval == "" {
		interval = defaultBinanceInterval
	}
	limit := s.spec.Kline.Limit
	if limit <= 0 {
		limit = defaultKlineLimit
	}

	log := s.log.WithComponent(s.spec.Name).WithFields(logger.Fields{
		"symbol":   s.spec.Symbol,
		"interval": interval,
		"limit":    limit,
	})

	start := time.Now()
	klines, err := s.client.NewKlinesService().
		Symbol(s.spec.Symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		ratemetrics.ReportLimitFromMessage(s.log, "binance", s.spec.Symbol, "klines", err.Error())
		return fmt.Errorf("binance klines for %s: %w", s.spec.Symbol, err)
	}
	logger.LogPerformanceEntry(log, s.spec.Name, "api_request", time.Since(start), logger.Fields{
		"klines": len(klines),
	})

	events := make([]models.TradeEvent, 0, len(klines))
	for _, k := range klines {
		price, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			return fmt.Errorf("binance close price %q: %w", k.Close, err)
		}
		volume, err := strconv.ParseFloat(k.Volume, 64)
		if err != nil {
			return fmt.Errorf("binance volume %q: %w", k.Volume, err)
		}
		events = append(events, models.TradeEvent{
			SID:      s.spec.SID,
			DT:       time.UnixMilli(k.OpenTime).UTC(),
			Price:    price,
			Volume:   int64(volume),
			SourceID: s.spec.Name,
		})
	}

	s.events = events
	s.loaded = true
	log.WithFields(logger.Fields{"events": len(events)}).Info("kline history loaded")
	return nil
}
