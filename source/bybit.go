package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"simflow/config"
	ratemetrics "simflow/internal/metrics/rate"
	"simflow/logger"
	"simflow/models"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"
)

// Bybit v5 expresses kline intervals in minutes.
const defaultBybitInterval = "1"

// bybitSource replays spot kline history from Bybit's v5 market API.
type bybitSource struct {
	spec    config.SourceSpec
	client  *bybit.Client
	limiter *rate.Limiter
	log     *logger.Log

	loaded bool
	events []models.TradeEvent
	idx    int
}

// bybitKlineResult mirrors the v5 market/kline result payload. Rows are
// [startTime, open, high, low, close, volume, turnover], newest first.
type bybitKlineResult struct {
	Category string     `json:"category"`
	Symbol   string     `json:"symbol"`
	List     [][]string `json:"list"`
}

func newBybit(spec config.SourceSpec) *bybitSource {
	return &bybitSource{
		spec:    spec,
		client:  bybit.NewBybitHttpClient("", ""),
		limiter: specLimiter(spec),
		log:     logger.GetLogger(),
	}
}

func (s *bybitSource) Name() string { return s.spec.Name }

func (s *bybitSource) Next(ctx context.Context) (models.TradeEvent, bool, error) {
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

func (s *bybitSource) fetch(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	interval := s.spec.Kline.Interval
	if interval == "" {
		interval = defaultBybitInterval
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

	params := map[string]interface{}{
		"category": "spot",
		"symbol":   s.spec.Symbol,
		"interval": interval,
		"limit":    limit,
	}

	start := time.Now()
	resp, err := s.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	if err != nil {
		ratemetrics.ReportLimitFromMessage(s.log, "bybit", s.spec.Symbol, "klines", err.Error())
		return fmt.Errorf("bybit klines for %s: %w", s.spec.Symbol, err)
	}
	if resp.RetCode != 0 {
		ratemetrics.ReportLimitFromMessage(s.log, "bybit", s.spec.Symbol, "klines", resp.RetMsg)
		return fmt.Errorf("bybit klines for %s: %s", s.spec.Symbol, resp.RetMsg)
	}
	logger.LogPerformanceEntry(log, s.spec.Name, "api_request", time.Since(start), nil)

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("bybit kline result: %w", err)
	}
	var result bybitKlineResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return fmt.Errorf("bybit kline result: %w", err)
	}

	events := make([]models.TradeEvent, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			return fmt.Errorf("bybit kline row has %d columns", len(row))
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bybit kline start time %q: %w", row[0], err)
		}
		price, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			return fmt.Errorf("bybit close price %q: %w", row[4], err)
		}
		volume, err := strconv.ParseFloat(row[5], 64)
		if err != nil {
			return fmt.Errorf("bybit volume %q: %w", row[5], err)
		}
		events = append(events, models.TradeEvent{
			SID:      s.spec.SID,
			DT:       time.UnixMilli(ms).UTC(),
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
