package source

import (
	"context"
	"fmt"
	"time"

	"simflow/config"
	ratemetrics "simflow/internal/metrics/rate"
	"simflow/internal/symbols"
	"simflow/logger"
	"simflow/models"

	api "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"golang.org/x/time/rate"
)

// kucoinSource replays KuCoin futures premium-index history: a funding-rate
// series replayed as a sparse instrument, one event per index point.
type kucoinSource struct {
	spec      config.SourceSpec
	marketAPI futuresmarket.MarketAPI
	limiter   *rate.Limiter
	log       *logger.Log

	loaded bool
	events []models.TradeEvent
	idx    int
}

func newKucoin(spec config.SourceSpec) *kucoinSource {
	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(16).
		SetMaxIdleConnsPerHost(16).
		SetMaxConnsPerHost(16).
		SetIdleConnTimeout(90 * time.Second).
		SetTimeout(30 * time.Second).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint("https://api-futures.kucoin.com").
		WithTransportOption(transportOpt).
		Build()

	client := api.NewClient(option)

	return &kucoinSource{
		spec:      spec,
		marketAPI: client.RestService().GetFuturesService().GetMarketAPI(),
		limiter:   specLimiter(spec),
		log:       logger.GetLogger(),
	}
}

func (s *kucoinSource) Name() string { return s.spec.Name }

func (s *kucoinSource) Next(ctx context.Context) (models.TradeEvent, bool, error) {
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

func (s *kucoinSource) fetch(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	limit := s.spec.Kline.Limit
	if limit <= 0 {
		limit = defaultKlineLimit
	}
	// Configs may carry either spelling; the venue wants XBTUSDTM style.
	symbol := symbols.KucoinFutures(s.spec.Symbol)

	log := s.log.WithComponent(s.spec.Name).WithFields(logger.Fields{
		"symbol": symbol,
		"limit":  limit,
	})

	req := futuresmarket.NewGetPremiumIndexReqBuilder().
		SetSymbol(symbol).
		SetMaxCount(int64(limit)).
		Build()

	start := time.Now()
	resp, err := s.marketAPI.GetPremiumIndex(req, ctx)
	if err != nil {
		// Report under the canonical spelling so venue dimensions line up.
		ratemetrics.ReportLimitFromMessage(s.log, "kucoin", symbols.Canonical("kucoin", symbol), "premium_index", err.Error())
		return fmt.Errorf("kucoin premium index for %s: %w", symbol, err)
	}
	logger.LogPerformanceEntry(log, s.spec.Name, "api_request", time.Since(start), nil)

	if resp == nil || len(resp.DataList) == 0 {
		s.loaded = true
		log.Warn("premium index history is empty")
		return nil
	}

	// Entries arrive newest first.
	events := make([]models.TradeEvent, 0, len(resp.DataList))
	for i := len(resp.DataList) - 1; i >= 0; i-- {
		entry := resp.DataList[i]
		events = append(events, models.TradeEvent{
			SID:      s.spec.SID,
			DT:       time.UnixMilli(entry.TimePoint).UTC(),
			Price:    entry.Value,
			Volume:   s.spec.Volume,
			SourceID: s.spec.Name,
		})
	}

	s.events = events
	s.loaded = true
	log.WithFields(logger.Fields{"events": len(events)}).Info("premium index history loaded")
	return nil
}
