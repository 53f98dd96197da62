package client

import (
	"simflow/config"
	"simflow/internal/protocol"
	"simflow/models"
	"simflow/perf"
)

// FixedOrders is the built-in demo strategy: it places a fixed-size order
// on each of the first N trade events of one security, then goes quiet.
// Re-injected order events never trigger further orders.
type FixedOrders struct {
	sid    int64
	count  int
	amount int64
	placed int
}

// NewFixedOrders builds the strategy from its config block.
func NewFixedOrders(cfg config.StrategyConfig) *FixedOrders {
	return &FixedOrders{
		sid:    cfg.SID,
		count:  cfg.OrderCount,
		amount: cfg.OrderAmount,
	}
}

// Name identifies the strategy in logs.
func (f *FixedOrders) Name() string { return "fixed-orders" }

// Placed reports how many orders have been placed so far.
func (f *FixedOrders) Placed() int { return f.placed }

// HandleEvent places one order per qualifying trade until the budget is
// spent.
func (f *FixedOrders) HandleEvent(rec *protocol.Record, _ perf.Snapshot, place func(sid, amount int64)) error {
	if f.placed >= f.count {
		return nil
	}
	if models.IsOrderRecord(rec) {
		return nil
	}
	trade, err := models.TradeEventFromRecord(rec)
	if err != nil {
		return err
	}
	if trade.SID != f.sid {
		return nil
	}

	place(f.sid, f.amount)
	f.placed++
	return nil
}
