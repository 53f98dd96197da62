package transform

import (
	"sync/atomic"

	"simflow/config"
	"simflow/internal/metrics"
	"simflow/internal/protocol"
	"simflow/logger"
	"simflow/models"
)

// TransformFill is the wire name of the order-fill simulator's leg.
const TransformFill = "fill"

// Fill simulates order execution against the trade stream. Trade events
// update the last known price per security; an order event fills at that
// price on the order's own timestamp. Orders for a security that has not
// traded yet are netted and held until its first trade, then filled at the
// trade's price and timestamp in one transaction.
type Fill struct {
	commission float64
	lastPrice  map[int64]float64
	held       map[int64]int64

	filled atomic.Int64
}

// NewFill builds the fill simulator with the configured flat commission.
func NewFill(cfg config.FillConfig) *Fill {
	return &Fill{
		commission: cfg.Commission,
		lastPrice:  make(map[int64]float64),
		held:       make(map[int64]int64),
	}
}

// Name returns the transform's leg name.
func (f *Fill) Name() string { return TransformFill }

// Filled reports how many transactions the simulator has produced.
func (f *Fill) Filled() int64 { return f.filled.Load() }

// Apply consumes one feed event. Order events yield a transaction result
// when a price is known; trade events update prices and flush held orders.
func (f *Fill) Apply(rec *protocol.Record) (*protocol.Record, error) {
	if models.IsOrderRecord(rec) {
		order, err := models.OrderEventFromRecord(rec)
		if err != nil {
			return nil, err
		}
		price, ok := f.lastPrice[order.SID]
		if !ok {
			f.held[order.SID] += order.Amount
			return nil, nil
		}
		return f.result(models.Transaction{
			SID:        order.SID,
			DT:         order.DT,
			Amount:     order.Amount,
			Price:      price,
			Commission: f.commission,
		})
	}

	trade, err := models.TradeEventFromRecord(rec)
	if err != nil {
		return nil, err
	}
	f.lastPrice[trade.SID] = trade.Price

	amount, ok := f.held[trade.SID]
	if !ok {
		return nil, nil
	}
	delete(f.held, trade.SID)
	if amount == 0 {
		return nil, nil
	}
	return f.result(models.Transaction{
		SID:        trade.SID,
		DT:         trade.DT,
		Amount:     amount,
		Price:      trade.Price,
		Commission: f.commission,
	})
}

// Held reports how many securities still wait for a first trade.
func (f *Fill) Held() int {
	return len(f.held)
}

func (f *Fill) result(txn models.Transaction) (*protocol.Record, error) {
	txnRec, err := txn.Record()
	if err != nil {
		return nil, err
	}
	rec := protocol.NewRecord()
	if err := rec.Set(models.FieldTxn, protocol.Nested(txnRec)); err != nil {
		return nil, err
	}
	f.filled.Add(1)
	metrics.IncTransactionFilled()
	logger.IncrementTransactionFilled()
	return rec, nil
}
