package perf

import (
	"fmt"
	"time"

	"simflow/internal/protocol"
	"simflow/models"
)

// Summary is the tracker's final accounting output. Final open positions
// are carried on the cumulative period.
type Summary struct {
	Cumulative   models.PerformancePeriod
	Daily        []models.PerformancePeriod
	Transactions []models.Transaction
}

// Tracker folds processed events into an independent portfolio and rolls
// accounting periods: one per UTC day plus one cumulative period for the
// whole run. It is driven from the client's event loop and is not safe
// for concurrent use.
type Tracker struct {
	portfolio  *Portfolio
	cumulative models.PerformancePeriod
	day        models.PerformancePeriod
	daily      []models.PerformancePeriod
	txns       []models.Transaction
	runOpen    float64
	dayOpen    float64
	lastTS     time.Time
	started    bool
	finished   bool
	summary    Summary
}

// NewTracker opens a tracker with its own portfolio at the given cash.
func NewTracker(cash float64) *Tracker {
	return &Tracker{portfolio: NewPortfolio(cash)}
}

// Portfolio exposes the tracker's account state.
func (t *Tracker) Portfolio() *Portfolio { return t.portfolio }

// OnEvent folds one merged event into the accounting state. The first
// event opens the run and the first daily period; a timestamp on a new
// UTC day closes the current daily period and opens the next.
func (t *Tracker) OnEvent(rec *protocol.Record) error {
	ts, err := models.RecordTime(rec)
	if err != nil {
		return err
	}

	if !t.started {
		t.open(ts)
	} else if !sameDay(ts, t.day.Start) {
		t.rollDay(ts)
	}
	t.lastTS = ts

	if models.IsOrderRecord(rec) {
		t.cumulative.OrderCount++
		t.day.OrderCount++
	} else {
		trade, err := models.TradeEventFromRecord(rec)
		if err != nil {
			return err
		}
		t.portfolio.MarkPrice(trade.SID, trade.Price)
	}

	if v, ok := rec.Get(models.FieldTxn); ok {
		nested, ok := v.Record()
		if !ok {
			return fmt.Errorf("event field %q is %s, want record: %w", models.FieldTxn, v.Type(), protocol.ErrMalformedFrame)
		}
		txn, err := models.TransactionFromRecord(nested)
		if err != nil {
			return err
		}
		t.applyTransaction(txn)
	}
	return nil
}

// Finish closes the open periods and returns the summary. Subsequent
// calls return the same summary.
func (t *Tracker) Finish() Summary {
	if t.finished {
		return t.summary
	}
	t.finished = true

	if !t.started {
		cash := t.portfolio.Cash()
		t.summary = Summary{
			Cumulative: models.PerformancePeriod{StartingCash: cash, EndingCash: cash},
		}
		return t.summary
	}

	t.closeDay()
	t.closePeriod(&t.cumulative, t.runOpen)
	t.summary = Summary{
		Cumulative:   t.cumulative,
		Daily:        t.daily,
		Transactions: t.txns,
	}
	return t.summary
}

// Daily returns the daily periods closed so far.
func (t *Tracker) Daily() []models.PerformancePeriod { return t.daily }

func (t *Tracker) open(ts time.Time) {
	t.started = true
	t.runOpen = t.portfolio.Value()
	t.dayOpen = t.runOpen
	t.cumulative = models.PerformancePeriod{Start: ts, StartingCash: t.portfolio.Cash()}
	t.day = models.PerformancePeriod{Start: ts, StartingCash: t.portfolio.Cash()}
}

func (t *Tracker) rollDay(ts time.Time) {
	t.closeDay()
	t.dayOpen = t.portfolio.Value()
	t.day = models.PerformancePeriod{Start: ts, StartingCash: t.portfolio.Cash()}
}

func (t *Tracker) closeDay() {
	t.closePeriod(&t.day, t.dayOpen)
	t.daily = append(t.daily, t.day)
}

func (t *Tracker) closePeriod(p *models.PerformancePeriod, openValue float64) {
	p.End = t.lastTS
	p.EndingCash = t.portfolio.Cash()
	p.Positions = t.portfolio.Positions()
	if openValue != 0 {
		p.Returns = (p.PortfolioValue() - openValue) / openValue
	}
}

func (t *Tracker) applyTransaction(txn models.Transaction) {
	t.portfolio.ApplyTransaction(txn)
	t.txns = append(t.txns, txn)

	cost := txn.Price*float64(txn.Amount) + txn.Commission
	t.cumulative.TransactionCount++
	t.cumulative.Commissions += txn.Commission
	t.cumulative.CapitalUsed += cost
	t.day.TransactionCount++
	t.day.Commissions += txn.Commission
	t.day.CapitalUsed += cost
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
