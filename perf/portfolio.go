// Package perf tracks portfolio state and accounting periods over the
// merged event stream. The client keeps a Portfolio for strategy snapshots;
// the Tracker subscribes to every processed event and rolls daily periods
// at UTC day boundaries plus one cumulative period for the whole run.
package perf

import (
	"sort"

	"simflow/models"
)

// Portfolio is the cost-basis position state of one account. Mutated only
// by transaction application and trade marks; not safe for concurrent use.
type Portfolio struct {
	cash        float64
	startCash   float64
	positions   map[int64]*models.Position
	txnCount    int64
	commissions float64
	capitalUsed float64
}

// NewPortfolio opens an account with the given cash balance.
func NewPortfolio(cash float64) *Portfolio {
	return &Portfolio{
		cash:      cash,
		startCash: cash,
		positions: make(map[int64]*models.Position),
	}
}

// ApplyTransaction folds one fill into the named position and the cash
// balance, creating the position if absent. The cost basis is the weighted
// average entry price; a position netted to zero resets it.
func (p *Portfolio) ApplyTransaction(txn models.Transaction) {
	pos, ok := p.positions[txn.SID]
	if !ok {
		pos = &models.Position{SID: txn.SID}
		p.positions[txn.SID] = pos
	}

	total := pos.Amount + txn.Amount
	if total == 0 {
		pos.CostBasis = 0
	} else {
		prev := pos.CostBasis * float64(pos.Amount)
		pos.CostBasis = (prev + txn.Price*float64(txn.Amount)) / float64(total)
	}
	pos.Amount = total
	pos.LastPrice = txn.Price

	cost := txn.Price*float64(txn.Amount) + txn.Commission
	p.cash -= cost
	p.capitalUsed += cost
	p.commissions += txn.Commission
	p.txnCount++
}

// MarkPrice marks an open position to the latest trade price. Securities
// without a position are ignored.
func (p *Portfolio) MarkPrice(sid int64, price float64) {
	if pos, ok := p.positions[sid]; ok {
		pos.LastPrice = price
	}
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// StartingCash returns the opening balance.
func (p *Portfolio) StartingCash() float64 { return p.startCash }

// Value is cash plus the market value of every position.
func (p *Portfolio) Value() float64 {
	v := p.cash
	for _, pos := range p.positions {
		v += pos.MarketValue()
	}
	return v
}

// Transactions returns how many fills have been applied.
func (p *Portfolio) Transactions() int64 { return p.txnCount }

// Commissions returns the total commission paid.
func (p *Portfolio) Commissions() float64 { return p.commissions }

// CapitalUsed returns the cumulative signed cash flow from fills.
func (p *Portfolio) CapitalUsed() float64 { return p.capitalUsed }

// Position returns a copy of the holding in one security.
func (p *Portfolio) Position(sid int64) (models.Position, bool) {
	pos, ok := p.positions[sid]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of every position, ordered by security id.
func (p *Portfolio) Positions() []models.Position {
	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// Snapshot is the read-only account view handed to strategies.
type Snapshot struct {
	Cash      float64
	Value     float64
	Positions []models.Position
}

// Snapshot copies the current account state.
func (p *Portfolio) Snapshot() Snapshot {
	return Snapshot{
		Cash:      p.cash,
		Value:     p.Value(),
		Positions: p.Positions(),
	}
}
