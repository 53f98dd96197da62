package models

import "time"

// Position is the client's holding in one security, mutated only by
// transaction application.
type Position struct {
	SID       int64
	Amount    int64
	CostBasis float64
	LastPrice float64
}

// MarketValue prices the position at the last known trade price.
func (p Position) MarketValue() float64 {
	return float64(p.Amount) * p.LastPrice
}

// PerformancePeriod is one accounting window of the run. The cumulative
// period spans the whole run; daily periods roll at day boundaries.
type PerformancePeriod struct {
	Start            time.Time
	End              time.Time
	StartingCash     float64
	EndingCash       float64
	Positions        []Position
	TransactionCount int64
	OrderCount       int64
	Commissions      float64
	CapitalUsed      float64
	Returns          float64
}

// PortfolioValue is cash plus the market value of all positions.
func (p PerformancePeriod) PortfolioValue() float64 {
	v := p.EndingCash
	for _, pos := range p.Positions {
		v += pos.MarketValue()
	}
	return v
}
