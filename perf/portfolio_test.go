package perf

import (
	"math"
	"testing"

	"simflow/models"
)

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPortfolioAppliesBuy(t *testing.T) {
	p := NewPortfolio(1000)
	p.ApplyTransaction(models.Transaction{SID: 1, Amount: 10, Price: 5, Commission: 0.5})

	if got := p.Cash(); !almost(got, 949.5) {
		t.Fatalf("cash = %v, want 949.5", got)
	}
	pos, ok := p.Position(1)
	if !ok {
		t.Fatal("position 1 missing")
	}
	if pos.Amount != 10 || !almost(pos.CostBasis, 5) || !almost(pos.LastPrice, 5) {
		t.Fatalf("position = %+v, want amount 10 basis 5 last 5", pos)
	}
	// The commission leaks out of the portfolio value.
	if got := p.Value(); !almost(got, 999.5) {
		t.Fatalf("value = %v, want 999.5", got)
	}
	if p.Transactions() != 1 || !almost(p.Commissions(), 0.5) {
		t.Fatalf("counters = %d txns %v commissions, want 1 and 0.5", p.Transactions(), p.Commissions())
	}
}

func TestPortfolioAveragesCostBasis(t *testing.T) {
	p := NewPortfolio(10000)
	p.ApplyTransaction(models.Transaction{SID: 7, Amount: 10, Price: 10})
	p.ApplyTransaction(models.Transaction{SID: 7, Amount: 10, Price: 20})

	pos, _ := p.Position(7)
	if pos.Amount != 20 || !almost(pos.CostBasis, 15) {
		t.Fatalf("after two buys position = %+v, want amount 20 basis 15", pos)
	}

	// A partial sale above basis drags the basis down with the signed flow.
	p.ApplyTransaction(models.Transaction{SID: 7, Amount: -5, Price: 30})
	pos, _ = p.Position(7)
	if pos.Amount != 15 || !almost(pos.CostBasis, 10) {
		t.Fatalf("after sale position = %+v, want amount 15 basis 10", pos)
	}
}

func TestPortfolioNetZeroResetsBasis(t *testing.T) {
	p := NewPortfolio(1000)
	p.ApplyTransaction(models.Transaction{SID: 2, Amount: 10, Price: 10})
	p.ApplyTransaction(models.Transaction{SID: 2, Amount: -10, Price: 12})

	pos, ok := p.Position(2)
	if !ok {
		t.Fatal("flat position should still be reported")
	}
	if pos.Amount != 0 || pos.CostBasis != 0 {
		t.Fatalf("flat position = %+v, want amount 0 basis 0", pos)
	}
	if got := p.Cash(); !almost(got, 1020) {
		t.Fatalf("cash = %v, want 1020", got)
	}
}

func TestPortfolioMarkPrice(t *testing.T) {
	p := NewPortfolio(0)
	p.ApplyTransaction(models.Transaction{SID: 3, Amount: 4, Price: 25})

	p.MarkPrice(3, 30)
	if got := p.Value(); !almost(got, 20) {
		t.Fatalf("value after mark = %v, want 20", got)
	}

	// Marking an unheld security must not open a position.
	p.MarkPrice(99, 1)
	if _, ok := p.Position(99); ok {
		t.Fatal("mark created a position out of thin air")
	}
}

func TestPortfolioSnapshotIsDetached(t *testing.T) {
	p := NewPortfolio(500)
	p.ApplyTransaction(models.Transaction{SID: 9, Amount: 1, Price: 100})
	p.ApplyTransaction(models.Transaction{SID: 4, Amount: 2, Price: 50})

	snap := p.Snapshot()
	if len(snap.Positions) != 2 || snap.Positions[0].SID != 4 || snap.Positions[1].SID != 9 {
		t.Fatalf("snapshot positions = %+v, want SIDs 4 then 9", snap.Positions)
	}

	snap.Positions[0].Amount = 1000
	pos, _ := p.Position(4)
	if pos.Amount != 2 {
		t.Fatalf("mutating the snapshot changed the portfolio: %+v", pos)
	}
}
