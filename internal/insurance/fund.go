// Package insurance holds the venue's backstop fund. Liquidation remainder
// flows in; shortfalls on underwater closes are covered from it.
package insurance

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/fixed"
)

// Fund is the insurance balance.
type Fund struct {
	mu      sync.RWMutex
	balance decimal.Decimal

	// uncovered accumulates shortfall the fund could not absorb.
	uncovered decimal.Decimal
}

// New creates an empty fund.
func New() *Fund {
	return &Fund{}
}

// Credit adds liquidation remainder to the fund.
func (f *Fund) Credit(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = f.balance.Add(amount)
}

// Cover draws up to amount from the fund and returns what was actually
// covered. Anything beyond the balance is recorded as uncovered shortfall.
func (f *Fund) Cover(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	covered := fixed.Min(amount, f.balance)
	f.balance = f.balance.Sub(covered)
	f.uncovered = f.uncovered.Add(amount.Sub(covered))
	return covered
}

// Balance returns the current fund balance.
func (f *Fund) Balance() decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.balance
}

// Uncovered returns the accumulated shortfall the fund could not absorb.
func (f *Fund) Uncovered() decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.uncovered
}
