// Package vault tracks trader collateral balances. Margin moves from a
// trader's vault balance into order/position escrow on submission and back
// on cancel, failure, or settlement.
package vault

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/errs"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the trader's
	// free balance.
	ErrInsufficientBalance = errs.Validation("vault: insufficient balance")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errs.Validation("vault: amount must be positive")
)

// Vault is the collateral account book.
type Vault struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
}

// New creates an empty vault.
func New() *Vault {
	return &Vault{balances: make(map[string]decimal.Decimal)}
}

// Deposit credits a trader's balance.
func (v *Vault) Deposit(owner string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[owner] = v.balances[owner].Add(amount)
	return nil
}

// Withdraw debits a trader's balance.
func (v *Vault) Withdraw(owner string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return v.Debit(owner, amount)
}

// Debit removes amount from the trader's balance, failing if it would go
// negative.
func (v *Vault) Debit(owner string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balances[owner]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientBalance, owner, bal, amount)
	}
	v.balances[owner] = bal.Sub(amount)
	return nil
}

// Credit adds amount to the trader's balance. Non-positive amounts are
// ignored so settlement code can credit computed payouts unconditionally.
func (v *Vault) Credit(owner string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[owner] = v.balances[owner].Add(amount)
}

// Balance returns the trader's free balance.
func (v *Vault) Balance(owner string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[owner]
}
