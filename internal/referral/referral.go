// Package referral splits trade fees between the inviter, the trader's
// discount, and the exchange.
package referral

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/fixed"
)

// Split is the fee breakdown for one fill.
type Split struct {
	ToInviter  decimal.Decimal
	ToDiscount decimal.Decimal
	Remaining  decimal.Decimal
}

// Book maps invite codes to inviter accounts and holds the split rates.
type Book struct {
	mu       sync.RWMutex
	inviters map[string]string

	// InviterRate and DiscountRate apply only when the order carries a
	// bound invite code.
	InviterRate  decimal.Decimal
	DiscountRate decimal.Decimal
}

// NewBook creates a referral book with the given rates.
func NewBook(inviterRate, discountRate decimal.Decimal) *Book {
	return &Book{
		inviters:     make(map[string]string),
		InviterRate:  inviterRate,
		DiscountRate: discountRate,
	}
}

// Register generates a fresh invite code bound to the inviter account.
func (b *Book) Register(inviter string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	b.inviters[code] = inviter
	return code
}

// Bind registers an invite code for an inviter account. Rebinding an
// existing code is a no-op.
func (b *Book) Bind(code, inviter string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inviters[code]; !ok {
		b.inviters[code] = inviter
	}
}

// Inviter resolves an invite code, returning false for unknown codes.
func (b *Book) Inviter(code string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	inviter, ok := b.inviters[code]
	return inviter, ok
}

// SplitFee divides a trade fee. With no valid code the whole fee remains
// with the venue.
func (b *Book) SplitFee(fee decimal.Decimal, code string) Split {
	if code == "" {
		return Split{Remaining: fee}
	}
	if _, ok := b.Inviter(code); !ok {
		return Split{Remaining: fee}
	}

	toInviter := fixed.Mul(fee, b.InviterRate, fixed.MarginScale)
	toDiscount := fixed.Mul(fee, b.DiscountRate, fixed.MarginScale)
	return Split{
		ToInviter:  toInviter,
		ToDiscount: toDiscount,
		Remaining:  fee.Sub(toInviter).Sub(toDiscount),
	}
}
