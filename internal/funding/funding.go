// Package funding accrues the skew-driven funding index for a market.
//
// The index F is a cumulative per-contract charge in quote units. Over an
// interval it grows by
//
//	dF = indexPrice * baseRatePer8h * premium * elapsed/8h
//
// where premium = (longAmount - shortAmount) / (longAmount + shortAmount).
// A position owes direction * amount * (F_now - F_checkpoint): longs pay
// shorts while exposure is long-heavy and receive while it is short-heavy.
//
// All functions are pure; funding never fails, it only feeds the
// transition decision in the execution engine.
package funding

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/fixed"
	"github.com/perpx/perp-engine/internal/model"
)

// fundingInterval is the period the base rate is quoted over.
const fundingInterval = 8 * time.Hour

// State is the per-market funding checkpoint.
type State struct {
	Index  decimal.Decimal `json:"index"`
	LastTs time.Time       `json:"last_ts"`
}

// Params holds the funding configuration.
type Params struct {
	// BaseRatePer8h is the rate applied at full skew over one interval.
	BaseRatePer8h decimal.Decimal
}

// Accrue advances st to now given the market's aggregate exposure and the
// current index price. With zero open interest or zero elapsed time the
// index is unchanged.
func Accrue(st State, longAmount, shortAmount, indexPrice decimal.Decimal, now time.Time, p Params) State {
	if st.LastTs.IsZero() {
		return State{Index: st.Index, LastTs: now}
	}
	elapsed := now.Sub(st.LastTs)
	if elapsed <= 0 {
		return st
	}

	openInterest := longAmount.Add(shortAmount)
	if openInterest.IsZero() {
		return State{Index: st.Index, LastTs: now}
	}

	skew := longAmount.Sub(shortAmount)
	premium := fixed.Div(skew, openInterest, fixed.RateScale)

	fraction := fixed.Div(
		decimal.NewFromInt(int64(elapsed/time.Second)),
		decimal.NewFromInt(int64(fundingInterval/time.Second)),
		fixed.RateScale,
	)

	delta := fixed.Mul(indexPrice, p.BaseRatePer8h, fixed.MarginScale)
	delta = fixed.Mul(delta, premium, fixed.MarginScale)
	delta = fixed.Mul(delta, fraction, fixed.MarginScale)

	return State{Index: st.Index.Add(delta), LastTs: now}
}

// Owed returns the funding a position owes since its checkpoint. Positive
// means the position pays; negative means it receives.
func Owed(amount decimal.Decimal, dir model.Direction, index, checkpoint decimal.Decimal) decimal.Decimal {
	growth := index.Sub(checkpoint)
	owed := fixed.Mul(amount, growth, fixed.MarginScale)
	return fixed.Mul(owed, dir.Sign(), fixed.MarginScale)
}
