package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/errs"
	"github.com/perpx/perp-engine/internal/fixed"
	"github.com/perpx/perp-engine/internal/funding"
	"github.com/perpx/perp-engine/internal/ledger"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/pool"
)

// ErrDecreaseTooLarge is returned when a margin withdrawal exceeds the
// position's safe headroom.
var ErrDecreaseTooLarge = errs.Validation("engine: margin decrease exceeds allowed maximum")

// UpdateMargin adds (positive delta) or withdraws (negative) taker margin
// on an open position. Withdrawals are bounded by MaxDecreaseMargin.
func (e *Engine) UpdateMargin(owner string, positionID uint64, delta decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.book.GetPosition(positionID)
	if err != nil {
		return err
	}
	if p.Owner != owner {
		return ledger.ErrNotOwner
	}
	if !p.Amount.IsPositive() {
		return ErrPositionClosed
	}
	cfg, err := e.marketCfg(p.Market)
	if err != nil {
		return err
	}
	if cfg.UpdateMarginPaused {
		return fmt.Errorf("%w: margin updates on %s", ErrPaused, p.Market)
	}
	if delta.IsZero() {
		return errs.Validation("engine: margin delta must be non-zero")
	}

	now := e.clock()
	if delta.IsPositive() {
		if err := e.vault.Debit(owner, delta); err != nil {
			return err
		}
	} else {
		max, err := e.maxDecreaseLocked(&p, cfg)
		if err != nil {
			return err
		}
		if delta.Neg().GreaterThan(max) {
			return fmt.Errorf("%w: %s > %s", ErrDecreaseTooLarge, delta.Neg(), max)
		}
		e.vault.Credit(owner, delta.Neg())
	}

	p.TakerMargin = p.TakerMargin.Add(delta)
	p.LastUpdateTs = now
	e.book.PutPosition(p)
	e.archivePosition(&p)
	e.pool.OnMarginChange(p.Market, delta)

	e.log.Info("margin updated",
		"position_id", p.ID,
		"owner", owner,
		"delta", delta.String(),
		"margin", p.TakerMargin.String(),
	)
	return nil
}

// MaxDecreaseMargin returns how much taker margin can be withdrawn from
// the position right now.
func (e *Engine) MaxDecreaseMargin(positionID uint64) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.book.GetPosition(positionID)
	if err != nil {
		return decimal.Zero, err
	}
	if !p.Amount.IsPositive() {
		return decimal.Zero, ErrPositionClosed
	}
	cfg, err := e.marketCfg(p.Market)
	if err != nil {
		return decimal.Zero, err
	}
	return e.maxDecreaseLocked(&p, cfg)
}

func (e *Engine) maxDecreaseLocked(p *model.Position, cfg model.MarketConfig) (decimal.Decimal, error) {
	now := e.clock()
	index, err := e.feed.PriceForIndex(p.Market, now)
	if err != nil {
		return decimal.Zero, err
	}

	fundingOwed := funding.Owed(p.Amount, p.Direction, e.funding[p.Market].Index, p.LastFundingIndex)
	ig := e.pool.CurrentBorrowIG(p.Direction, now)
	interestOwed := fixed.Max(decimal.Zero,
		fixed.Mul(p.DebtShare, ig, fixed.MarginScale).Sub(p.MakerMargin))

	return pool.MaxDecreaseMargin(cfg, p.TakerMargin, p.Value, unrealizedPnl(p, index), fundingOwed, interestOwed), nil
}

// SetTPSL sets the position's take-profit and stop-loss prices. Zero
// clears a barrier.
func (e *Engine) SetTPSL(owner string, positionID uint64, takeProfit, stopLoss decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.book.GetPosition(positionID)
	if err != nil {
		return err
	}
	if p.Owner != owner {
		return ledger.ErrNotOwner
	}
	if !p.Amount.IsPositive() {
		return ErrPositionClosed
	}
	cfg, err := e.marketCfg(p.Market)
	if err != nil {
		return err
	}
	if cfg.SetTPSLPricePaused {
		return fmt.Errorf("%w: TP/SL on %s", ErrPaused, p.Market)
	}
	if takeProfit.IsNegative() || stopLoss.IsNegative() {
		return errs.Validation("engine: TP/SL prices must be non-negative")
	}

	p.TakeProfitPrice = takeProfit
	p.StopLossPrice = stopLoss
	p.LastUpdateTs = e.clock()
	e.book.PutPosition(p)
	e.archivePosition(&p)
	return nil
}
