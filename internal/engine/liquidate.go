package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/errs"
	"github.com/perpx/perp-engine/internal/fixed"
	"github.com/perpx/perp-engine/internal/funding"
	"github.com/perpx/perp-engine/internal/model"
)

var (
	// ErrNotLiquidatable is returned when a liquidation request's condition
	// does not hold at current prices.
	ErrNotLiquidatable = errs.Liquidation("engine: condition not met")

	// ErrNoTriggerPrice is returned for user TP/SL actions on a position
	// without the corresponding price set.
	ErrNoTriggerPrice = errs.Liquidation("engine: no trigger price set on position")

	// ErrBadLiquidatePrice is returned when a caller-supplied settlement
	// price falls outside the feed's bid/ask band.
	ErrBadLiquidatePrice = errs.Validation("engine: liquidation price outside market band")
)

// Liquidate force-closes a position under one of the four settlement
// actions. The condition is re-validated against current prices inside the
// serialized section; a request that raced a recovery simply fails. A
// positive price settles the close at that price, provided it lies within
// the feed's current bid/ask band; zero settles at the trade price for the
// position's exit side. A non-empty liquidator account receives the
// execute fee as keeper reward, drawn from the insurance fund.
func (e *Engine) Liquidate(market string, positionID uint64, action model.LiquidateAction, price decimal.Decimal, liquidator string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.marketCfg(market)
	if err != nil {
		return err
	}
	p, err := e.book.GetPosition(positionID)
	if err != nil {
		return err
	}
	if !p.Amount.IsPositive() {
		return ErrPositionClosed
	}

	now := e.clock()
	e.accrueFundingLocked(market, now)

	index, err := e.feed.PriceForIndex(market, now)
	if err != nil {
		return err
	}
	bid, err := e.feed.PriceForTrade(market, false, now)
	if err != nil {
		return err
	}
	ask, err := e.feed.PriceForTrade(market, true, now)
	if err != nil {
		return err
	}
	// Settlement trades out of the position, so it takes the spread side.
	execPrice := bid
	if p.Direction == model.Short {
		execPrice = ask
	}
	if price.IsPositive() {
		if price.LessThan(bid) || price.GreaterThan(ask) {
			return fmt.Errorf("%w: %s outside [%s, %s]", ErrBadLiquidatePrice, price, bid, ask)
		}
		execPrice = price
	}

	if err := e.checkActionLocked(&p, cfg, action, index, execPrice, now); err != nil {
		return err
	}

	settle := e.closePortionLocked(&p, p.Amount, execPrice, cfg, now)

	notional := fixed.Mul(settle.amount, execPrice, fixed.MarginScale)
	tradeFee := fixed.Mul(notional, cfg.TradeFeeRate, fixed.MarginScale)
	feeToMaker := fixed.Mul(notional, cfg.MakerFeeRate, fixed.MarginScale)

	residual := settle.takerMargin.Add(settle.pnl).
		Sub(settle.funding).Sub(settle.interest).Sub(tradeFee)

	if action == model.ActionLiquidate {
		// Forced liquidation confiscates remaining equity.
		if residual.IsPositive() {
			e.insurance.Credit(residual)
		} else {
			e.insurance.Cover(residual.Neg())
		}
	} else {
		e.payoutLocked(p.Owner, residual)
	}

	e.pool.CreditFee(feeToMaker)
	e.vault.Credit(e.feeAccount, tradeFee.Sub(feeToMaker))

	if liquidator != "" && e.executeFee.IsPositive() {
		reward := e.insurance.Cover(e.executeFee)
		e.vault.Credit(liquidator, reward)
	}

	// Record the forced settlement as a system order for the audit trail.
	o := model.Order{
		ID:              e.book.NextOrderID(),
		Owner:           p.Owner,
		Market:          market,
		Kind:            model.KindClose,
		Direction:       p.Direction,
		PositionID:      p.ID,
		Amount:          settle.amount,
		TakerFee:        tradeFee,
		FeeToMaker:      feeToMaker,
		FeeToExchange:   tradeFee.Sub(feeToMaker),
		RlzPnl:          settle.pnl,
		InterestPayment: settle.interest,
		FundingPayment:  settle.funding,
		ExecPrice:       execPrice,
		Status:          model.StatusExecuted,
		StatusNote:      actionNote(action),
		CreatedAt:       now,
		ExecutedAt:      now,
	}
	e.book.PutOrder(o)
	e.archiveOrder(&o)
	e.notifyFill(o)

	e.log.Info("position force-closed",
		"position_id", p.ID,
		"market", market,
		"action", actionNote(action),
		"price", execPrice.String(),
		"pnl", settle.pnl.String(),
		"residual", residual.String(),
	)
	return nil
}

func actionNote(a model.LiquidateAction) string {
	switch a {
	case model.ActionLiquidate:
		return "liquidate"
	case model.ActionTakeProfit:
		return "take profit"
	case model.ActionUserTakeProfit:
		return "user take profit"
	case model.ActionUserStopLoss:
		return "user stop loss"
	default:
		return "unknown"
	}
}

// checkActionLocked validates the action's firing condition.
func (e *Engine) checkActionLocked(p *model.Position, cfg model.MarketConfig, action model.LiquidateAction, index, execPrice decimal.Decimal, now time.Time) error {
	switch action {
	case model.ActionLiquidate:
		ratio := e.marginRatioLocked(p, index, now)
		if ratio.GreaterThan(cfg.LiquidateRate) {
			return fmt.Errorf("%w: margin ratio %s above %s", ErrNotLiquidatable, ratio, cfg.LiquidateRate)
		}
	case model.ActionTakeProfit:
		// Pool-side cap: taker profit has reached the locked maker margin.
		if unrealizedPnl(p, index).LessThan(p.MakerMargin) {
			return fmt.Errorf("%w: profit below maker margin", ErrNotLiquidatable)
		}
	case model.ActionUserTakeProfit:
		if !p.TakeProfitPrice.IsPositive() {
			return ErrNoTriggerPrice
		}
		if !crossed(p.Direction, execPrice, p.TakeProfitPrice, true) {
			return fmt.Errorf("%w: take profit price not reached", ErrNotLiquidatable)
		}
	case model.ActionUserStopLoss:
		if !p.StopLossPrice.IsPositive() {
			return ErrNoTriggerPrice
		}
		if !crossed(p.Direction, execPrice, p.StopLossPrice, false) {
			return fmt.Errorf("%w: stop loss price not reached", ErrNotLiquidatable)
		}
	default:
		return errs.Validation(fmt.Sprintf("engine: unknown liquidate action %d", action))
	}
	return nil
}

// crossed reports whether price has crossed the barrier in the profitable
// (profit=true) or losing direction for the position side.
func crossed(dir model.Direction, price, barrier decimal.Decimal, profit bool) bool {
	above := price.GreaterThanOrEqual(barrier)
	if (dir == model.Long) == profit {
		return above
	}
	return price.LessThanOrEqual(barrier)
}

// marginRatioLocked is (takerMargin + upnl - funding - interest) / value at
// the index price.
func (e *Engine) marginRatioLocked(p *model.Position, index decimal.Decimal, now time.Time) decimal.Decimal {
	equity := e.equityLocked(p, index, now)
	return fixed.Div(equity, p.Value, fixed.RateScale)
}

func (e *Engine) equityLocked(p *model.Position, index decimal.Decimal, now time.Time) decimal.Decimal {
	fundingOwed := funding.Owed(p.Amount, p.Direction, e.funding[p.Market].Index, p.LastFundingIndex)
	ig := e.pool.CurrentBorrowIG(p.Direction, now)
	interestOwed := fixed.Max(decimal.Zero,
		fixed.Mul(p.DebtShare, ig, fixed.MarginScale).Sub(p.MakerMargin))
	return p.TakerMargin.Add(unrealizedPnl(p, index)).Sub(fundingOwed).Sub(interestOwed)
}

// refreshLiquidatableLocked re-flags every live position in the market
// against the maintenance margin at the fresh index price.
func (e *Engine) refreshLiquidatableLocked(cfg model.MarketConfig, now time.Time) {
	index, err := e.feed.PriceForIndex(cfg.Symbol, now)
	if err != nil {
		return
	}
	for _, p := range e.book.PositionsByMarket(cfg.Symbol) {
		p := p
		status := model.PositionOpen
		if e.marginRatioLocked(&p, index, now).LessThanOrEqual(cfg.MM) {
			status = model.PositionLiquidatable
		}
		if p.Status != status {
			p.Status = status
			e.book.PutPosition(p)
		}
	}
}

// PositionStatus recomputes the position's live status at current prices.
func (e *Engine) PositionStatus(positionID uint64) (model.PositionStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.book.GetPosition(positionID)
	if err != nil {
		return 0, err
	}
	if !p.Amount.IsPositive() {
		return model.PositionClosed, nil
	}
	cfg, err := e.marketCfg(p.Market)
	if err != nil {
		return 0, err
	}
	now := e.clock()
	index, err := e.feed.PriceForIndex(p.Market, now)
	if err != nil {
		return 0, err
	}
	if e.marginRatioLocked(&p, index, now).LessThanOrEqual(cfg.MM) {
		return model.PositionLiquidatable, nil
	}
	return model.PositionOpen, nil
}

// PositionLiqPrice returns the index price at which the position's margin
// ratio reaches the liquidation rate, clamped at zero.
func (e *Engine) PositionLiqPrice(positionID uint64) (decimal.Decimal, error) {
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

	now := e.clock()
	fundingOwed := funding.Owed(p.Amount, p.Direction, e.funding[p.Market].Index, p.LastFundingIndex)
	ig := e.pool.CurrentBorrowIG(p.Direction, now)
	interestOwed := fixed.Max(decimal.Zero,
		fixed.Mul(p.DebtShare, ig, fixed.MarginScale).Sub(p.MakerMargin))

	// Solve takerMargin + dir*(amount*p - value) - charges = rate*value.
	numer := fixed.Mul(cfg.LiquidateRate, p.Value, fixed.MarginScale).
		Add(fixed.Mul(p.Value, p.Direction.Sign(), fixed.MarginScale)).
		Sub(p.TakerMargin).
		Add(fundingOwed).
		Add(interestOwed)
	denom := fixed.Mul(p.Amount, p.Direction.Sign(), fixed.AmountScale)

	price := fixed.Div(numer, denom, fixed.PriceScale)
	return fixed.Max(decimal.Zero, price), nil
}
