package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/fixed"
	"github.com/perpx/perp-engine/internal/funding"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/referral"
)

// ProcessPriceBatch accepts a signed price batch and drives the state
// machine for each updated market in order: funding accrual, order expiry,
// immediate executions, trigger evaluation, then liquidatable flagging.
// A rejected batch changes nothing; within an accepted batch each order
// settles atomically on its own.
func (e *Engine) ProcessPriceBatch(ctx context.Context, updates []model.PriceUpdate, atts []model.Attestation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	if err := e.feed.SubmitPrices(ctx, updates, atts, now); err != nil {
		return err
	}

	for _, u := range updates {
		cfg, ok := e.markets[u.Symbol]
		if !ok {
			continue
		}
		e.accrueFundingLocked(u.Symbol, now)
		e.expireOrdersLocked(cfg, now)
		e.runPendingLocked(cfg, now, false)
		e.runPendingLocked(cfg, now, true)
		e.refreshLiquidatableLocked(cfg, now)
		if e.cache != nil {
			e.cache.InvalidatePool(ctx, u.Symbol)
		}
	}
	metrics.PoolBalance.Set(e.pool.Balance().InexactFloat64())
	return nil
}

// accrueFundingLocked advances the market's funding index using the just
// accepted index price and the book's aggregate exposure.
func (e *Engine) accrueFundingLocked(symbol string, now time.Time) {
	index, err := e.feed.PriceForIndex(symbol, now)
	if err != nil {
		return
	}

	longAmt, shortAmt := decimal.Zero, decimal.Zero
	for _, p := range e.book.PositionsByMarket(symbol) {
		if p.Direction == model.Long {
			longAmt = longAmt.Add(p.Amount)
		} else {
			shortAmt = shortAmt.Add(p.Amount)
		}
	}
	e.funding[symbol] = funding.Accrue(e.funding[symbol], longAmt, shortAmt, index, now, e.fundingParams)
}

// expireOrdersLocked auto-cancels immediate orders older than the market's
// cancel elapse and trigger orders past their duration.
func (e *Engine) expireOrdersLocked(cfg model.MarketConfig, now time.Time) {
	for _, o := range e.book.PendingOrders(cfg.Symbol, false) {
		if now.Sub(o.CreatedAt) > cfg.CancelElapse {
			o := o
			e.cancelLocked(&o, "expired")
		}
	}
	for _, o := range e.book.PendingOrders(cfg.Symbol, true) {
		if now.Sub(o.CreatedAt) > cfg.TriggerOrderDuration {
			o := o
			e.cancelLocked(&o, "trigger expired")
		}
	}
}

// runPendingLocked executes the market's pending orders in submission
// order. Trigger orders whose condition is not met stay pending.
func (e *Engine) runPendingLocked(cfg model.MarketConfig, now time.Time, triggers bool) {
	for _, o := range e.book.PendingOrders(cfg.Symbol, triggers) {
		o := o
		if triggers && !e.triggerMetLocked(&o, now) {
			continue
		}
		e.executeOrderLocked(&o, cfg, now)
	}
}

// triggerMetLocked evaluates a trigger order's condition against the price
// the order would execute at.
func (e *Engine) triggerMetLocked(o *model.Order, now time.Time) bool {
	price, err := e.feed.PriceForTrade(o.Market, e.maximise(o), now)
	if err != nil {
		return false
	}
	switch o.TriggerDirection {
	case model.TriggerAbove:
		return price.GreaterThanOrEqual(o.TriggerPrice)
	case model.TriggerBelow:
		return price.LessThanOrEqual(o.TriggerPrice)
	default:
		return false
	}
}

// maximise reports whether the order executes on the ask side. Opens buy
// into their direction; closes trade out of it.
func (e *Engine) maximise(o *model.Order) bool {
	if o.Kind.IsClose() {
		return o.Direction == model.Short
	}
	return o.Direction == model.Long
}

func (e *Engine) executeOrderLocked(o *model.Order, cfg model.MarketConfig, now time.Time) {
	if o.Kind.IsClose() {
		e.executeCloseLocked(o, cfg, now)
		return
	}
	e.executeOpenLocked(o, cfg, now)
}

// failLocked marks the order failed and refunds its escrow.
func (e *Engine) failLocked(o *model.Order, note string) {
	refund := o.ExecuteFee
	if !o.Kind.IsClose() {
		refund = refund.Add(o.Margin)
	}
	e.vault.Credit(o.Owner, refund)

	o.Status = model.StatusFailed
	o.StatusNote = note
	o.ExecutedAt = e.clock()
	e.book.PutOrder(*o)
	e.archiveOrder(o)
	metrics.OrdersFailed.WithLabelValues(o.Market).Inc()

	e.log.Warn("order failed", "order_id", o.ID, "note", note)
}

// priceInBounds checks the order's slippage bounds; zero bounds are open.
func priceInBounds(o *model.Order, price decimal.Decimal) bool {
	if o.MinPrice.IsPositive() && price.LessThan(o.MinPrice) {
		return false
	}
	if o.MaxPrice.IsPositive() && price.GreaterThan(o.MaxPrice) {
		return false
	}
	return true
}

func (e *Engine) executeOpenLocked(o *model.Order, cfg model.MarketConfig, now time.Time) {
	price, err := e.feed.PriceForTrade(o.Market, e.maximise(o), now)
	if err != nil {
		e.failLocked(o, "no trade price: "+err.Error())
		return
	}
	if !priceInBounds(o, price) {
		// A trigger order that fired outside its slippage bounds waits for a
		// better price; only immediate orders fail here.
		if o.Kind.IsTrigger() {
			return
		}
		e.failLocked(o, "price outside bounds: "+price.String())
		return
	}

	value := fixed.Mul(o.Margin, o.Leverage, fixed.MarginScale)
	amount := fixed.Div(value, price, fixed.AmountScale)
	if amount.LessThan(cfg.Dust) {
		e.failLocked(o, "amount below dust")
		return
	}

	// In one-way mode an opposite open nets against the existing position
	// first; any remainder opens fresh exposure.
	netAmount := decimal.Zero
	var netted model.Position
	if existing, ok := e.book.PositionFor(o.Owner, o.Market, o.Direction); ok {
		if existing.Direction != o.Direction {
			netted = existing
			netAmount = fixed.Min(amount, existing.Amount)
		}
	}

	tradeFee := fixed.Mul(value, cfg.TradeFeeRate, fixed.MarginScale)
	feeToMaker := fixed.Mul(value, cfg.MakerFeeRate, fixed.MarginScale)
	if err := e.vault.Debit(o.Owner, tradeFee); err != nil {
		e.failLocked(o, "insufficient balance for trade fee")
		return
	}
	split := e.referral.SplitFee(tradeFee.Sub(feeToMaker), o.InviterCode)

	openAmount := amount.Sub(netAmount)
	openRatio := fixed.Div(openAmount, amount, fixed.RateScale)
	openMargin := fixed.Mul(o.Margin, openRatio, fixed.MarginScale)
	openValue := fixed.Mul(value, openRatio, fixed.MarginScale)

	var posID uint64
	if openAmount.IsPositive() && openAmount.GreaterThanOrEqual(cfg.Dust) {
		if cfg.TakerValueLimit.IsPositive() {
			held := decimal.Zero
			if existing, ok := e.book.PositionFor(o.Owner, o.Market, o.Direction); ok && existing.Direction == o.Direction {
				held = existing.Value
			}
			if held.Add(openValue).GreaterThan(cfg.TakerValueLimit) {
				e.vault.Credit(o.Owner, tradeFee)
				e.failLocked(o, "position value limit exceeded")
				return
			}
		}
		debtShare, ig, err := e.pool.OnOpen(o.Market, o.Direction, openMargin, openValue, now)
		if err != nil {
			e.vault.Credit(o.Owner, tradeFee)
			e.failLocked(o, "pool refused open: "+err.Error())
			return
		}
		posID = e.applyOpenLocked(o, openAmount, openMargin, openValue, debtShare, ig, now)
	} else {
		// Fully netted: the escrowed margin comes straight back.
		openAmount = decimal.Zero
		e.vault.Credit(o.Owner, o.Margin)
	}

	if netAmount.IsPositive() {
		settle := e.closePortionLocked(&netted, netAmount, price, cfg, now)
		payout := settle.takerMargin.Add(settle.pnl).Sub(settle.funding).Sub(settle.interest)
		e.payoutLocked(o.Owner, payout)
		o.RlzPnl = settle.pnl
		o.InterestPayment = settle.interest
		o.FundingPayment = settle.funding
		if posID == 0 {
			posID = netted.ID
		}
		// Margin escrowed for the netted share of the order is not needed.
		if openAmount.IsPositive() {
			e.vault.Credit(o.Owner, o.Margin.Sub(openMargin))
		}
	}

	e.settleFeesLocked(o, tradeFee, feeToMaker, split)

	o.Status = model.StatusExecuted
	o.ExecutedAt = now
	o.ExecPrice = price
	o.Amount = amount
	o.PositionID = posID
	e.book.PutOrder(*o)
	e.archiveOrder(o)
	metrics.OrdersExecuted.WithLabelValues(o.Market, o.Kind.String()).Inc()
	e.notifyFill(*o)

	e.log.Info("open executed",
		"order_id", o.ID,
		"owner", o.Owner,
		"market", o.Market,
		"direction", o.Direction.String(),
		"price", price.String(),
		"amount", amount.String(),
		"netted", netAmount.String(),
	)
}

// applyOpenLocked merges the fill into the trader's position slot (or
// creates one) and records it. Returns the position id.
func (e *Engine) applyOpenLocked(o *model.Order, amount, margin, value, debtShare, ig decimal.Decimal, now time.Time) uint64 {
	f := e.funding[o.Market].Index

	existing, ok := e.book.PositionFor(o.Owner, o.Market, o.Direction)
	if ok && existing.Direction == o.Direction {
		// Funding checkpoint is amount-weighted so total owed is preserved
		// across the merge.
		oldWeight := fixed.Mul(existing.Amount, existing.LastFundingIndex, fixed.RateScale)
		newWeight := fixed.Mul(amount, f, fixed.RateScale)
		total := existing.Amount.Add(amount)
		existing.LastFundingIndex = fixed.Div(oldWeight.Add(newWeight), total, fixed.RateScale)

		existing.Amount = total
		existing.Value = existing.Value.Add(value)
		existing.TakerMargin = existing.TakerMargin.Add(margin)
		existing.MakerMargin = existing.MakerMargin.Add(value)
		existing.DebtShare = existing.DebtShare.Add(debtShare)
		existing.LastBorrowIG = ig
		existing.LastUpdateTs = now
		// A fresh TP/SL on the order overrides the position's; zero keeps it.
		if o.TakeProfitPrice.IsPositive() {
			existing.TakeProfitPrice = o.TakeProfitPrice
		}
		if o.StopLossPrice.IsPositive() {
			existing.StopLossPrice = o.StopLossPrice
		}
		e.book.PutPosition(existing)
		e.archivePosition(&existing)
		return existing.ID
	}

	p := model.Position{
		ID:               e.book.NextPositionID(),
		Owner:            o.Owner,
		Market:           o.Market,
		Mode:             e.book.Mode(o.Owner, o.Market),
		Direction:        o.Direction,
		Amount:           amount,
		Value:            value,
		TakerMargin:      margin,
		MakerMargin:      value,
		DebtShare:        debtShare,
		LastBorrowIG:     ig,
		LastFundingIndex: f,
		TakeProfitPrice:  o.TakeProfitPrice,
		StopLossPrice:    o.StopLossPrice,
		Status:           model.PositionOpen,
		LastUpdateTs:     now,
	}
	e.book.PutPosition(p)
	e.archivePosition(&p)
	return p.ID
}

// settlement is the money flow of one close portion.
type settlement struct {
	amount      decimal.Decimal
	value       decimal.Decimal
	takerMargin decimal.Decimal
	makerMargin decimal.Decimal
	debtShare   decimal.Decimal
	pnl         decimal.Decimal
	funding     decimal.Decimal
	interest    decimal.Decimal
	closedAll   bool
}

// closePortionLocked settles closeAmount of the position at price: caps
// pnl at the released maker margin (win) and taker margin (loss), charges
// funding and borrow interest accrued since the position's checkpoints,
// releases the pool side, and rewrites the position record.
func (e *Engine) closePortionLocked(p *model.Position, closeAmount, price decimal.Decimal, cfg model.MarketConfig, now time.Time) settlement {
	var s settlement

	full := closeAmount.GreaterThanOrEqual(p.Amount) ||
		p.Amount.Sub(closeAmount).LessThan(cfg.Dust)
	if full {
		closeAmount = p.Amount
		s.value = p.Value
		s.takerMargin = p.TakerMargin
		s.makerMargin = p.MakerMargin
		s.debtShare = p.DebtShare
	} else {
		ratio := fixed.Div(closeAmount, p.Amount, fixed.RateScale)
		s.value = fixed.Mul(p.Value, ratio, fixed.MarginScale)
		s.takerMargin = fixed.Mul(p.TakerMargin, ratio, fixed.MarginScale)
		s.makerMargin = fixed.Mul(p.MakerMargin, ratio, fixed.MarginScale)
		s.debtShare = fixed.Mul(p.DebtShare, ratio, fixed.MarginScale)
	}
	s.amount = closeAmount
	s.closedAll = full

	f := e.funding[p.Market].Index
	s.funding = funding.Owed(closeAmount, p.Direction, f, p.LastFundingIndex)

	ig := e.pool.CurrentBorrowIG(p.Direction, now)
	s.interest = fixed.Max(decimal.Zero,
		fixed.Mul(s.debtShare, ig, fixed.MarginScale).Sub(s.makerMargin))

	notional := fixed.Mul(closeAmount, price, fixed.MarginScale)
	raw := fixed.Mul(notional.Sub(s.value), p.Direction.Sign(), fixed.MarginScale)
	s.pnl = fixed.Clamp(raw, s.takerMargin.Neg(), s.makerMargin)

	e.pool.OnClose(p.Market, p.Direction, s.takerMargin, s.makerMargin, s.debtShare, s.interest, s.pnl, now)
	e.pool.Settle(s.funding)

	p.Amount = p.Amount.Sub(closeAmount)
	p.Value = p.Value.Sub(s.value)
	p.TakerMargin = p.TakerMargin.Sub(s.takerMargin)
	p.MakerMargin = p.MakerMargin.Sub(s.makerMargin)
	p.DebtShare = p.DebtShare.Sub(s.debtShare)
	p.Pnl = p.Pnl.Add(s.pnl)
	p.FundingPayment = p.FundingPayment.Add(s.funding)
	p.LastBorrowIG = ig
	p.LastUpdateTs = now
	if full {
		p.Amount = decimal.Zero
		p.Value = decimal.Zero
		p.TakerMargin = decimal.Zero
		p.MakerMargin = decimal.Zero
		p.DebtShare = decimal.Zero
		p.Status = model.PositionClosed
	}
	e.book.PutPosition(*p)
	e.archivePosition(p)
	return s
}

// payoutLocked credits a settlement payout, drawing on the insurance fund
// when the escrowed margin cannot cover accrued charges.
func (e *Engine) payoutLocked(owner string, payout decimal.Decimal) {
	if payout.IsNegative() {
		e.insurance.Cover(payout.Neg())
		return
	}
	e.vault.Credit(owner, payout)
}

// settleFeesLocked distributes an executed order's fees: maker share to
// the pool, referral shares to inviter and trader, remainder plus the
// execute fee to the venue's fee account.
func (e *Engine) settleFeesLocked(o *model.Order, tradeFee, feeToMaker decimal.Decimal, split referral.Split) {
	e.pool.CreditFee(feeToMaker)
	if split.ToInviter.IsPositive() {
		if inviter, ok := e.referral.Inviter(o.InviterCode); ok {
			e.vault.Credit(inviter, split.ToInviter)
		}
	}
	e.vault.Credit(o.Owner, split.ToDiscount)
	e.vault.Credit(e.feeAccount, split.Remaining.Add(o.ExecuteFee))

	o.TakerFee = tradeFee
	o.FeeToMaker = feeToMaker
	o.FeeToInviter = split.ToInviter
	o.FeeToDiscount = split.ToDiscount
	o.FeeToExchange = split.Remaining
}

func (e *Engine) executeCloseLocked(o *model.Order, cfg model.MarketConfig, now time.Time) {
	p, err := e.book.GetPosition(o.PositionID)
	if err != nil {
		e.failLocked(o, "position not found")
		return
	}
	if !p.Amount.IsPositive() {
		e.failLocked(o, "position already closed")
		return
	}

	price, err2 := e.feed.PriceForTrade(o.Market, e.maximise(o), now)
	if err2 != nil {
		e.failLocked(o, "no trade price: "+err2.Error())
		return
	}
	if !priceInBounds(o, price) {
		if o.Kind.IsTrigger() {
			return
		}
		e.failLocked(o, "price outside bounds: "+price.String())
		return
	}

	closeAmount := fixed.Min(o.Amount, p.Amount)
	settle := e.closePortionLocked(&p, closeAmount, price, cfg, now)

	tradeFee := fixed.Mul(fixed.Mul(settle.amount, price, fixed.MarginScale), cfg.TradeFeeRate, fixed.MarginScale)
	feeToMaker := fixed.Mul(fixed.Mul(settle.amount, price, fixed.MarginScale), cfg.MakerFeeRate, fixed.MarginScale)
	split := e.referral.SplitFee(tradeFee.Sub(feeToMaker), o.InviterCode)

	payout := settle.takerMargin.Add(settle.pnl).
		Sub(settle.funding).Sub(settle.interest).Sub(tradeFee)
	e.payoutLocked(o.Owner, payout)
	e.settleFeesLocked(o, tradeFee, feeToMaker, split)

	o.Status = model.StatusExecuted
	o.ExecutedAt = now
	o.ExecPrice = price
	o.Amount = settle.amount
	o.RlzPnl = settle.pnl
	o.InterestPayment = settle.interest
	o.FundingPayment = settle.funding
	if err := e.book.Commit(*o, p); err != nil {
		e.log.Error("close commit refused", "order_id", o.ID, "err", err)
		return
	}
	e.archiveOrder(o)
	metrics.OrdersExecuted.WithLabelValues(o.Market, o.Kind.String()).Inc()
	e.notifyFill(*o)

	e.log.Info("close executed",
		"order_id", o.ID,
		"owner", o.Owner,
		"market", o.Market,
		"position_id", p.ID,
		"price", price.String(),
		"amount", settle.amount.String(),
		"pnl", settle.pnl.String(),
		"funding", settle.funding.String(),
		"interest", settle.interest.String(),
	)
}
