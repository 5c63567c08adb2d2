// Package pool implements the pooled-liquidity counterparty: LP share
// accounting, per-direction borrow shares with a compounding interest
// index, and the per-market maker-margin open limits.
//
// The share price and borrow index are derived from stored checkpoints
// plus elapsed time; any number of readers recompute them identically
// without mutating state. Checkpoints advance only inside committed
// execution steps (Open/Close/liquidity operations).
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/errs"
	"github.com/perpx/perp-engine/internal/fixed"
	"github.com/perpx/perp-engine/internal/model"
)

var (
	// ErrOpenLimitExceeded is returned when a fill would push maker margin
	// past the pool's per-market open limit.
	ErrOpenLimitExceeded = errs.Liquidity("pool: open limit exceeded")

	// ErrInsufficientBalance is returned when the pool cannot back the
	// requested maker margin with free collateral.
	ErrInsufficientBalance = errs.Liquidity("pool: insufficient free collateral")

	// ErrRedeemExceedsValue is returned when an LP redemption asks for more
	// than the pool's available (unlocked) value.
	ErrRedeemExceedsValue = errs.Liquidity("pool: redemption exceeds available value")

	// ErrInvalidAmount is returned for zero or negative liquidity amounts.
	ErrInvalidAmount = errs.Validation("pool: amount must be positive")
)

const secondsPerHour = 3600

// Config holds pool-wide parameters.
type Config struct {
	// RatePerHour is the per-hour borrow interest rate compounded per
	// second on each direction's total borrow share.
	RatePerHour decimal.Decimal

	// OpenRate bounds a single position's maker margin to
	// OpenRate x takerTotalMargin for its market. OpenLimit caps the
	// aggregate locked maker margin per market.
	OpenRate  decimal.Decimal
	OpenLimit decimal.Decimal

	// Removing liquidity while utilization exceeds UtilizationThreshold
	// charges RemoveFeeRate on the redeemed value.
	UtilizationThreshold decimal.Decimal
	RemoveFeeRate        decimal.Decimal
}

// DefaultConfig mirrors the reference deployment: 0.0001/hour interest,
// open rate equal to the maximum taker leverage, 80% utilization gate, 1%
// removal fee.
func DefaultConfig() Config {
	return Config{
		RatePerHour:          decimal.NewFromFloat(0.0001),
		OpenRate:             decimal.NewFromInt(100),
		OpenLimit:            decimal.New(1, 7),
		UtilizationThreshold: decimal.NewFromFloat(0.8),
		RemoveFeeRate:        decimal.NewFromFloat(0.01),
	}
}

// interestState is one direction's borrow accounting checkpoint.
type interestState struct {
	totalBorrowShare decimal.Decimal
	principal        decimal.Decimal
	borrowIG         decimal.Decimal
	lastAccrue       time.Time
}

// marketAccount is the pool's per-market taker/maker margin bookkeeping.
type marketAccount struct {
	takerTotalMargin decimal.Decimal
	makerMarginUsed  decimal.Decimal
}

// Pool is the pooled-liquidity engine. The execution engine is the single
// writer; the RWMutex only protects external snapshot reads.
type Pool struct {
	mu  sync.RWMutex
	cfg Config

	balance  decimal.Decimal
	lpSupply decimal.Decimal
	rmLiqFee decimal.Decimal

	interest map[model.Direction]*interestState
	markets  map[string]*marketAccount
}

// New creates an empty pool.
func New(cfg Config, now time.Time) *Pool {
	return &Pool{
		cfg: cfg,
		interest: map[model.Direction]*interestState{
			model.Long:  {borrowIG: fixed.One, lastAccrue: now},
			model.Short: {borrowIG: fixed.One, lastAccrue: now},
		},
		markets: make(map[string]*marketAccount),
	}
}

func (p *Pool) market(symbol string) *marketAccount {
	m, ok := p.markets[symbol]
	if !ok {
		m = &marketAccount{}
		p.markets[symbol] = m
	}
	return m
}

// igAt computes the borrow index for st at now without mutating it.
func (p *Pool) igAt(st *interestState, now time.Time) decimal.Decimal {
	elapsed := int64(now.Sub(st.lastAccrue) / time.Second)
	if elapsed <= 0 {
		return st.borrowIG
	}
	// The index advances even with zero borrow outstanding; compounding an
	// unused index keeps it monotone for every observer.
	ratePerSecond := fixed.Div(p.cfg.RatePerHour, decimal.NewFromInt(secondsPerHour), fixed.RateScale)
	factor := fixed.PowInt(fixed.One.Add(ratePerSecond), elapsed, fixed.RateScale)
	return fixed.Mul(st.borrowIG, factor, fixed.RateScale)
}

// accrueLocked checkpoints both directions' indexes at now.
func (p *Pool) accrueLocked(now time.Time) {
	for _, st := range p.interest {
		st.borrowIG = p.igAt(st, now)
		st.lastAccrue = now
	}
}

// CurrentBorrowIG returns the monotonically non-decreasing borrow index
// for a direction at now. Pure read; no checkpoint is written.
func (p *Pool) CurrentBorrowIG(dir model.Direction, now time.Time) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.igAt(p.interest[dir], now)
}

// navLocked values the pool: collateral plus performing debt valued at the
// current index net of its principal, minus unrealized pool-side pnl.
func (p *Pool) navLocked(poolPnl decimal.Decimal, now time.Time) decimal.Decimal {
	nav := p.balance.Sub(poolPnl)
	for _, st := range p.interest {
		debtValue := fixed.Mul(st.totalBorrowShare, p.igAt(st, now), fixed.MarginScale)
		nav = nav.Add(debtValue.Sub(st.principal))
	}
	return nav
}

// SharePrice returns NAV / LP supply; 1 for an empty pool. poolPnl is the
// aggregate unrealized taker pnl the pool would owe at the index price.
func (p *Pool) SharePrice(poolPnl decimal.Decimal, now time.Time) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sharePriceLocked(poolPnl, now)
}

func (p *Pool) sharePriceLocked(poolPnl decimal.Decimal, now time.Time) decimal.Decimal {
	if p.lpSupply.IsZero() {
		return fixed.One
	}
	return fixed.Div(p.navLocked(poolPnl, now), p.lpSupply, fixed.MarginScale)
}

// AddLiquidity mints LP shares at the current share price.
func (p *Pool) AddLiquidity(amount, poolPnl decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.accrueLocked(now)

	price := p.sharePriceLocked(poolPnl, now)
	shares := fixed.Div(amount, price, fixed.MarginScale)
	p.balance = p.balance.Add(amount)
	p.lpSupply = p.lpSupply.Add(shares)
	return shares, nil
}

// RemoveLiquidity burns LP shares at the current share price and returns
// the collateral paid out. When utilization exceeds the configured
// threshold a removal fee is withheld; the fee stays in the pool and
// accumulates in the read-only CumulateRmLiqFee counter.
func (p *Pool) RemoveLiquidity(shares, poolPnl decimal.Decimal, now time.Time) (out, fee decimal.Decimal, err error) {
	if !shares.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.accrueLocked(now)

	if shares.GreaterThan(p.lpSupply) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: shares %s > supply %s", ErrRedeemExceedsValue, shares, p.lpSupply)
	}

	price := p.sharePriceLocked(poolPnl, now)
	value := fixed.Mul(shares, price, fixed.MarginScale)

	free := p.balance.Sub(p.totalMakerUsedLocked())
	if value.GreaterThan(free) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: value %s > free %s", ErrRedeemExceedsValue, value, free)
	}

	if p.utilizationLocked().GreaterThan(p.cfg.UtilizationThreshold) {
		fee = fixed.Mul(value, p.cfg.RemoveFeeRate, fixed.MarginScale)
		p.rmLiqFee = p.rmLiqFee.Add(fee)
	}

	out = value.Sub(fee)
	p.balance = p.balance.Sub(out)
	p.lpSupply = p.lpSupply.Sub(shares)
	return out, fee, nil
}

func (p *Pool) totalMakerUsedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, m := range p.markets {
		total = total.Add(m.makerMarginUsed)
	}
	return total
}

func (p *Pool) utilizationLocked() decimal.Decimal {
	if p.balance.IsZero() {
		return decimal.Zero
	}
	return fixed.Div(p.totalMakerUsedLocked(), p.balance, fixed.RateScale)
}

// OnOpen locks maker margin for a fill and mints the position's debt
// share at the current borrow index. takerMargin is the margin the taker
// deposits with this fill. Returns the debt share and the index it was
// minted at.
func (p *Pool) OnOpen(symbol string, dir model.Direction, takerMargin, makerMargin decimal.Decimal, now time.Time) (debtShare, ig decimal.Decimal, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accrueLocked(now)

	m := p.market(symbol)
	newTakerTotal := m.takerTotalMargin.Add(takerMargin)

	// Per-position bound: maker margin within the open-limit share of the
	// market's total taker margin.
	bound := fixed.Mul(newTakerTotal, p.cfg.OpenRate, fixed.MarginScale)
	if makerMargin.GreaterThan(bound) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: maker margin %s > %s", ErrOpenLimitExceeded, makerMargin, bound)
	}

	newUsed := m.makerMarginUsed.Add(makerMargin)
	if newUsed.GreaterThan(p.cfg.OpenLimit) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: locked %s > limit %s", ErrOpenLimitExceeded, newUsed, p.cfg.OpenLimit)
	}
	if newUsed.GreaterThan(p.balance) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: locked %s > balance %s", ErrInsufficientBalance, newUsed, p.balance)
	}

	st := p.interest[dir]
	ig = st.borrowIG
	debtShare = fixed.Div(makerMargin, ig, fixed.MarginScale)

	m.takerTotalMargin = newTakerTotal
	m.makerMarginUsed = newUsed
	st.totalBorrowShare = st.totalBorrowShare.Add(debtShare)
	st.principal = st.principal.Add(makerMargin)
	return debtShare, ig, nil
}

// OnClose releases a fill's share of maker margin and debt, credits the
// interest the taker paid, and settles the taker's pnl against pool
// collateral (positive takerPnl is paid out of the pool).
func (p *Pool) OnClose(symbol string, dir model.Direction, takerMargin, makerMargin, debtShare, interestPaid, takerPnl decimal.Decimal, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accrueLocked(now)

	m := p.market(symbol)
	m.takerTotalMargin = fixed.Max(decimal.Zero, m.takerTotalMargin.Sub(takerMargin))
	m.makerMarginUsed = fixed.Max(decimal.Zero, m.makerMarginUsed.Sub(makerMargin))

	st := p.interest[dir]
	st.totalBorrowShare = fixed.Max(decimal.Zero, st.totalBorrowShare.Sub(debtShare))
	st.principal = fixed.Max(decimal.Zero, st.principal.Sub(makerMargin))

	p.balance = p.balance.Add(interestPaid).Sub(takerPnl)
}

// OnMarginChange adjusts the pool's record of a market's aggregate taker
// margin after an increase (positive delta) or decrease (negative).
func (p *Pool) OnMarginChange(symbol string, delta decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.market(symbol)
	m.takerTotalMargin = fixed.Max(decimal.Zero, m.takerTotalMargin.Add(delta))
}

// CreditFee adds collected fees (maker fee share, funding intermediation)
// to pool collateral.
func (p *Pool) CreditFee(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = p.balance.Add(amount)
}

// Settle adjusts pool collateral by a signed amount. Positive means the
// pool receives (funding intermediation in), negative means it pays out.
func (p *Pool) Settle(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = p.balance.Add(amount)
}

// MaxDecreaseMargin bounds a margin withdrawal so the resulting margin
// ratio stays above mm x dMMultiplier and leverage stays within the
// market's maximum. equity = margin + unrealized pnl - funding - interest.
func MaxDecreaseMargin(cfg model.MarketConfig, takerMargin, value, unrealizedPnl, fundingOwed, interestOwed decimal.Decimal) decimal.Decimal {
	equity := takerMargin.Add(unrealizedPnl).Sub(fundingOwed).Sub(interestOwed)

	minEquity := fixed.Mul(value, fixed.Mul(cfg.MM, cfg.DMMultiplier, fixed.RateScale), fixed.MarginScale)
	byRatio := equity.Sub(minEquity)

	minMargin := fixed.Div(value, cfg.TakerLeverageMax, fixed.MarginScale)
	byLeverage := takerMargin.Sub(minMargin)

	max := fixed.Min(byRatio, byLeverage)
	return fixed.Max(decimal.Zero, max.Truncate(fixed.MarginScale))
}

// CumulateRmLiqFee returns the accumulated liquidity-removal fee.
func (p *Pool) CumulateRmLiqFee() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rmLiqFee
}

// Balance returns current pool collateral.
func (p *Pool) Balance() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance
}

// LPSupply returns outstanding LP shares.
func (p *Pool) LPSupply() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lpSupply
}

// Snapshot returns the per-market accounting view at now. Pure read; a
// market with no recorded fills reports zero margins without being
// materialized.
func (p *Pool) Snapshot(symbol string, poolPnl decimal.Decimal, now time.Time) model.PoolSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m, ok := p.markets[symbol]
	if !ok {
		m = &marketAccount{}
	}
	long := p.interest[model.Long]
	short := p.interest[model.Short]

	return model.PoolSnapshot{
		Market:           symbol,
		TakerTotalMargin: m.takerTotalMargin,
		MakerMarginUsed:  m.makerMarginUsed,
		LongBorrowShare:  long.totalBorrowShare,
		ShortBorrowShare: short.totalBorrowShare,
		LongBorrowIG:     p.igAt(long, now),
		ShortBorrowIG:    p.igAt(short, now),
		SharePrice:       p.sharePriceLocked(poolPnl, now),
		CumulateRmLiqFee: p.rmLiqFee,
	}
}
