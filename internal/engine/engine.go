// Package engine is the order execution and liquidation state machine.
//
// A single mutex serializes every state-changing operation: order
// submission, price batches, margin changes, and liquidations all commit
// one at a time, so no partially applied step is ever observable. Reads
// recompute derived values (margin ratio, liquidation price, share price)
// from committed state without mutating it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/errs"
	"github.com/perpx/perp-engine/internal/fixed"
	"github.com/perpx/perp-engine/internal/funding"
	"github.com/perpx/perp-engine/internal/insurance"
	"github.com/perpx/perp-engine/internal/ledger"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/oracle"
	"github.com/perpx/perp-engine/internal/pool"
	"github.com/perpx/perp-engine/internal/referral"
	"github.com/perpx/perp-engine/internal/vault"
)

var (
	// ErrUnknownMarket is returned for operations on an unconfigured market.
	ErrUnknownMarket = errs.Validation("engine: unknown market")

	// ErrPaused is returned when the targeted feature is paused for the
	// market.
	ErrPaused = errs.State("engine: operation paused for market")

	// ErrLeverageOutOfRange, ErrMarginOutOfRange, and ErrValueOutOfRange
	// are returned when an open request breaks the market's bounds.
	ErrLeverageOutOfRange = errs.Validation("engine: leverage out of range")
	ErrMarginOutOfRange   = errs.Validation("engine: margin out of range")
	ErrValueOutOfRange    = errs.Validation("engine: order value out of range")

	// ErrBadTrigger is returned for a trigger order without a usable
	// trigger direction or price.
	ErrBadTrigger = errs.Validation("engine: invalid trigger parameters")

	// ErrPositionClosed is returned when a close or margin operation
	// references a position with no open amount.
	ErrPositionClosed = errs.State("engine: position is closed")

	// ErrNotCancelable is returned when cancel targets a terminal order.
	ErrNotCancelable = errs.State("engine: order not cancelable")
)

// Clock supplies the engine's notion of now. Injected so the state machine
// is deterministic under test.
type Clock func() time.Time

// Engine wires the oracle feed, pool, ledger, vault, referral book, and
// insurance fund into the venue state machine.
type Engine struct {
	mu sync.Mutex

	clock Clock

	markets map[string]model.MarketConfig
	funding map[string]funding.State

	feed      *oracle.Feed
	pool      *pool.Pool
	book      *ledger.Ledger
	vault     *vault.Vault
	referral  *referral.Book
	insurance *insurance.Fund

	fundingParams funding.Params

	// executeFee is charged per executed order and goes to the venue.
	executeFee decimal.Decimal

	// feeAccount is the vault account receiving the exchange's fee share.
	feeAccount string

	archive  ledger.Archiver
	cache    *ledger.SnapshotCache
	fillHook func(model.Order)
	log      *slog.Logger
}

// Options configures optional engine collaborators.
type Options struct {
	ExecuteFee    decimal.Decimal
	FeeAccount    string
	FundingParams funding.Params
	Archive       ledger.Archiver
	Cache         *ledger.SnapshotCache
	Clock         Clock
	Logger        *slog.Logger

	// FillHook, when set, is invoked for every order that reaches the
	// executed state. It must not block; batch processing holds the engine
	// lock while it runs.
	FillHook func(model.Order)
}

// New creates an engine over its collaborators.
func New(feed *oracle.Feed, pl *pool.Pool, book *ledger.Ledger, vlt *vault.Vault, ref *referral.Book, ins *insurance.Fund, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Archive == nil {
		opts.Archive = ledger.NopArchive{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FeeAccount == "" {
		opts.FeeAccount = "exchange"
	}
	return &Engine{
		clock:         opts.Clock,
		markets:       make(map[string]model.MarketConfig),
		funding:       make(map[string]funding.State),
		feed:          feed,
		pool:          pl,
		book:          book,
		vault:         vlt,
		referral:      ref,
		insurance:     ins,
		fundingParams: opts.FundingParams,
		executeFee:    opts.ExecuteFee,
		feeAccount:    opts.FeeAccount,
		archive:       opts.Archive,
		cache:         opts.Cache,
		fillHook:      opts.FillHook,
		log:           opts.Logger,
	}
}

func (e *Engine) notifyFill(o model.Order) {
	if e.fillHook != nil {
		e.fillHook(o)
	}
}

// AddMarket registers a market configuration.
func (e *Engine) AddMarket(cfg model.MarketConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[cfg.Symbol] = cfg
	if _, ok := e.funding[cfg.Symbol]; !ok {
		e.funding[cfg.Symbol] = funding.State{LastTs: e.clock()}
	}
}

func (e *Engine) marketCfg(symbol string) (model.MarketConfig, error) {
	cfg, ok := e.markets[symbol]
	if !ok {
		return model.MarketConfig{}, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return cfg, nil
}

// OpenRequest asks to open (or, in one-way mode, net against) a position.
type OpenRequest struct {
	Owner     string
	Market    string
	Direction model.Direction
	Margin    decimal.Decimal
	Leverage  decimal.Decimal

	// Acceptable execution price bounds; zero means unbounded.
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal

	// Trigger fields; TriggerNone submits an immediate order.
	TriggerDirection model.TriggerDirection
	TriggerPrice     decimal.Decimal

	InviterCode     string
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
}

// CloseRequest asks to reduce a position.
type CloseRequest struct {
	Owner      string
	Market     string
	PositionID uint64
	Amount     decimal.Decimal

	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal

	TriggerDirection model.TriggerDirection
	TriggerPrice     decimal.Decimal

	InviterCode string
}

// CreateOrder submits an open order. Margin plus the execute fee is moved
// from the trader's vault balance into order escrow; both come back if the
// order is canceled or fails.
func (e *Engine) CreateOrder(req OpenRequest) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.marketCfg(req.Market)
	if err != nil {
		return 0, err
	}

	isTrigger := req.TriggerDirection != model.TriggerNone
	if isTrigger {
		if cfg.CreateTriggerOrderPaused {
			return 0, fmt.Errorf("%w: trigger orders on %s", ErrPaused, req.Market)
		}
		if !req.TriggerPrice.IsPositive() {
			return 0, ErrBadTrigger
		}
	} else if cfg.CreateOrderPaused {
		return 0, fmt.Errorf("%w: orders on %s", ErrPaused, req.Market)
	}

	if req.Leverage.LessThan(cfg.TakerLeverageMin) || req.Leverage.GreaterThan(cfg.TakerLeverageMax) {
		return 0, fmt.Errorf("%w: %s", ErrLeverageOutOfRange, req.Leverage)
	}
	if req.Margin.LessThan(cfg.TakerMarginMin) || req.Margin.GreaterThan(cfg.TakerMarginMax) {
		return 0, fmt.Errorf("%w: %s", ErrMarginOutOfRange, req.Margin)
	}
	value := fixed.Mul(req.Margin, req.Leverage, fixed.MarginScale)
	if value.LessThan(cfg.TakerValueMin) || value.GreaterThan(cfg.TakerValueMax) {
		return 0, fmt.Errorf("%w: %s", ErrValueOutOfRange, value)
	}
	if req.TakeProfitPrice.IsNegative() || req.StopLossPrice.IsNegative() {
		return 0, errs.Validation("engine: TP/SL prices must be non-negative")
	}
	if cfg.SetTPSLPricePaused && (req.TakeProfitPrice.IsPositive() || req.StopLossPrice.IsPositive()) {
		return 0, fmt.Errorf("%w: TP/SL on %s", ErrPaused, req.Market)
	}

	if err := e.vault.Debit(req.Owner, req.Margin.Add(e.executeFee)); err != nil {
		return 0, err
	}

	kind := model.KindOpen
	if isTrigger {
		kind = model.KindTriggerOpen
	}
	now := e.clock()
	o := model.Order{
		ID:               e.book.NextOrderID(),
		Owner:            req.Owner,
		Market:           req.Market,
		Kind:             kind,
		Direction:        req.Direction,
		Margin:           req.Margin,
		Leverage:         req.Leverage,
		MinPrice:         req.MinPrice,
		MaxPrice:         req.MaxPrice,
		TriggerDirection: req.TriggerDirection,
		TriggerPrice:     req.TriggerPrice,
		InviterCode:      req.InviterCode,
		TakeProfitPrice:  req.TakeProfitPrice,
		StopLossPrice:    req.StopLossPrice,
		ExecuteFee:       e.executeFee,
		Status:           model.StatusPending,
		CreatedAt:        now,
	}
	e.book.PutOrder(o)

	e.log.Info("order created",
		"order_id", o.ID,
		"owner", o.Owner,
		"market", o.Market,
		"kind", o.Kind,
		"direction", o.Direction.String(),
		"margin", o.Margin.String(),
		"leverage", o.Leverage.String(),
	)
	return o.ID, nil
}

// CreateCloseOrder submits a close order against an owned position.
func (e *Engine) CreateCloseOrder(req CloseRequest) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.marketCfg(req.Market)
	if err != nil {
		return 0, err
	}

	isTrigger := req.TriggerDirection != model.TriggerNone
	if isTrigger {
		if cfg.CreateTriggerOrderPaused {
			return 0, fmt.Errorf("%w: trigger orders on %s", ErrPaused, req.Market)
		}
		if !req.TriggerPrice.IsPositive() {
			return 0, ErrBadTrigger
		}
	} else if cfg.CreateOrderPaused {
		return 0, fmt.Errorf("%w: orders on %s", ErrPaused, req.Market)
	}

	p, err := e.book.GetPosition(req.PositionID)
	if err != nil {
		return 0, err
	}
	if p.Owner != req.Owner {
		return 0, ledger.ErrNotOwner
	}
	if !p.Amount.IsPositive() {
		return 0, ErrPositionClosed
	}
	if !req.Amount.IsPositive() {
		return 0, errs.Validation("engine: close amount must be positive")
	}

	if err := e.vault.Debit(req.Owner, e.executeFee); err != nil {
		return 0, err
	}

	kind := model.KindClose
	if isTrigger {
		kind = model.KindTriggerClose
	}
	o := model.Order{
		ID:               e.book.NextOrderID(),
		Owner:            req.Owner,
		Market:           req.Market,
		Kind:             kind,
		Direction:        p.Direction,
		PositionID:       req.PositionID,
		Amount:           req.Amount,
		MinPrice:         req.MinPrice,
		MaxPrice:         req.MaxPrice,
		TriggerDirection: req.TriggerDirection,
		TriggerPrice:     req.TriggerPrice,
		InviterCode:      req.InviterCode,
		ExecuteFee:       e.executeFee,
		Status:           model.StatusPending,
		CreatedAt:        e.clock(),
	}
	e.book.PutOrder(o)

	e.log.Info("close order created",
		"order_id", o.ID,
		"owner", o.Owner,
		"market", o.Market,
		"position_id", o.PositionID,
		"amount", o.Amount.String(),
	)
	return o.ID, nil
}

// CancelOrder cancels a pending order and refunds its escrow.
func (e *Engine) CancelOrder(owner string, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.book.GetOrder(id)
	if err != nil {
		return err
	}
	if o.Owner != owner {
		return ledger.ErrNotOwner
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: order %d is %s", ErrNotCancelable, id, o.Status)
	}

	e.cancelLocked(&o, "canceled by owner")
	return nil
}

// cancelLocked marks the order canceled and refunds margin and execute fee.
func (e *Engine) cancelLocked(o *model.Order, note string) {
	refund := o.ExecuteFee
	if !o.Kind.IsClose() {
		refund = refund.Add(o.Margin)
	}
	e.vault.Credit(o.Owner, refund)

	o.Status = model.StatusCanceled
	o.StatusNote = note
	e.book.PutOrder(*o)
	e.archiveOrder(o)

	e.log.Info("order canceled", "order_id", o.ID, "note", note)
}

// SetPositionMode switches the trader's per-market position mode; refused
// while any exposure or pending order exists there.
func (e *Engine) SetPositionMode(owner, market string, mode model.PositionMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.marketCfg(market); err != nil {
		return err
	}
	return e.book.SetMode(owner, market, mode)
}

// AddLiquidity deposits collateral into the pool and mints LP shares at
// the current share price.
func (e *Engine) AddLiquidity(owner string, amount decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	poolPnl, err := e.poolPnlLocked(now)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.vault.Debit(owner, amount); err != nil {
		return decimal.Zero, err
	}
	shares, err := e.pool.AddLiquidity(amount, poolPnl, now)
	if err != nil {
		e.vault.Credit(owner, amount)
		return decimal.Zero, err
	}
	e.invalidatePoolCacheLocked()

	e.log.Info("liquidity added", "owner", owner, "amount", amount.String(), "shares", shares.String())
	return shares, nil
}

// RemoveLiquidity burns LP shares and credits the payout to the trader's
// vault balance.
func (e *Engine) RemoveLiquidity(owner string, shares decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	poolPnl, err := e.poolPnlLocked(now)
	if err != nil {
		return decimal.Zero, err
	}
	out, fee, err := e.pool.RemoveLiquidity(shares, poolPnl, now)
	if err != nil {
		return decimal.Zero, err
	}
	e.vault.Credit(owner, out)
	e.invalidatePoolCacheLocked()

	e.log.Info("liquidity removed",
		"owner", owner,
		"shares", shares.String(),
		"out", out.String(),
		"fee", fee.String(),
	)
	return out, nil
}

// poolPnlLocked aggregates unrealized taker pnl across all live positions,
// capped per position at its maker margin. Markets with no live position
// are skipped; a missing price for a market with exposure is an error.
func (e *Engine) poolPnlLocked(now time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for symbol := range e.markets {
		positions := e.book.PositionsByMarket(symbol)
		if len(positions) == 0 {
			continue
		}
		index, err := e.feed.PriceForIndex(symbol, now)
		if err != nil {
			return decimal.Zero, err
		}
		for i := range positions {
			pnl := unrealizedPnl(&positions[i], index)
			pnl = fixed.Clamp(pnl, positions[i].MakerMargin.Neg(), positions[i].MakerMargin)
			total = total.Add(pnl)
		}
	}
	return total, nil
}

// unrealizedPnl is direction * (amount*price - value).
func unrealizedPnl(p *model.Position, price decimal.Decimal) decimal.Decimal {
	notional := fixed.Mul(p.Amount, price, fixed.MarginScale)
	return fixed.Mul(notional.Sub(p.Value), p.Direction.Sign(), fixed.MarginScale)
}

// SharePrice returns the LP share price at the current index prices.
func (e *Engine) SharePrice() (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	poolPnl, err := e.poolPnlLocked(now)
	if err != nil {
		return decimal.Zero, err
	}
	return e.pool.SharePrice(poolPnl, now), nil
}

// CurrentBorrowIG returns a direction's borrow index at now.
func (e *Engine) CurrentBorrowIG(dir model.Direction) decimal.Decimal {
	return e.pool.CurrentBorrowIG(dir, e.clock())
}

// RegisterInviteCode issues a fresh referral code bound to the owner.
func (e *Engine) RegisterInviteCode(owner string) string {
	code := e.referral.Register(owner)
	e.log.Info("invite code registered", "owner", owner, "code", code)
	return code
}

// ResolveInviteCode looks up the inviter account behind a code.
func (e *Engine) ResolveInviteCode(code string) (string, bool) {
	return e.referral.Inviter(code)
}

// GetOrder returns an order snapshot.
func (e *Engine) GetOrder(id uint64) (model.Order, error) {
	return e.book.GetOrder(id)
}

// GetPosition returns a position snapshot.
func (e *Engine) GetPosition(id uint64) (model.Position, error) {
	return e.book.GetPosition(id)
}

// OrdersByOwner returns a trader's orders for a market, oldest first.
func (e *Engine) OrdersByOwner(owner, market string) []model.Order {
	return e.book.OrdersByOwner(owner, market)
}

// PoolSnapshot returns the pool accounting view for a market.
func (e *Engine) PoolSnapshot(market string) (model.PoolSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.marketCfg(market); err != nil {
		return model.PoolSnapshot{}, err
	}
	now := e.clock()
	poolPnl, err := e.poolPnlLocked(now)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	return e.pool.Snapshot(market, poolPnl, now), nil
}

// invalidatePoolCacheLocked drops every market's cached pool view; the
// share price embedded in each one moves with the pool's balance.
func (e *Engine) invalidatePoolCacheLocked() {
	if e.cache == nil {
		return
	}
	ctx := context.Background()
	for symbol := range e.markets {
		e.cache.InvalidatePool(ctx, symbol)
	}
}

func (e *Engine) archiveOrder(o *model.Order) {
	ctx := context.Background()
	if err := e.archive.ArchiveOrder(ctx, o); err != nil {
		e.log.Error("order archive failed", "order_id", o.ID, "err", err)
	}
	if e.cache != nil {
		e.cache.PutOrder(ctx, o)
	}
}

func (e *Engine) archivePosition(p *model.Position) {
	ctx := context.Background()
	if err := e.archive.ArchivePosition(ctx, p); err != nil {
		e.log.Error("position archive failed", "position_id", p.ID, "err", err)
	}
	if e.cache != nil {
		e.cache.PutPosition(ctx, p)
	}
}
