// Package model defines the core domain types shared across the perp engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a position or order. Long is +1, Short is -1 so
// pnl math can use the value as a sign directly.
type Direction int8

const (
	Long  Direction = 1
	Short Direction = -1
)

// Sign returns the direction as a decimal multiplier.
func (d Direction) Sign() decimal.Decimal {
	return decimal.NewFromInt(int64(d))
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction { return -d }

func (d Direction) String() string {
	if d == Long {
		return "long"
	}
	return "short"
}

// PositionMode controls how a trader's position id resolves per market.
type PositionMode uint8

const (
	// OneWay: at most one position per market; opposite opens net against it.
	OneWay PositionMode = iota
	// Hedge: independent long and short positions may coexist.
	Hedge
)

func (m PositionMode) String() string {
	if m == Hedge {
		return "hedge"
	}
	return "one-way"
}

// OrderKind distinguishes immediate orders from trigger orders.
type OrderKind uint8

const (
	KindOpen OrderKind = iota
	KindClose
	KindTriggerOpen
	KindTriggerClose
)

func (k OrderKind) String() string {
	switch k {
	case KindClose:
		return "close"
	case KindTriggerOpen:
		return "trigger_open"
	case KindTriggerClose:
		return "trigger_close"
	default:
		return "open"
	}
}

// IsTrigger reports whether the order only executes once its trigger
// condition is met.
func (k OrderKind) IsTrigger() bool { return k == KindTriggerOpen || k == KindTriggerClose }

// IsClose reports whether the order reduces a position.
func (k OrderKind) IsClose() bool { return k == KindClose || k == KindTriggerClose }

// OrderStatus is the order lifecycle state. Executed, Failed, and Canceled
// are terminal; an order reaches a terminal state exactly once.
type OrderStatus uint8

const (
	StatusPending OrderStatus = iota
	StatusExecuted
	StatusFailed
	StatusCanceled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusExecuted:
		return "executed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "pending"
	}
}

// Terminal reports whether the status admits no further transition.
func (s OrderStatus) Terminal() bool { return s != StatusPending }

// PositionStatus is the lifecycle status exposed by getPositionStatus.
type PositionStatus uint8

const (
	PositionOpen PositionStatus = iota
	PositionLiquidatable
	PositionClosed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionLiquidatable:
		return "liquidatable"
	case PositionClosed:
		return "closed"
	default:
		return "open"
	}
}

// TriggerDirection selects the comparison for a trigger order: with
// TriggerAbove the order fires once the trade price is at or above the
// trigger price, with TriggerBelow at or below.
type TriggerDirection int8

const (
	TriggerNone  TriggerDirection = 0
	TriggerAbove TriggerDirection = 1
	TriggerBelow TriggerDirection = -1
)

// LiquidateAction is the action code passed to the liquidation entrypoint.
// Values follow the reference order-type table.
type LiquidateAction uint8

const (
	ActionLiquidate      LiquidateAction = 4
	ActionTakeProfit     LiquidateAction = 5
	ActionUserTakeProfit LiquidateAction = 6
	ActionUserStopLoss   LiquidateAction = 7
)

// MarketConfig is the per-market parameter set. Immutable from the engine's
// point of view; only an external admin action replaces it.
type MarketConfig struct {
	Symbol string `json:"symbol"`

	// MM is the maintenance-margin ratio at or below which a position is
	// flagged liquidatable. LiquidateRate is the (lower) margin ratio at or
	// below which a liquidation request may execute.
	MM            decimal.Decimal `json:"mm"`
	LiquidateRate decimal.Decimal `json:"liquidate_rate"`

	TradeFeeRate decimal.Decimal `json:"trade_fee_rate"`
	MakerFeeRate decimal.Decimal `json:"maker_fee_rate"`

	TakerLeverageMin decimal.Decimal `json:"taker_leverage_min"`
	TakerLeverageMax decimal.Decimal `json:"taker_leverage_max"`
	TakerMarginMin   decimal.Decimal `json:"taker_margin_min"`
	TakerMarginMax   decimal.Decimal `json:"taker_margin_max"`
	TakerValueMin    decimal.Decimal `json:"taker_value_min"`
	TakerValueMax    decimal.Decimal `json:"taker_value_max"`
	TakerValueLimit  decimal.Decimal `json:"taker_value_limit"`

	// Dust: amounts below this are disallowed to prevent rounding residue.
	Dust decimal.Decimal `json:"dust"`

	// DMMultiplier scales the maintenance threshold when bounding margin
	// withdrawal (getMaxDecreaseMargin).
	DMMultiplier decimal.Decimal `json:"dm_multiplier"`

	// Feature pause flags.
	CreateOrderPaused        bool `json:"create_order_paused"`
	SetTPSLPricePaused       bool `json:"set_tpsl_price_paused"`
	CreateTriggerOrderPaused bool `json:"create_trigger_order_paused"`
	UpdateMarginPaused       bool `json:"update_margin_paused"`

	// CancelElapse: a pending immediate order older than this is canceled
	// during batch processing. TriggerOrderDuration: trigger orders expire
	// unexecuted after this window.
	CancelElapse         time.Duration `json:"cancel_elapse"`
	TriggerOrderDuration time.Duration `json:"trigger_order_duration"`
}

// Position is the canonical per-trader, per-market open exposure record.
// Invariants: Amount >= 0; Value = Amount x entry reference price.
type Position struct {
	ID        uint64       `json:"id"`
	Owner     string       `json:"owner"`
	Market    string       `json:"market"`
	Mode      PositionMode `json:"mode"`
	Direction Direction    `json:"direction"`

	Amount decimal.Decimal `json:"amount"`
	Value  decimal.Decimal `json:"value"`

	TakerMargin decimal.Decimal `json:"taker_margin"`
	MakerMargin decimal.Decimal `json:"maker_margin"`

	// FundingPayment accumulates settled funding (positive = paid by the
	// position). DebtShare is the pool-borrowing accounting unit;
	// LastBorrowIG the borrow index at the last interest settlement.
	FundingPayment decimal.Decimal `json:"funding_payment"`
	DebtShare      decimal.Decimal `json:"debt_share"`
	LastBorrowIG   decimal.Decimal `json:"last_borrow_ig"`

	// LastFundingIndex is the market funding index checkpoint.
	LastFundingIndex decimal.Decimal `json:"last_funding_index"`

	// Pnl is realized pnl accumulated over the position's life.
	Pnl decimal.Decimal `json:"pnl"`

	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`

	Status       PositionStatus `json:"status"`
	LastUpdateTs time.Time      `json:"last_update_ts"`
}

// EntryPrice returns Value/Amount at the given scale, zero for an empty
// position.
func (p *Position) EntryPrice(scale int32) decimal.Decimal {
	if p.Amount.IsZero() {
		return decimal.Zero
	}
	return p.Value.DivRound(p.Amount, scale+2).Truncate(scale)
}

// Order is the ledger record of a submitted open/close request.
type Order struct {
	ID     uint64    `json:"id"`
	Owner  string    `json:"owner"`
	Market string    `json:"market"`
	Kind   OrderKind `json:"kind"`

	Direction Direction `json:"direction"`

	// Open parameters.
	Margin   decimal.Decimal `json:"margin"`
	Leverage decimal.Decimal `json:"leverage"`

	// Close parameters.
	PositionID uint64          `json:"position_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`

	MinPrice decimal.Decimal `json:"min_price"`
	MaxPrice decimal.Decimal `json:"max_price"`

	TriggerDirection TriggerDirection `json:"trigger_direction"`
	TriggerPrice     decimal.Decimal  `json:"trigger_price"`

	InviterCode string `json:"inviter_code,omitempty"`

	// TP/SL prices stamped onto the position when the open fills.
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`

	// Fee breakdown, filled on execution.
	TakerFee      decimal.Decimal `json:"taker_fee"`
	FeeToInviter  decimal.Decimal `json:"fee_to_inviter"`
	FeeToExchange decimal.Decimal `json:"fee_to_exchange"`
	FeeToMaker    decimal.Decimal `json:"fee_to_maker"`
	FeeToDiscount decimal.Decimal `json:"fee_to_discount"`
	ExecuteFee    decimal.Decimal `json:"execute_fee"`

	// Settlement results, filled on execution.
	RlzPnl          decimal.Decimal `json:"rlz_pnl"`
	InterestPayment decimal.Decimal `json:"interest_payment"`
	FundingPayment  decimal.Decimal `json:"funding_payment"`
	ExecPrice       decimal.Decimal `json:"exec_price"`

	Status     OrderStatus `json:"status"`
	StatusNote string      `json:"status_note,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ExecutedAt time.Time   `json:"executed_at,omitempty"`
}

// PriceUpdate is one (symbol, price, timestamp) tuple of a batch submission.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Attestation binds a signer to a batch of price updates. The engine treats
// the signature as opaque; an oracle.Authorizer decides whether the signer
// is trusted.
type Attestation struct {
	Signer    string `json:"signer"`
	Signature []byte `json:"signature"`
}

// PoolSnapshot is the read-only view of the pool's per-market accounting.
type PoolSnapshot struct {
	Market           string          `json:"market"`
	TakerTotalMargin decimal.Decimal `json:"taker_total_margin"`
	MakerMarginUsed  decimal.Decimal `json:"maker_margin_used"`
	LongBorrowShare  decimal.Decimal `json:"long_borrow_share"`
	ShortBorrowShare decimal.Decimal `json:"short_borrow_share"`
	LongBorrowIG     decimal.Decimal `json:"long_borrow_ig"`
	ShortBorrowIG    decimal.Decimal `json:"short_borrow_ig"`
	SharePrice       decimal.Decimal `json:"share_price"`
	CumulateRmLiqFee decimal.Decimal `json:"cumulate_rm_liq_fee"`
}
