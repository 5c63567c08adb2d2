package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/funding"
	"github.com/perpx/perp-engine/internal/insurance"
	"github.com/perpx/perp-engine/internal/ledger"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/oracle"
	"github.com/perpx/perp-engine/internal/pool"
	"github.com/perpx/perp-engine/internal/referral"
	"github.com/perpx/perp-engine/internal/vault"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const market = "ETH_USD"

type fixture struct {
	t     *testing.T
	eng   *Engine
	vlt   *vault.Vault
	pl    *pool.Pool
	ins   *insurance.Fund
	now   time.Time
	fills []model.Order
}

type fixtureOpts struct {
	ratePerHour   string
	fundingRate8h string
	executeFee    string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, fixtureOpts{ratePerHour: "0", fundingRate8h: "0"})
}

func newFixtureWith(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()

	if fo.executeFee == "" {
		fo.executeFee = "0"
	}
	f := &fixture{
		t:   t,
		now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	feedCfg := oracle.DefaultConfig()
	feed := oracle.NewFeed(feedCfg, oracle.StaticSigners{"keeper1": true}, nil)

	poolCfg := pool.DefaultConfig()
	poolCfg.RatePerHour = d(fo.ratePerHour)
	f.pl = pool.New(poolCfg, f.now)

	f.vlt = vault.New()
	f.ins = insurance.New()
	book := ledger.New()
	ref := referral.NewBook(d("0.1"), d("0.1"))

	f.eng = New(feed, f.pl, book, f.vlt, ref, f.ins, Options{
		ExecuteFee:    d(fo.executeFee),
		FundingParams: funding.Params{BaseRatePer8h: d(fo.fundingRate8h)},
		Clock:         func() time.Time { return f.now },
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		FillHook:      func(o model.Order) { f.fills = append(f.fills, o) },
	})

	f.eng.AddMarket(model.MarketConfig{
		Symbol:               market,
		MM:                   d("0.005"),
		LiquidateRate:        d("0.002"),
		TradeFeeRate:         d("0.001"),
		MakerFeeRate:         d("0.0005"),
		TakerLeverageMin:     d("1"),
		TakerLeverageMax:     d("100"),
		TakerMarginMin:       d("1"),
		TakerMarginMax:       d("1000000"),
		TakerValueMin:        d("1"),
		TakerValueMax:        d("10000000"),
		Dust:                 d("0.0001"),
		DMMultiplier:         d("2"),
		CancelElapse:         300 * time.Second,
		TriggerOrderDuration: 7 * 24 * time.Hour,
	})

	// Seed the pool with 10000 collateral from an LP.
	f.vlt.Deposit("lp", d("10000"))
	if _, err := f.eng.AddLiquidity("lp", d("10000")); err != nil {
		t.Fatalf("seed liquidity: %v", err)
	}
	return f
}

func (f *fixture) advance(dur time.Duration) { f.now = f.now.Add(dur) }

// push submits a signed single-price batch and runs the state machine.
func (f *fixture) push(price string) {
	f.t.Helper()
	err := f.eng.ProcessPriceBatch(context.Background(),
		[]model.PriceUpdate{{Symbol: market, Price: d(price), Timestamp: f.now}},
		[]model.Attestation{{Signer: "keeper1"}},
	)
	if err != nil {
		f.t.Fatalf("price batch %s: %v", price, err)
	}
}

func (f *fixture) deposit(owner, amount string) {
	f.t.Helper()
	if err := f.vlt.Deposit(owner, d(amount)); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) open(owner string, dir model.Direction, margin, leverage string) uint64 {
	f.t.Helper()
	id, err := f.eng.CreateOrder(OpenRequest{
		Owner:     owner,
		Market:    market,
		Direction: dir,
		Margin:    d(margin),
		Leverage:  d(leverage),
	})
	if err != nil {
		f.t.Fatalf("open order: %v", err)
	}
	return id
}

func (f *fixture) close(owner string, positionID uint64, amount string) uint64 {
	f.t.Helper()
	id, err := f.eng.CreateCloseOrder(CloseRequest{
		Owner:      owner,
		Market:     market,
		PositionID: positionID,
		Amount:     d(amount),
	})
	if err != nil {
		f.t.Fatalf("close order: %v", err)
	}
	return id
}

func (f *fixture) executedOrder(id uint64) model.Order {
	f.t.Helper()
	o, err := f.eng.GetOrder(id)
	if err != nil {
		f.t.Fatal(err)
	}
	if o.Status != model.StatusExecuted {
		f.t.Fatalf("order %d status = %v (%s), want executed", id, o.Status, o.StatusNote)
	}
	return o
}

func TestFlatOpenCloseCostsExactlyFees(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	closeID := f.close("alice", o.PositionID, "1")
	f.push("1000")
	c := f.executedOrder(closeID)

	if !c.RlzPnl.IsZero() {
		t.Fatalf("flat close pnl = %s, want 0", c.RlzPnl)
	}
	// Open fee: 1000 * 0.001 = 1. Close fee: 1 * 1000 * 0.001 = 1.
	want := d("998")
	if got := f.vlt.Balance("alice"); !got.Equal(want) {
		t.Fatalf("balance = %s, want %s", got, want)
	}

	p, err := f.eng.GetPosition(o.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.PositionClosed || !p.Amount.IsZero() {
		t.Fatalf("position not closed: %+v", p)
	}

	// Both executions reached the fill hook.
	if len(f.fills) != 2 {
		t.Fatalf("fill notifications = %d, want 2", len(f.fills))
	}
	if f.fills[0].ID != openID || f.fills[1].ID != closeID {
		t.Fatalf("fill order ids = %d, %d", f.fills[0].ID, f.fills[1].ID)
	}
}

func TestProfitableRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1100")
	o := f.executedOrder(openID)

	// Amount = 1000/1100; pnl at 1300 is about 181.8.
	f.push("1200")
	f.push("1300")
	closeID := f.close("alice", o.PositionID, "1")
	f.push("1300")
	c := f.executedOrder(closeID)

	if c.RlzPnl.LessThan(d("181")) || c.RlzPnl.GreaterThan(d("182")) {
		t.Fatalf("pnl = %s, want about 181.8", c.RlzPnl)
	}
	if got := f.vlt.Balance("alice"); got.LessThanOrEqual(d("1000")) {
		t.Fatalf("balance = %s, want profit over 1000", got)
	}
}

func TestLosingTradeCappedByMargin(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	// 20% drop on 10x leverage wipes the margin; loss is capped at it.
	f.push("950")
	f.push("900")
	f.push("850")
	f.push("800")
	closeID := f.close("alice", o.PositionID, "1")
	f.push("800")
	c := f.executedOrder(closeID)

	if !c.RlzPnl.Equal(d("-100")) {
		t.Fatalf("pnl = %s, want -100 (capped at margin)", c.RlzPnl)
	}
}

func TestProfitCappedByMakerMargin(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	// Position amount 1, maker margin 1000: profit caps at +1000.
	for _, p := range []string{"1090", "1180", "1270", "1380", "1500", "1630", "1770", "1930", "2100"} {
		f.push(p)
	}
	closeID := f.close("alice", o.PositionID, "1")
	f.push("2100")
	c := f.executedOrder(closeID)

	if !c.RlzPnl.Equal(d("1000")) {
		t.Fatalf("pnl = %s, want 1000 (capped at maker margin)", c.RlzPnl)
	}
}

func TestOverCloseCapsAtPositionAmount(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	closeID := f.close("alice", o.PositionID, "5")
	f.push("1000")
	c := f.executedOrder(closeID)

	if !c.Amount.Equal(d("1")) {
		t.Fatalf("closed amount = %s, want capped at 1", c.Amount)
	}
}

func TestPartialClose(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	closeID := f.close("alice", o.PositionID, "0.4")
	f.push("1000")
	f.executedOrder(closeID)

	p, err := f.eng.GetPosition(o.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Amount.Equal(d("0.6")) {
		t.Fatalf("remaining amount = %s, want 0.6", p.Amount)
	}
	if !p.TakerMargin.Equal(d("60")) {
		t.Fatalf("remaining margin = %s, want 60", p.TakerMargin)
	}
	if p.Status != model.PositionOpen {
		t.Fatalf("status = %v, want open", p.Status)
	}
}

func TestOneWayOppositeOpenNetsOut(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	longID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	lo := f.executedOrder(longID)

	shortID := f.open("alice", model.Short, "100", "10")
	f.push("1000")
	f.executedOrder(shortID)

	p, err := f.eng.GetPosition(lo.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.PositionClosed {
		t.Fatalf("netted position status = %v, want closed", p.Status)
	}
	// Two fees of 1 each; the netting open's margin comes straight back.
	if got := f.vlt.Balance("alice"); !got.Equal(d("998")) {
		t.Fatalf("balance = %s, want 998", got)
	}
}

func TestHedgeModeKeepsBothSides(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	if err := f.eng.SetPositionMode("alice", market, model.Hedge); err != nil {
		t.Fatal(err)
	}

	longID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	lo := f.executedOrder(longID)

	shortID := f.open("alice", model.Short, "100", "10")
	f.push("1000")
	so := f.executedOrder(shortID)

	if lo.PositionID == so.PositionID {
		t.Fatal("hedge mode should keep separate long and short positions")
	}
	lp, _ := f.eng.GetPosition(lo.PositionID)
	sp, _ := f.eng.GetPosition(so.PositionID)
	if lp.Status != model.PositionOpen || sp.Status != model.PositionOpen {
		t.Fatalf("both sides should stay open: %v %v", lp.Status, sp.Status)
	}
}

func TestModeSwitchRefusedWithOpenPosition(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	f.open("alice", model.Long, "100", "10")
	f.push("1000")

	err := f.eng.SetPositionMode("alice", market, model.Hedge)
	if !errors.Is(err, ledger.ErrModeLocked) {
		t.Fatalf("err = %v, want ErrModeLocked", err)
	}
}

func TestSameDirectionOpensMerge(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	firstID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	first := f.executedOrder(firstID)

	secondID := f.open("alice", model.Long, "50", "10")
	f.push("1000")
	second := f.executedOrder(secondID)

	if first.PositionID != second.PositionID {
		t.Fatal("same-direction open should merge into the existing position")
	}
	p, _ := f.eng.GetPosition(first.PositionID)
	if !p.Amount.Equal(d("1.5")) {
		t.Fatalf("merged amount = %s, want 1.5", p.Amount)
	}
	if !p.TakerMargin.Equal(d("150")) {
		t.Fatalf("merged margin = %s, want 150", p.TakerMargin)
	}
}

func TestTriggerOrderWaitsForCondition(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	id, err := f.eng.CreateOrder(OpenRequest{
		Owner:            "alice",
		Market:           market,
		Direction:        model.Short,
		Margin:           d("100"),
		Leverage:         d("10"),
		TriggerDirection: model.TriggerBelow,
		TriggerPrice:     d("1100"),
	})
	if err != nil {
		t.Fatal(err)
	}

	f.push("1150")
	o, _ := f.eng.GetOrder(id)
	if o.Status != model.StatusPending {
		t.Fatalf("status above trigger = %v, want pending", o.Status)
	}

	f.push("1100")
	o = f.executedOrder(id)
	if !o.ExecPrice.Equal(d("1100")) {
		t.Fatalf("exec price = %s, want 1100", o.ExecPrice)
	}
}

func TestTriggerOrderStaysPendingOutsideBounds(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	id, err := f.eng.CreateOrder(OpenRequest{
		Owner:            "alice",
		Market:           market,
		Direction:        model.Short,
		Margin:           d("100"),
		Leverage:         d("10"),
		MinPrice:         d("1095"),
		TriggerDirection: model.TriggerBelow,
		TriggerPrice:     d("1100"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Trigger condition met but the trade price is below the slippage
	// floor; the order waits instead of failing.
	f.push("1080")
	o, _ := f.eng.GetOrder(id)
	if o.Status != model.StatusPending {
		t.Fatalf("status outside bounds = %v (%s), want pending", o.Status, o.StatusNote)
	}

	f.push("1095")
	o = f.executedOrder(id)
	if !o.ExecPrice.Equal(d("1095")) {
		t.Fatalf("exec price = %s, want 1095", o.ExecPrice)
	}
}

func TestOpenOrderCarriesTPSL(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	id, err := f.eng.CreateOrder(OpenRequest{
		Owner:           "alice",
		Market:          market,
		Direction:       model.Long,
		Margin:          d("100"),
		Leverage:        d("10"),
		TakeProfitPrice: d("1100"),
		StopLossPrice:   d("950"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.push("1000")
	o := f.executedOrder(id)

	p, err := f.eng.GetPosition(o.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if !p.TakeProfitPrice.Equal(d("1100")) || !p.StopLossPrice.Equal(d("950")) {
		t.Fatalf("tp/sl = %s/%s, want 1100/950", p.TakeProfitPrice, p.StopLossPrice)
	}
}

func TestOrderExpiresAfterCancelElapse(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	f.push("1000")
	f.advance(time.Second)
	id := f.open("alice", model.Long, "100", "10")

	// The batch arrives past the cancel window; the order is auto-canceled
	// before execution.
	f.advance(301 * time.Second)
	f.push("1000")

	o, _ := f.eng.GetOrder(id)
	if o.Status != model.StatusCanceled {
		t.Fatalf("status = %v (%s), want canceled", o.Status, o.StatusNote)
	}
	if got := f.vlt.Balance("alice"); !got.Equal(d("1000")) {
		t.Fatalf("balance = %s, want full refund", got)
	}
}

func TestCancelRefundsEscrow(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	id := f.open("alice", model.Long, "100", "10")
	if got := f.vlt.Balance("alice"); !got.Equal(d("900")) {
		t.Fatalf("escrow not taken: %s", got)
	}
	if err := f.eng.CancelOrder("alice", id); err != nil {
		t.Fatal(err)
	}
	if got := f.vlt.Balance("alice"); !got.Equal(d("1000")) {
		t.Fatalf("balance = %s, want 1000 after refund", got)
	}

	// A canceled order does not execute later.
	f.push("1000")
	o, _ := f.eng.GetOrder(id)
	if o.Status != model.StatusCanceled {
		t.Fatalf("status = %v, want canceled", o.Status)
	}
}

func TestPriceOutOfBoundsFailsOrder(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	id, err := f.eng.CreateOrder(OpenRequest{
		Owner:     "alice",
		Market:    market,
		Direction: model.Long,
		Margin:    d("100"),
		Leverage:  d("10"),
		MaxPrice:  d("900"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.push("1000")

	o, _ := f.eng.GetOrder(id)
	if o.Status != model.StatusFailed {
		t.Fatalf("status = %v, want failed", o.Status)
	}
	if got := f.vlt.Balance("alice"); !got.Equal(d("1000")) {
		t.Fatalf("balance = %s, want full refund on failure", got)
	}
}

func TestRejectedBatchChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	id := f.open("alice", model.Long, "100", "10")

	err := f.eng.ProcessPriceBatch(context.Background(),
		[]model.PriceUpdate{{Symbol: market, Price: d("1000"), Timestamp: f.now}},
		[]model.Attestation{{Signer: "mallory"}},
	)
	if !errors.Is(err, oracle.ErrInsufficientSigners) {
		t.Fatalf("err = %v, want ErrInsufficientSigners", err)
	}

	o, _ := f.eng.GetOrder(id)
	if o.Status != model.StatusPending {
		t.Fatalf("status = %v, want still pending", o.Status)
	}
}

func TestLiquidationExactlyAtThreshold(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	liq, err := f.eng.PositionLiqPrice(o.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	// 0.002*1000 + 1000 - 100 = 902 for amount 1.
	if !liq.Equal(d("902")) {
		t.Fatalf("liq price = %s, want 902", liq)
	}

	// One tick above the threshold: not liquidatable.
	f.push("950")
	f.push("903")
	err = f.eng.Liquidate(market, o.PositionID, model.ActionLiquidate, decimal.Zero, "keeper-bot")
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("err = %v, want ErrNotLiquidatable", err)
	}

	// At the threshold: liquidation executes and confiscates the residue.
	f.push("902")
	if err := f.eng.Liquidate(market, o.PositionID, model.ActionLiquidate, decimal.Zero, "keeper-bot"); err != nil {
		t.Fatal(err)
	}

	p, _ := f.eng.GetPosition(o.PositionID)
	if p.Status != model.PositionClosed {
		t.Fatalf("status = %v, want closed", p.Status)
	}
	// Residual equity 100 - 98 minus the 0.902 close fee.
	if got := f.ins.Balance(); !got.Equal(d("1.098")) {
		t.Fatalf("insurance balance = %s, want 1.098", got)
	}
	// The trader receives nothing from a forced liquidation.
	if got := f.vlt.Balance("alice"); !got.Equal(d("899")) {
		t.Fatalf("balance = %s, want 899", got)
	}
}

func TestLiquidateAtSuppliedPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	f.push("950")
	f.push("902")

	// A settlement price outside the feed's band is refused.
	err := f.eng.Liquidate(market, o.PositionID, model.ActionLiquidate, d("901"), "")
	if !errors.Is(err, ErrBadLiquidatePrice) {
		t.Fatalf("err = %v, want ErrBadLiquidatePrice", err)
	}

	if err := f.eng.Liquidate(market, o.PositionID, model.ActionLiquidate, d("902"), ""); err != nil {
		t.Fatal(err)
	}
	p, _ := f.eng.GetPosition(o.PositionID)
	if p.Status != model.PositionClosed {
		t.Fatalf("status = %v, want closed", p.Status)
	}
	// Same settlement as the feed price: 100 - 98 - 0.902.
	if got := f.ins.Balance(); !got.Equal(d("1.098")) {
		t.Fatalf("insurance balance = %s, want 1.098", got)
	}
}

func TestLiquidatorRewardPaidFromInsurance(t *testing.T) {
	f := newFixtureWith(t, fixtureOpts{ratePerHour: "0", fundingRate8h: "0", executeFee: "1"})
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	f.push("950")
	f.push("902")
	if err := f.eng.Liquidate(market, o.PositionID, model.ActionLiquidate, decimal.Zero, "keeper-bot"); err != nil {
		t.Fatal(err)
	}

	// Confiscated residue 1.098 funds the reward, leaving 0.098.
	if got := f.vlt.Balance("keeper-bot"); !got.Equal(d("1")) {
		t.Fatalf("keeper balance = %s, want 1", got)
	}
	if got := f.ins.Balance(); !got.Equal(d("0.098")) {
		t.Fatalf("insurance balance = %s, want 0.098", got)
	}
}

func TestLiquidatableFlagFollowsMaintenanceMargin(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	// MM 0.005: ratio hits it at price 905.
	f.push("950")
	f.push("906")
	status, err := f.eng.PositionStatus(o.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if status != model.PositionOpen {
		t.Fatalf("status at 906 = %v, want open", status)
	}

	f.push("905")
	status, _ = f.eng.PositionStatus(o.PositionID)
	if status != model.PositionLiquidatable {
		t.Fatalf("status at 905 = %v, want liquidatable", status)
	}
	p, _ := f.eng.GetPosition(o.PositionID)
	if p.Status != model.PositionLiquidatable {
		t.Fatalf("stored flag = %v, want liquidatable", p.Status)
	}
}

func TestUserTakeProfitAndStopLoss(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	if err := f.eng.SetTPSL("alice", o.PositionID, d("1100"), d("950")); err != nil {
		t.Fatal(err)
	}

	// TP not reached yet.
	f.push("1050")
	err := f.eng.Liquidate(market, o.PositionID, model.ActionUserTakeProfit, decimal.Zero, "")
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("err = %v, want ErrNotLiquidatable", err)
	}

	f.push("1100")
	if err := f.eng.Liquidate(market, o.PositionID, model.ActionUserTakeProfit, decimal.Zero, ""); err != nil {
		t.Fatal(err)
	}

	// TP payout goes to the trader, unlike a forced liquidation.
	if got := f.vlt.Balance("alice"); got.LessThan(d("1090")) {
		t.Fatalf("balance = %s, want roughly 100 profit", got)
	}
}

func TestBorrowInterestChargedOnClose(t *testing.T) {
	f := newFixtureWith(t, fixtureOpts{ratePerHour: "0.0001", fundingRate8h: "0"})
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	f.advance(time.Hour)
	closeID := f.close("alice", o.PositionID, "1")
	f.push("1000")
	c := f.executedOrder(closeID)

	// One hour of per-second compounding on 1000 borrowed.
	if c.InterestPayment.LessThan(d("0.1")) || c.InterestPayment.GreaterThan(d("0.11")) {
		t.Fatalf("interest = %s, want about 0.1", c.InterestPayment)
	}

	// The index never decreases.
	ig1 := f.eng.CurrentBorrowIG(model.Long)
	f.advance(time.Hour)
	ig2 := f.eng.CurrentBorrowIG(model.Long)
	if ig2.LessThan(ig1) {
		t.Fatalf("borrow index decreased: %s -> %s", ig1, ig2)
	}
}

func TestFundingPaidBySkewSide(t *testing.T) {
	f := newFixtureWith(t, fixtureOpts{ratePerHour: "0", fundingRate8h: "0.0001"})
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	// Only longs: premium 1, a full 8h interval accrues 1000*0.0001 = 0.1
	// per contract, paid by the long.
	f.advance(8 * time.Hour)
	closeID := f.close("alice", o.PositionID, "1")
	f.push("1000")
	c := f.executedOrder(closeID)

	if !c.FundingPayment.Equal(d("0.1")) {
		t.Fatalf("funding = %s, want 0.1", c.FundingPayment)
	}
}

func TestMaxDecreaseMarginAndWithdrawal(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)

	max, err := f.eng.MaxDecreaseMargin(o.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	// Leverage floor 1000/100 = 10 and ratio floor 1000*0.005*2 = 10 both
	// leave 90 withdrawable.
	if !max.Equal(d("90")) {
		t.Fatalf("max decrease = %s, want 90", max)
	}

	err = f.eng.UpdateMargin("alice", o.PositionID, d("-91"))
	if !errors.Is(err, ErrDecreaseTooLarge) {
		t.Fatalf("err = %v, want ErrDecreaseTooLarge", err)
	}
	if err := f.eng.UpdateMargin("alice", o.PositionID, d("-90")); err != nil {
		t.Fatal(err)
	}
	p, _ := f.eng.GetPosition(o.PositionID)
	if !p.TakerMargin.Equal(d("10")) {
		t.Fatalf("margin = %s, want 10", p.TakerMargin)
	}
}

func TestSharePriceGrowsWithFees(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	openID := f.open("alice", model.Long, "100", "10")
	f.push("1000")
	o := f.executedOrder(openID)
	closeID := f.close("alice", o.PositionID, "1")
	f.push("1000")
	f.executedOrder(closeID)

	// Maker fees accrued to the pool on both fills.
	price, err := f.eng.SharePrice()
	if err != nil {
		t.Fatal(err)
	}
	if !price.GreaterThan(d("1")) {
		t.Fatalf("share price = %s, want above 1 after fee income", price)
	}
}

func TestLeverageBounds(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	_, err := f.eng.CreateOrder(OpenRequest{
		Owner: "alice", Market: market, Direction: model.Long,
		Margin: d("100"), Leverage: d("101"),
	})
	if !errors.Is(err, ErrLeverageOutOfRange) {
		t.Fatalf("err = %v, want ErrLeverageOutOfRange", err)
	}
	_, err = f.eng.CreateOrder(OpenRequest{
		Owner: "alice", Market: market, Direction: model.Long,
		Margin: d("100"), Leverage: d("0.5"),
	})
	if !errors.Is(err, ErrLeverageOutOfRange) {
		t.Fatalf("err = %v, want ErrLeverageOutOfRange", err)
	}
}

func TestUnknownMarketRejected(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", "1000")

	_, err := f.eng.CreateOrder(OpenRequest{
		Owner: "alice", Market: "DOGE_USD", Direction: model.Long,
		Margin: d("100"), Leverage: d("10"),
	})
	if !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("err = %v, want ErrUnknownMarket", err)
	}
}
