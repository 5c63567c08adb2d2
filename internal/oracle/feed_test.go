package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpx/perp-engine/internal/errs"
	"github.com/perpx/perp-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type stubPrimary struct {
	price decimal.Decimal
	err   error
}

func (s stubPrimary) LatestPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	return s.price, s.err
}

func update(symbol, price string, ts time.Time) model.PriceUpdate {
	return model.PriceUpdate{Symbol: symbol, Price: d(price), Timestamp: ts}
}

func atts(signers ...string) []model.Attestation {
	out := make([]model.Attestation, 0, len(signers))
	for _, s := range signers {
		out = append(out, model.Attestation{Signer: s})
	}
	return out
}

func newTestFeed(primary PrimarySource) *Feed {
	cfg := DefaultConfig()
	return NewFeed(cfg, StaticSigners{"keeper1": true, "keeper2": true}, primary)
}

func TestQuorum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAuthorizations = 2
	feed := NewFeed(cfg, StaticSigners{"keeper1": true, "keeper2": true}, nil)

	updates := []model.PriceUpdate{update("ETH_USD", "1000", t0)}

	err := feed.SubmitPrices(context.Background(), updates, atts("keeper1"), t0)
	require.ErrorIs(t, err, ErrInsufficientSigners)

	// The same signer attesting twice still counts once.
	err = feed.SubmitPrices(context.Background(), updates, atts("keeper1", "keeper1"), t0)
	require.ErrorIs(t, err, ErrInsufficientSigners)

	// Unauthorized signers do not count toward the quorum.
	err = feed.SubmitPrices(context.Background(), updates, atts("keeper1", "mallory"), t0)
	require.ErrorIs(t, err, ErrInsufficientSigners)

	err = feed.SubmitPrices(context.Background(), updates, atts("keeper1", "keeper2"), t0)
	require.NoError(t, err)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	feed := newTestFeed(nil)

	require.NoError(t, feed.SubmitPrices(context.Background(),
		[]model.PriceUpdate{update("BTC_USD", "50000", t0)}, atts("keeper1"), t0))

	// One bad update poisons the whole batch; the good BTC update must not
	// land either.
	err := feed.SubmitPrices(context.Background(), []model.PriceUpdate{
		update("BTC_USD", "51000", t0.Add(time.Minute)),
		update("ETH_USD", "0", t0.Add(time.Minute)),
	}, atts("keeper1"), t0.Add(time.Minute))
	require.ErrorIs(t, err, ErrInvalidPrice)

	price, err := feed.PriceForIndex("BTC_USD", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, price.Equal(d("50000")), "rejected batch must not move the sample, got %s", price)

	_, err = feed.PriceForIndex("ETH_USD", t0.Add(time.Minute))
	require.ErrorIs(t, err, ErrNoSample)
}

func TestDeviationAgainstPreviousSample(t *testing.T) {
	feed := newTestFeed(nil)
	ctx := context.Background()

	require.NoError(t, feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1000", t0)}, atts("keeper1"), t0))

	// 10% bound: 1100 is exactly at it, 1101 just over.
	err := feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1101", t0.Add(time.Second))}, atts("keeper1"), t0.Add(time.Second))
	require.ErrorIs(t, err, ErrDeviationExceeded)

	err = feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1100", t0.Add(time.Second))}, atts("keeper1"), t0.Add(time.Second))
	require.NoError(t, err)
}

func TestDeviationAgainstPrimary(t *testing.T) {
	feed := newTestFeed(stubPrimary{price: d("1000")})
	ctx := context.Background()

	// First sample, no previous: the primary still bounds it.
	err := feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1200", t0)}, atts("keeper1"), t0)
	require.ErrorIs(t, err, ErrDeviationExceeded)

	err = feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1050", t0)}, atts("keeper1"), t0)
	require.NoError(t, err)
}

func TestPrimaryFailureWidensSpreadInsteadOfRejecting(t *testing.T) {
	feed := newTestFeed(stubPrimary{err: errors.New("rpc timeout")})
	ctx := context.Background()

	require.NoError(t, feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1000", t0)}, atts("keeper1"), t0))

	// Chain-error spread is 500 bps.
	ask, err := feed.PriceForTrade("ETH_USD", true, t0)
	require.NoError(t, err)
	assert.True(t, ask.Equal(d("1050")), "ask = %s", ask)

	bid, err := feed.PriceForTrade("ETH_USD", false, t0)
	require.NoError(t, err)
	assert.True(t, bid.Equal(d("950")), "bid = %s", bid)

	// The index price stays unspread.
	index, err := feed.PriceForIndex("ETH_USD", t0)
	require.NoError(t, err)
	assert.True(t, index.Equal(d("1000")))
}

func TestInactiveSampleWidensSpread(t *testing.T) {
	feed := newTestFeed(nil)
	ctx := context.Background()

	require.NoError(t, feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1000", t0)}, atts("keeper1"), t0))

	// Fresh: no spread configured, trade price equals the sample.
	ask, err := feed.PriceForTrade("ETH_USD", true, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ask.Equal(d("1000")))

	// Past the activity window (5m) the 20 bps inactive spread applies.
	stale := t0.Add(6 * time.Minute)
	ask, err = feed.PriceForTrade("ETH_USD", true, stale)
	require.NoError(t, err)
	assert.True(t, ask.Equal(d("1002")), "ask = %s", ask)

	bid, err := feed.PriceForTrade("ETH_USD", false, stale)
	require.NoError(t, err)
	assert.True(t, bid.Equal(d("998")), "bid = %s", bid)
}

func TestTimestampValidation(t *testing.T) {
	feed := newTestFeed(nil)
	ctx := context.Background()

	// Drift beyond the allowed window, in either direction.
	err := feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1000", t0.Add(-2*time.Hour))}, atts("keeper1"), t0)
	require.ErrorIs(t, err, ErrStaleTimestamp)

	err = feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1000", t0.Add(2*time.Hour))}, atts("keeper1"), t0)
	require.ErrorIs(t, err, ErrStaleTimestamp)

	// A report older than the stored sample is a rewind.
	require.NoError(t, feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1000", t0)}, atts("keeper1"), t0))
	err = feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1001", t0.Add(-time.Minute))}, atts("keeper1"), t0)
	require.ErrorIs(t, err, ErrRewoundTimestamp)

	// An equal timestamp is allowed.
	err = feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1001", t0)}, atts("keeper1"), t0)
	require.NoError(t, err)
}

func TestNoStaleFallback(t *testing.T) {
	feed := newTestFeed(nil)
	ctx := context.Background()

	_, err := feed.PriceForTrade("ETH_USD", true, t0)
	require.ErrorIs(t, err, ErrNoSample)

	require.NoError(t, feed.SubmitPrices(ctx,
		[]model.PriceUpdate{update("ETH_USD", "1000", t0)}, atts("keeper1"), t0))

	// Beyond the max update delay the feed refuses to serve the sample.
	late := t0.Add(time.Hour + time.Second)
	_, err = feed.PriceForTrade("ETH_USD", true, late)
	require.ErrorIs(t, err, ErrSampleExpired)
	_, err = feed.PriceForIndex("ETH_USD", late)
	require.ErrorIs(t, err, ErrSampleExpired)
}

func TestOracleErrorsCarryKind(t *testing.T) {
	feed := newTestFeed(nil)

	err := feed.SubmitPrices(context.Background(),
		[]model.PriceUpdate{update("ETH_USD", "1000", t0)}, atts("mallory"), t0)
	require.ErrorIs(t, err, ErrInsufficientSigners)
	assert.ErrorIs(t, err, errs.ErrOracle)
}
