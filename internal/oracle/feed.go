// Package oracle aggregates a primary reference price with signed off-chain
// reports into a bounded-deviation trade price (bid/ask) and an index price.
//
// A submission is accepted only when enough distinct authorized signers
// attest to it and every report stays inside the configured deviation and
// time bounds. Acceptance is all-or-nothing: a rejected batch changes no
// stored sample, and a missing or expired sample is reported as a named
// failure — the feed never silently serves a stale price.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/errs"
	"github.com/perpx/perp-engine/internal/fixed"
	"github.com/perpx/perp-engine/internal/model"
)

var (
	// ErrInsufficientSigners is returned when a batch carries fewer distinct
	// authorized attestations than the configured minimum.
	ErrInsufficientSigners = errs.Oracle("oracle: insufficient authorized signers")

	// ErrDeviationExceeded is returned when a report strays from the primary
	// or previous sample by more than the basis-point bound.
	ErrDeviationExceeded = errs.Oracle("oracle: deviation bound exceeded")

	// ErrStaleTimestamp is returned for report timestamps outside the
	// configured maximum time deviation.
	ErrStaleTimestamp = errs.Oracle("oracle: report timestamp outside allowed window")

	// ErrRewoundTimestamp is returned when a report is older than the
	// stored sample for its symbol.
	ErrRewoundTimestamp = errs.Oracle("oracle: report older than stored sample")

	// ErrInvalidPrice is returned for zero or negative report prices.
	ErrInvalidPrice = errs.Oracle("oracle: report price must be positive")

	// ErrNoSample is returned when a price is requested for a symbol that
	// has no accepted sample.
	ErrNoSample = errs.Oracle("oracle: no accepted sample for symbol")

	// ErrSampleExpired is returned when the stored sample is older than the
	// maximum update delay.
	ErrSampleExpired = errs.Oracle("oracle: sample exceeded max update delay")
)

// Authorizer decides whether a report signer is trusted. The quorum and
// deviation checks are deliberately decoupled from any signature scheme so
// the trust mechanism can be swapped without touching aggregation.
type Authorizer interface {
	IsSigner(signer string) bool
}

// StaticSigners is a fixed authorized-signer set.
type StaticSigners map[string]bool

func (s StaticSigners) IsSigner(signer string) bool { return s[signer] }

// PrimarySource supplies the primary reference price for a symbol.
type PrimarySource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Config holds the feed's risk-control parameters. Basis-point fields are
// plain bps (20 = 0.20%).
type Config struct {
	MinAuthorizations     int
	MaxDeviationBps       decimal.Decimal
	MaxTimeDeviation      time.Duration
	MaxPriceUpdateDelay   time.Duration
	PriceDuration         time.Duration
	SpreadBps             decimal.Decimal
	SpreadBpsIfInactive   decimal.Decimal
	SpreadBpsIfChainError decimal.Decimal
}

// DefaultConfig mirrors the reference deployment parameters.
func DefaultConfig() Config {
	return Config{
		MinAuthorizations:     1,
		MaxDeviationBps:       decimal.NewFromInt(1000),
		MaxTimeDeviation:      time.Hour,
		MaxPriceUpdateDelay:   time.Hour,
		PriceDuration:         5 * time.Minute,
		SpreadBps:             decimal.Zero,
		SpreadBpsIfInactive:   decimal.NewFromInt(20),
		SpreadBpsIfChainError: decimal.NewFromInt(500),
	}
}

type sample struct {
	price      decimal.Decimal
	ts         time.Time
	chainError bool // primary read failed when this sample was accepted
}

// Feed is the dual-source price aggregator. Writes happen only through
// SubmitPrices; reads recompute derived prices without mutating state.
type Feed struct {
	cfg     Config
	auth    Authorizer
	primary PrimarySource

	mu      sync.RWMutex
	samples map[string]sample
}

// NewFeed creates a feed. primary may be nil; deviation is then checked
// against the previous sample only and the chain-error spread never widens.
func NewFeed(cfg Config, auth Authorizer, primary PrimarySource) *Feed {
	return &Feed{
		cfg:     cfg,
		auth:    auth,
		primary: primary,
		samples: make(map[string]sample),
	}
}

// SubmitPrices validates and stores a batch of price updates. Either every
// update is accepted or none is.
func (f *Feed) SubmitPrices(ctx context.Context, updates []model.PriceUpdate, atts []model.Attestation, now time.Time) error {
	if err := f.checkQuorum(atts); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Validate the whole batch before committing anything.
	staged := make(map[string]sample, len(updates))
	for _, u := range updates {
		s, err := f.validateLocked(ctx, u, now)
		if err != nil {
			return err
		}
		staged[u.Symbol] = s
	}
	for sym, s := range staged {
		f.samples[sym] = s
	}
	return nil
}

func (f *Feed) checkQuorum(atts []model.Attestation) error {
	distinct := make(map[string]bool)
	for _, a := range atts {
		if f.auth.IsSigner(a.Signer) {
			distinct[a.Signer] = true
		}
	}
	if len(distinct) < f.cfg.MinAuthorizations {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientSigners, len(distinct), f.cfg.MinAuthorizations)
	}
	return nil
}

func (f *Feed) validateLocked(ctx context.Context, u model.PriceUpdate, now time.Time) (sample, error) {
	if !u.Price.IsPositive() {
		return sample{}, fmt.Errorf("%w: %s", ErrInvalidPrice, u.Symbol)
	}

	drift := now.Sub(u.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift > f.cfg.MaxTimeDeviation {
		return sample{}, fmt.Errorf("%w: %s drift %s", ErrStaleTimestamp, u.Symbol, drift)
	}

	prev, hasPrev := f.samples[u.Symbol]
	if hasPrev && u.Timestamp.Before(prev.ts) {
		return sample{}, fmt.Errorf("%w: %s", ErrRewoundTimestamp, u.Symbol)
	}
	if hasPrev {
		if err := f.checkDeviation(u.Symbol, u.Price, prev.price); err != nil {
			return sample{}, err
		}
	}

	chainError := false
	if f.primary != nil {
		ref, err := f.primary.LatestPrice(ctx, u.Symbol)
		if err != nil {
			// A failed chain read is not a rejection; the trade spread
			// widens instead.
			chainError = true
		} else if err := f.checkDeviation(u.Symbol, u.Price, ref); err != nil {
			return sample{}, err
		}
	}

	return sample{price: u.Price, ts: u.Timestamp, chainError: chainError}, nil
}

func (f *Feed) checkDeviation(symbol string, price, ref decimal.Decimal) error {
	if !ref.IsPositive() {
		return nil
	}
	diff := price.Sub(ref).Abs()
	bound := fixed.Mul(ref, f.cfg.MaxDeviationBps.Div(decimal.NewFromInt(10000)), fixed.PriceScale)
	if diff.GreaterThan(bound) {
		return fmt.Errorf("%w: %s price %s vs ref %s", ErrDeviationExceeded, symbol, price, ref)
	}
	return nil
}

// PriceForTrade returns the execution price for a fill at now: the ask when
// maximise is true (buying), the bid otherwise. The spread widens when the
// sample is inactive or the primary read failed at acceptance time.
func (f *Feed) PriceForTrade(symbol string, maximise bool, now time.Time) (decimal.Decimal, error) {
	f.mu.RLock()
	s, ok := f.samples[symbol]
	f.mu.RUnlock()

	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoSample, symbol)
	}
	if now.Sub(s.ts) > f.cfg.MaxPriceUpdateDelay {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrSampleExpired, symbol)
	}

	spread := f.cfg.SpreadBps
	if now.Sub(s.ts) > f.cfg.PriceDuration {
		spread = fixed.Max(spread, f.cfg.SpreadBpsIfInactive)
	}
	if s.chainError {
		spread = fixed.Max(spread, f.cfg.SpreadBpsIfChainError)
	}
	if spread.IsZero() {
		return s.price, nil
	}

	delta := fixed.Mul(s.price, spread.Div(decimal.NewFromInt(10000)), fixed.PriceScale)
	if maximise {
		return s.price.Add(delta), nil
	}
	return s.price.Sub(delta), nil
}

// PriceForIndex returns the unspread index price, intended for unrealized
// pnl and liquidation-price computations.
func (f *Feed) PriceForIndex(symbol string, now time.Time) (decimal.Decimal, error) {
	f.mu.RLock()
	s, ok := f.samples[symbol]
	f.mu.RUnlock()

	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoSample, symbol)
	}
	if now.Sub(s.ts) > f.cfg.MaxPriceUpdateDelay {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrSampleExpired, symbol)
	}
	return s.price, nil
}
