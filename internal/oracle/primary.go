package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// HTTPPrimary fetches the primary reference price from an external feed
// over HTTP. Expected response: {"symbol":"ETH_USD","price":"1234.5"}.
type HTTPPrimary struct {
	client *resty.Client
}

type primaryResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewHTTPPrimary creates a primary source against baseURL.
func NewHTTPPrimary(baseURL string, timeout time.Duration) *HTTPPrimary {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1)
	return &HTTPPrimary{client: client}
}

func (p *HTTPPrimary) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out primaryResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("primary price fetch %s: %w", symbol, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("primary price fetch %s: status %d", symbol, resp.StatusCode())
	}

	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("primary price parse %s: %w", symbol, err)
	}
	return price, nil
}

// StaticPrimary is a settable in-process primary source, used in tests and
// local development.
type StaticPrimary struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	fail   bool
}

// NewStaticPrimary creates an empty static source.
func NewStaticPrimary() *StaticPrimary {
	return &StaticPrimary{prices: make(map[string]decimal.Decimal)}
}

// SetPrice stores the reference price for symbol.
func (p *StaticPrimary) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetFailing makes every read fail, simulating a chain read error.
func (p *StaticPrimary) SetFailing(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *StaticPrimary) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fail {
		return decimal.Zero, errors.New("primary source unavailable")
	}
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no primary price for %s", symbol)
	}
	return price, nil
}
