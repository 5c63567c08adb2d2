// Package ledger is the canonical book of positions and orders. The
// in-memory Ledger is the source of truth the execution engine mutates;
// PostgreSQL archives executed orders and closed positions, Redis serves
// read-side snapshots.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/perpx/perp-engine/internal/errs"
	"github.com/perpx/perp-engine/internal/model"
)

var (
	// ErrOrderNotFound is returned when no order exists for an id.
	ErrOrderNotFound = errs.Validation("ledger: order not found")

	// ErrPositionNotFound is returned when no position exists for an id.
	ErrPositionNotFound = errs.Validation("ledger: position not found")

	// ErrNotOwner is returned when a caller references an order or position
	// it does not own.
	ErrNotOwner = errs.Validation("ledger: not the owner")

	// ErrModeLocked is returned when a trader tries to switch position mode
	// while holding an open position or pending orders in the market.
	ErrModeLocked = errs.State("ledger: position mode locked by open exposure")

	// ErrTerminalOrder is returned on an attempt to transition an order out
	// of a terminal status.
	ErrTerminalOrder = errs.State("ledger: order already terminal")
)

type slotKey struct {
	owner  string
	market string
}

// Ledger holds all live positions and orders. The execution engine is the
// single writer; the mutex protects concurrent read-side queries.
type Ledger struct {
	mu sync.RWMutex

	orderSeq    uint64
	positionSeq uint64

	orders    map[uint64]*model.Order
	positions map[uint64]*model.Position

	// slot -> direction -> position id. One-way mode keeps a single entry;
	// hedge mode one per direction.
	slots map[slotKey]map[model.Direction]uint64
	modes map[slotKey]model.PositionMode

	// Pending order ids per market in submission order.
	pending map[string][]uint64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		orders:    make(map[uint64]*model.Order),
		positions: make(map[uint64]*model.Position),
		slots:     make(map[slotKey]map[model.Direction]uint64),
		modes:     make(map[slotKey]model.PositionMode),
		pending:   make(map[string][]uint64),
	}
}

// NextOrderID allocates a fresh order id.
func (l *Ledger) NextOrderID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orderSeq++
	return l.orderSeq
}

// NextPositionID allocates a fresh position id.
func (l *Ledger) NextPositionID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positionSeq++
	return l.positionSeq
}

// Mode returns the trader's position mode for a market. Defaults to OneWay.
func (l *Ledger) Mode(owner, market string) model.PositionMode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.modes[slotKey{owner, market}]
}

// SetMode switches the trader's position mode for a market. The switch is
// refused while the trader has an open position or a pending order there.
func (l *Ledger) SetMode(owner, market string, mode model.PositionMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := slotKey{owner, market}
	if l.modes[key] == mode {
		return nil
	}
	for _, id := range l.slots[key] {
		if p := l.positions[id]; p != nil && p.Amount.IsPositive() {
			return fmt.Errorf("%w: position %d open", ErrModeLocked, id)
		}
	}
	for _, id := range l.pending[market] {
		if o := l.orders[id]; o != nil && o.Owner == owner {
			return fmt.Errorf("%w: order %d pending", ErrModeLocked, id)
		}
	}
	l.modes[key] = mode
	return nil
}

// GetOrder returns a copy of the order.
func (l *Ledger) GetOrder(id uint64) (model.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, ok := l.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return *o, nil
}

// GetPosition returns a copy of the position.
func (l *Ledger) GetPosition(id uint64) (model.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	return *p, nil
}

// PositionFor resolves the trader's position slot for a direction. In
// one-way mode the single slot is returned regardless of direction. The
// second return reports whether a live position was found.
func (l *Ledger) PositionFor(owner, market string, dir model.Direction) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	key := slotKey{owner, market}
	slot := l.slots[key]
	if slot == nil {
		return model.Position{}, false
	}

	if l.modes[key] == model.OneWay {
		for _, id := range slot {
			if p := l.positions[id]; p != nil && p.Amount.IsPositive() {
				return *p, true
			}
		}
		return model.Position{}, false
	}

	id, ok := slot[dir]
	if !ok {
		return model.Position{}, false
	}
	p := l.positions[id]
	if p == nil || !p.Amount.IsPositive() {
		return model.Position{}, false
	}
	return *p, true
}

// PutOrder stores (or replaces) an order record.
func (l *Ledger) PutOrder(o model.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.putOrderLocked(o)
}

func (l *Ledger) putOrderLocked(o model.Order) {
	prev, existed := l.orders[o.ID]
	cp := o
	l.orders[o.ID] = &cp

	wasPending := existed && !prev.Status.Terminal()
	isPending := !o.Status.Terminal()

	switch {
	case isPending && !wasPending:
		l.pending[o.Market] = append(l.pending[o.Market], o.ID)
	case !isPending && wasPending:
		l.dropPendingLocked(o.Market, o.ID)
	}
}

func (l *Ledger) dropPendingLocked(market string, id uint64) {
	ids := l.pending[market]
	for i, v := range ids {
		if v == id {
			l.pending[market] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// PutPosition stores (or replaces) a position record and maintains the
// trader's slot index.
func (l *Ledger) PutPosition(p model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := p
	l.positions[p.ID] = &cp

	key := slotKey{p.Owner, p.Market}
	slot := l.slots[key]
	if slot == nil {
		slot = make(map[model.Direction]uint64)
		l.slots[key] = slot
	}
	slot[p.Direction] = p.ID
}

// Commit atomically applies an executed order together with its position
// effect. Either both records land or neither does.
func (l *Ledger) Commit(o model.Order, p model.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.orders[o.ID]; ok && prev.Status.Terminal() {
		return fmt.Errorf("%w: order %d is %s", ErrTerminalOrder, o.ID, prev.Status)
	}

	l.putOrderLocked(o)

	cp := p
	l.positions[p.ID] = &cp
	key := slotKey{p.Owner, p.Market}
	slot := l.slots[key]
	if slot == nil {
		slot = make(map[model.Direction]uint64)
		l.slots[key] = slot
	}
	slot[p.Direction] = p.ID
	return nil
}

// PendingOrders returns the market's non-terminal order ids in submission
// order, optionally filtered to trigger or immediate orders.
func (l *Ledger) PendingOrders(market string, triggers bool) []model.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Order
	for _, id := range l.pending[market] {
		o := l.orders[id]
		if o == nil || o.Status.Terminal() {
			continue
		}
		if o.Kind.IsTrigger() == triggers {
			out = append(out, *o)
		}
	}
	return out
}

// OrdersByOwner returns all of a trader's orders for a market, newest last.
func (l *Ledger) OrdersByOwner(owner, market string) []model.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Order
	for _, o := range l.orders {
		if o.Owner == owner && o.Market == market {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PositionsByMarket returns all live positions in a market.
func (l *Ledger) PositionsByMarket(market string) []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Position
	for _, p := range l.positions {
		if p.Market == market && p.Amount.IsPositive() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
