package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpx/perp-engine/internal/model"
)

// SnapshotCache publishes read-side snapshots (positions, pool state) to
// Redis so query traffic never touches the execution path. Entries are
// written after each committed step and expire on their own; a miss just
// means the caller falls back to the engine's read API.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a Redis-backed snapshot cache.
func NewSnapshotCache(rdb *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

func positionKey(id uint64) string { return fmt.Sprintf("position:%d", id) }
func poolKey(market string) string { return fmt.Sprintf("pool:%s", market) }
func orderKey(id uint64) string    { return fmt.Sprintf("order:%d", id) }

// PutPosition caches a position snapshot.
func (c *SnapshotCache) PutPosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		c.rdb.Set(ctx, positionKey(p.ID), data, c.ttl)
	}
}

// GetPosition returns a cached position, or false on miss.
func (c *SnapshotCache) GetPosition(ctx context.Context, id uint64) (model.Position, bool) {
	data, err := c.rdb.Get(ctx, positionKey(id)).Bytes()
	if err != nil {
		return model.Position{}, false
	}
	var p model.Position
	if json.Unmarshal(data, &p) != nil {
		return model.Position{}, false
	}
	return p, true
}

// PutOrder caches an order snapshot.
func (c *SnapshotCache) PutOrder(ctx context.Context, o *model.Order) {
	if data, err := json.Marshal(o); err == nil {
		c.rdb.Set(ctx, orderKey(o.ID), data, c.ttl)
	}
}

// GetOrder returns a cached order, or false on miss.
func (c *SnapshotCache) GetOrder(ctx context.Context, id uint64) (model.Order, bool) {
	data, err := c.rdb.Get(ctx, orderKey(id)).Bytes()
	if err != nil {
		return model.Order{}, false
	}
	var o model.Order
	if json.Unmarshal(data, &o) != nil {
		return model.Order{}, false
	}
	return o, true
}

// PutPoolSnapshot caches a market's pool accounting view.
func (c *SnapshotCache) PutPoolSnapshot(ctx context.Context, s *model.PoolSnapshot) {
	if data, err := json.Marshal(s); err == nil {
		c.rdb.Set(ctx, poolKey(s.Market), data, c.ttl)
	}
}

// GetPoolSnapshot returns a cached pool view, or false on miss.
func (c *SnapshotCache) GetPoolSnapshot(ctx context.Context, market string) (model.PoolSnapshot, bool) {
	data, err := c.rdb.Get(ctx, poolKey(market)).Bytes()
	if err != nil {
		return model.PoolSnapshot{}, false
	}
	var s model.PoolSnapshot
	if json.Unmarshal(data, &s) != nil {
		return model.PoolSnapshot{}, false
	}
	return s, true
}

// InvalidatePool drops a market's cached pool view after its accounting
// moves, forcing the next read back to the engine.
func (c *SnapshotCache) InvalidatePool(ctx context.Context, market string) {
	c.rdb.Del(ctx, poolKey(market))
}
