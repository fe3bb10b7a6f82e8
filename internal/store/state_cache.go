package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/reconciler"
)

const (
	statePrefix = "govee:state:"
	stateTTL    = 24 * time.Hour
)

// StateCache mirrors the reconciler's current snapshots into redis so other
// services can read them without calling the adapter.
type StateCache struct{ rdb redis.UniversalClient }

func NewStateCache(rdb redis.UniversalClient) *StateCache { return &StateCache{rdb: rdb} }

func stateKey(id string) string { return statePrefix + id }

func (c *StateCache) Set(ctx context.Context, id string, snap model.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, stateKey(id), b, stateTTL).Err()
}

// Get returns ok=false when nothing is cached for id.
func (c *StateCache) Get(ctx context.Context, id string) (model.Snapshot, bool, error) {
	b, err := c.rdb.Get(ctx, stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (c *StateCache) Delete(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, stateKey(id)).Err()
}

func (c *StateCache) RemoveAllExcept(ctx context.Context, keepIDs []string) ([]string, error) {
	keep := make(map[string]struct{}, len(keepIDs))
	for _, id := range keepIDs {
		if id != "" {
			keep[id] = struct{}{}
		}
	}
	iter := c.rdb.Scan(ctx, 0, stateKey("*"), 100).Iterator()
	var removed []string
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), statePrefix)
		if _, ok := keep[id]; ok {
			continue
		}
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, iter.Err()
}

// Apply writes one reconciler event to the cache.
func (c *StateCache) Apply(ctx context.Context, evt reconciler.Event) error {
	switch evt.Type {
	case reconciler.EventDeviceRemoved:
		return c.Delete(ctx, evt.DeviceID)
	case reconciler.EventWriteFailed:
		return nil
	default:
		return c.Set(ctx, evt.DeviceID, evt.Snapshot)
	}
}

// Mirror applies events until the channel closes or ctx is done. Cache
// failures are logged and never stop the loop.
func (c *StateCache) Mirror(ctx context.Context, events <-chan reconciler.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := c.Apply(ctx, evt); err != nil {
				slog.Warn("state cache update failed", "device", evt.DeviceID, "event", evt.Type, "error", err)
			}
		}
	}
}
