// Package cache provides the optional Redis-backed cross-instance cache
// for internal/positions.Store. Redis is never the system of record: a
// write that fails here is logged and otherwise ignored, and a read miss
// always falls through to the file store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"positionbot/config"
	"positionbot/internal/logging"
	"positionbot/internal/positions"
)

const (
	positionKeyPrefix = "positionbot:position"
	activeSetPrefix    = "positionbot:active"
	positionTTL        = 7 * 24 * time.Hour

	defaultPoolSize     = 10
	defaultMaxFailures  = 3
	defaultRecheckEvery = 30 * time.Second
)

// PositionCache implements positions.Cache over go-redis, with an
// in-memory fallback map so a Redis outage degrades Store to file-only
// reads rather than failing outright.
type PositionCache struct {
	client *redis.Client

	mu            sync.RWMutex
	inMemory      map[string]*positions.Position   // keyed by position_id
	activeByOwner map[string]map[string]struct{}   // owner -> set of position_id

	redisAvailable atomic.Bool
	failureCount   int
	lastCheck      time.Time
}

// NewPositionCache connects to Redis per cfg. If cfg.Enabled is false it
// returns (nil, nil): callers then pass an untyped nil positions.Cache to
// positions.NewStore (not the nil *PositionCache, which would make a
// non-nil interface), and Store runs file-only.
func NewPositionCache(cfg config.RedisConfig) (*PositionCache, error) {
	log := logging.Component("cache")
	if !cfg.Enabled {
		log.Info().Msg("redis cache disabled, running file-only")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     defaultPoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pc := &PositionCache{
		client:        client,
		inMemory:      make(map[string]*positions.Position),
		activeByOwner: make(map[string]map[string]struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable at startup, using in-memory cache")
		pc.redisAvailable.Store(false)
		return pc, nil
	}
	pc.redisAvailable.Store(true)
	pc.lastCheck = time.Now()
	log.Info().Str("addr", cfg.Addr).Msg("redis cache connected")
	return pc, nil
}

func (pc *PositionCache) positionKey(positionID string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, positionID)
}

func (pc *PositionCache) activeSetKey(owner string) string {
	return fmt.Sprintf("%s:%s", activeSetPrefix, owner)
}

func (pc *PositionCache) recordFailure(err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.failureCount++
	if pc.failureCount >= defaultMaxFailures && pc.redisAvailable.Load() {
		logging.Component("cache").Warn().Err(err).Int("failures", pc.failureCount).Msg("redis marked unavailable")
		pc.redisAvailable.Store(false)
	}
}

func (pc *PositionCache) recordSuccess() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.redisAvailable.Load() {
		logging.Component("cache").Info().Msg("redis recovered")
	}
	pc.redisAvailable.Store(true)
	pc.failureCount = 0
	pc.lastCheck = time.Now()
}

// maybeRecheck probes Redis in the background if it has been down long
// enough to be worth a retry; never blocks the caller. A cache without a
// Redis client never probes.
func (pc *PositionCache) maybeRecheck() {
	pc.mu.RLock()
	shouldCheck := pc.client != nil && !pc.redisAvailable.Load() && time.Since(pc.lastCheck) >= defaultRecheckEvery
	pc.mu.RUnlock()
	if !shouldCheck {
		return
	}
	pc.mu.Lock()
	pc.lastCheck = time.Now()
	pc.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pc.client.Ping(ctx).Err(); err == nil {
			pc.recordSuccess()
		}
	}()
}

func (pc *PositionCache) updateLocal(p *positions.Position) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.inMemory[p.PositionID] = p
	if p.IsTerminal() {
		if set := pc.activeByOwner[p.OwnerAddress]; set != nil {
			delete(set, p.PositionID)
		}
		return
	}
	set := pc.activeByOwner[p.OwnerAddress]
	if set == nil {
		set = make(map[string]struct{})
		pc.activeByOwner[p.OwnerAddress] = set
	}
	set[p.PositionID] = struct{}{}
}

func (pc *PositionCache) localGet(positionID string) (*positions.Position, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	p, ok := pc.inMemory[positionID]
	return p, ok
}

func (pc *PositionCache) localGetActive(owner string) []*positions.Position {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	set := pc.activeByOwner[owner]
	out := make([]*positions.Position, 0, len(set))
	for id := range set {
		if p, ok := pc.inMemory[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Set writes p to Redis (best-effort) and always to the in-memory
// fallback map.
func (pc *PositionCache) Set(ctx context.Context, p *positions.Position) {
	pc.updateLocal(p)
	if pc.client == nil || !pc.redisAvailable.Load() {
		pc.maybeRecheck()
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		logging.Component("cache").Error().Err(err).Str("position_id", p.PositionID).Msg("marshal position for cache")
		return
	}

	pipe := pc.client.TxPipeline()
	pipe.Set(ctx, pc.positionKey(p.PositionID), data, positionTTL)
	activeKey := pc.activeSetKey(p.OwnerAddress)
	if p.IsTerminal() {
		pipe.SRem(ctx, activeKey, p.PositionID)
	} else {
		pipe.SAdd(ctx, activeKey, p.PositionID)
		pipe.Expire(ctx, activeKey, positionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		pc.recordFailure(err)
		return
	}
	pc.recordSuccess()
}

// Get returns the cached position, trying Redis first when available.
func (pc *PositionCache) Get(ctx context.Context, positionID string) (*positions.Position, bool) {
	if pc.client == nil || !pc.redisAvailable.Load() {
		pc.maybeRecheck()
		return pc.localGet(positionID)
	}

	data, err := pc.client.Get(ctx, pc.positionKey(positionID)).Result()
	if err != nil {
		if err != redis.Nil {
			pc.recordFailure(err)
		} else {
			pc.recordSuccess()
		}
		return pc.localGet(positionID)
	}
	pc.recordSuccess()

	var p positions.Position
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		logging.Component("cache").Error().Err(err).Str("position_id", positionID).Msg("unmarshal cached position")
		return pc.localGet(positionID)
	}
	pc.updateLocal(&p)
	return &p, true
}

// Delete removes a position from Redis and the in-memory fallback.
func (pc *PositionCache) Delete(ctx context.Context, positionID string) {
	pc.mu.Lock()
	delete(pc.inMemory, positionID)
	pc.mu.Unlock()

	if pc.client == nil || !pc.redisAvailable.Load() {
		pc.maybeRecheck()
		return
	}
	if err := pc.client.Del(ctx, pc.positionKey(positionID)).Err(); err != nil {
		pc.recordFailure(err)
	} else {
		pc.recordSuccess()
	}
}

// GetActive returns an owner's non-terminal positions, trying Redis
// first. ok is false when the source it consulted has nothing for owner:
// Redis's active set while Redis is available (an empty set is not backed
// up by the in-memory map), otherwise the in-memory fallback. Store then
// falls through to disk.
func (pc *PositionCache) GetActive(ctx context.Context, owner string) ([]*positions.Position, bool) {
	if pc.client == nil || !pc.redisAvailable.Load() {
		pc.maybeRecheck()
		out := pc.localGetActive(owner)
		return out, len(out) > 0
	}

	ids, err := pc.client.SMembers(ctx, pc.activeSetKey(owner)).Result()
	if err != nil {
		pc.recordFailure(err)
		out := pc.localGetActive(owner)
		return out, len(out) > 0
	}
	pc.recordSuccess()
	if len(ids) == 0 {
		return nil, false
	}

	out := make([]*positions.Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := pc.Get(ctx, id); ok {
			out = append(out, p)
		}
	}
	return out, len(out) > 0
}

// Close releases the underlying Redis client, if any.
func (pc *PositionCache) Close() error {
	if pc.client == nil {
		return nil
	}
	return pc.client.Close()
}
