package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"positionbot/internal/logging"
)

// SnapshotMirror is the narrow interface the Postgres-backed admin store
// satisfies so every Store.save additionally lands a row in
// position_snapshots for reporting/history queries (the out-of-scope
// browser UI reads that table, never the JSON files directly).
type SnapshotMirror interface {
	SaveSnapshot(ctx context.Context, p *Position) error
}

// Cache is the narrow interface the Redis-backed cache satisfies. Store
// consults it first on reads and updates it on every write; a cache miss or
// error is never fatal, it just falls through to the file store.
type Cache interface {
	Get(ctx context.Context, positionID string) (*Position, bool)
	Set(ctx context.Context, p *Position)
	Delete(ctx context.Context, positionID string)
	GetActive(ctx context.Context, owner string) ([]*Position, bool)
}

// Store is the sole persistence path for Position records (ownership rule
// in spec §3: PositionMonitor and HedgeManager never mutate a Position
// directly, they always go through Store.Save). The file store under dir is
// the primary, always-consistent backend; mirror and cache are best-effort
// secondary backends that degrade gracefully when unavailable.
type Store struct {
	dir    string
	mirror SnapshotMirror // may be nil
	cache  Cache          // may be nil

	mu        sync.RWMutex
	positions map[string]*Position // in-process read-through cache, keyed by position_id
}

// NewStore creates a Store rooted at dir (created if missing) and loads any
// already-persisted positions from disk.
func NewStore(dir string, mirror SnapshotMirror, cache Cache) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create position store dir: %w", err)
	}
	s := &Store{
		dir:       dir,
		mirror:    mirror,
		cache:     cache,
		positions: make(map[string]*Position),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read position store dir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			logging.Component("positions").Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable position file")
			continue
		}
		var p Position
		if err := json.Unmarshal(data, &p); err != nil {
			logging.Component("positions").Warn().Err(err).Str("file", e.Name()).Msg("skipping corrupt position file")
			continue
		}
		s.positions[p.PositionID] = &p
	}
	return nil
}

func (s *Store) path(positionID string) string {
	return filepath.Join(s.dir, positionID+".json")
}

// Save persists p atomically (write-to-temp, rename) and then best-effort
// updates the Postgres mirror and Redis cache. Never deletes records;
// "closed" is recorded in place as a terminal status.
func (s *Store) Save(ctx context.Context, p *Position) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.PositionID, err)
	}

	final := s.path(p.PositionID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: write temp file: %v", ErrPersistenceWriteFailure, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("%w: rename temp file: %v", ErrPersistenceWriteFailure, err)
	}

	s.mu.Lock()
	cp := *p
	s.positions[p.PositionID] = &cp
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.SaveSnapshot(ctx, p); err != nil {
			logging.Component("positions").Warn().Err(err).Str("position_id", p.PositionID).Msg("snapshot mirror write failed, file store is still authoritative")
		}
	}
	if s.cache != nil {
		s.cache.Set(ctx, p)
	}

	return nil
}

// GetByID returns the position, or (nil, false) if it doesn't exist.
func (s *Store) GetByID(ctx context.Context, positionID string) (*Position, bool) {
	if s.cache != nil {
		if p, ok := s.cache.Get(ctx, positionID); ok {
			return p, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// GetActive returns every position owned by owner whose status is active.
func (s *Store) GetActive(ctx context.Context, owner string) []*Position {
	if s.cache != nil {
		if cached, ok := s.cache.GetActive(ctx, owner); ok {
			out := make([]*Position, 0, len(cached))
			for _, p := range cached {
				if p.Status == StatusActive {
					out = append(out, p)
				}
			}
			return out
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0)
	for _, p := range s.positions {
		if p.OwnerAddress == owner && p.Status == StatusActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// All returns every tracked position regardless of owner or status, used by
// the supervisor's syncActive step.
func (s *Store) All() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Exists reports whether positionID has ever been created (used to enforce
// invariant 5: the same position_id is never re-opened).
func (s *Store) Exists(positionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[positionID]
	return ok
}
