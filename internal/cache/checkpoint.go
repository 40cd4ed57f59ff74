package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"nostr-relaypool/internal/types"
)

// CheckpointStore records the newest created_at seen per subscription so a
// subscription can resume from where it left off.
type CheckpointStore struct {
	backend Backend
	ttl     time.Duration

	// mu serializes Advance within this process. Concurrent writers in other
	// processes may still race on a shared Redis.
	mu sync.Mutex
}

func NewCheckpointStore(backend Backend, ttl time.Duration) *CheckpointStore {
	return &CheckpointStore{backend: backend, ttl: ttl}
}

func checkpointKey(subID string) string {
	return "checkpoint:" + subID
}

// Get returns the stored checkpoint for subID.
func (s *CheckpointStore) Get(ctx context.Context, subID string) (int64, bool, error) {
	data, found, err := s.backend.Get(ctx, checkpointKey(subID))
	if err != nil || !found {
		return 0, false, err
	}
	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint %s: %w", subID, err)
	}
	return ts, true, nil
}

// Advance stores createdAt if it is newer than the current checkpoint and
// reports whether it did.
func (s *CheckpointStore) Advance(ctx context.Context, subID string, createdAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found, err := s.Get(ctx, subID)
	if err != nil {
		return false, err
	}
	if found && createdAt <= current {
		return false, nil
	}
	if err := s.backend.Set(ctx, checkpointKey(subID), []byte(strconv.FormatInt(createdAt, 10)), s.ttl); err != nil {
		return false, fmt.Errorf("checkpoint %s: %w", subID, err)
	}
	return true, nil
}

// Clear forgets the checkpoint for subID.
func (s *CheckpointStore) Clear(ctx context.Context, subID string) error {
	return s.backend.Delete(ctx, checkpointKey(subID))
}

// Resume returns copies of filters starting at the stored checkpoint. Filters
// whose own since is already later are left alone.
func (s *CheckpointStore) Resume(ctx context.Context, subID string, filters []types.Filter) ([]types.Filter, error) {
	ts, found, err := s.Get(ctx, subID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Filter, len(filters))
	for i, f := range filters {
		if found && (f.Since == nil || *f.Since < ts) {
			f = f.WithSince(ts)
		}
		out[i] = f
	}
	return out, nil
}

// Checkpoints returns the stored checkpoints for the given subscriptions.
// Missing or unreadable entries are omitted.
func (s *CheckpointStore) Checkpoints(ctx context.Context, subIDs []string) (map[string]int64, error) {
	keys := make([]string, len(subIDs))
	for i, id := range subIDs {
		keys[i] = checkpointKey(id)
	}
	values, err := s.backend.GetMultiple(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(values))
	for i, id := range subIDs {
		data, ok := values[keys[i]]
		if !ok {
			continue
		}
		if ts, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			out[id] = ts
		}
	}
	return out, nil
}
