// Package checkpoint persists consumer progress per (computation, stream,
// partition). Offsets are monotonic: Advance ignores anything at or below
// the stored offset, which keeps the store correct under retries, duplicate
// deliveries, and restarts.
package checkpoint

import (
	"context"
	"sync"
)

// None is returned by Get when no checkpoint has been recorded yet.
const None int64 = -1

// Store tracks the highest checkpointed offset per (computation, stream,
// partition).
type Store interface {
	// Get returns the last checkpointed offset, or None.
	Get(ctx context.Context, computation, stream string, partition int) (int64, error)

	// Advance records offset if it is greater than the stored one. Lower
	// or equal offsets are ignored without error.
	Advance(ctx context.Context, computation, stream string, partition int, offset int64) error
}

type key struct {
	computation string
	stream      string
	partition   int
}

// MemoryStore keeps checkpoints in process memory. Used in tests and with
// the in-memory log.
type MemoryStore struct {
	mu      sync.Mutex
	offsets map[key]int64
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[key]int64)}
}

func (s *MemoryStore) Get(_ context.Context, computation, stream string, partition int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off, ok := s.offsets[key{computation, stream, partition}]; ok {
		return off, nil
	}
	return None, nil
}

func (s *MemoryStore) Advance(_ context.Context, computation, stream string, partition int, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{computation, stream, partition}
	if existing, ok := s.offsets[k]; ok && existing >= offset {
		return nil
	}
	s.offsets[k] = offset
	return nil
}
