package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-node deployments and tests.
// Entries are stored encoded so callers never share mutable state.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry, 16),
		now:     time.Now,
	}
}

// SetClock overrides the time source used for expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

func (s *MemoryStore) PutSnapshot(
	_ context.Context,
	runID string,
	snapshot *testrun.ExecutionSnapshot,
	ttl time.Duration,
) error {
	return s.put("snapshot:"+runID, snapshot, ttl)
}

func (s *MemoryStore) GetSnapshot(
	_ context.Context, runID string,
) (*testrun.ExecutionSnapshot, error) {
	var snap testrun.ExecutionSnapshot

	if found, err := s.get("snapshot:"+runID, &snap); err != nil || !found {
		return nil, err
	}

	return &snap, nil
}

func (s *MemoryStore) DeleteSnapshot(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, "snapshot:"+runID)

	return nil
}

func (s *MemoryStore) PutControlState(
	_ context.Context,
	runID string,
	msg *testrun.ControlMessage,
	ttl time.Duration,
) error {
	return s.put("control:"+runID, msg, ttl)
}

func (s *MemoryStore) GetControlState(
	_ context.Context, runID string,
) (*testrun.ControlMessage, error) {
	var msg testrun.ControlMessage

	if found, err := s.get("control:"+runID, &msg); err != nil || !found {
		return nil, err
	}

	return &msg, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemoryStore) put(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.entries[key] = entry

	return nil
}

func (s *MemoryStore) get(key string, v any) (bool, error) {
	s.mu.Lock()

	entry, ok := s.entries[key]
	if ok && !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)

		ok = false
	}

	s.mu.Unlock()

	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(entry.data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}

	return true, nil
}
