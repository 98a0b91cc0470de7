package memory

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[string][]TurnRecord
	outcomes map[string][]SessionOutcome
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[string][]TurnRecord),
		outcomes: make(map[string][]SessionOutcome),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	record = prepareTurn(record)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.UserID] = append(s.records[record.UserID], record)
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.records[userID], limit), nil
}

func (s *InMemoryStore) SaveSessionOutcome(_ context.Context, outcome SessionOutcome) error {
	outcome = prepareOutcome(outcome)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.UserID] = append(s.outcomes[outcome.UserID], outcome)
	return nil
}

func (s *InMemoryStore) RecentOutcomes(_ context.Context, userID string, limit int) ([]SessionOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.outcomes[userID], limit), nil
}

func (s *InMemoryStore) Close() error { return nil }

// lastN copies the newest limit items in chronological order.
func lastN[T any](arr []T, limit int) []T {
	if len(arr) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]T, limit)
	copy(out, arr[len(arr)-limit:])
	return out
}
