package infrastructure

import (
	"context"
	"maps"
	"slices"
	"sync"

	"xpinn-pbe/internal/domain"
)

// MemoryHistoryStore журнал в памяти процесса. As in the SQLite store, a
// re-recorded iteration replaces the earlier record.
type MemoryHistoryStore struct {
	mu          sync.RWMutex
	initialized bool
	losses      map[domain.Domain][]domain.HistoryRecord
	energies    []domain.EnergyRecord
	events      []domain.Event
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{}
}

func (s *MemoryHistoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.losses = make(map[domain.Domain][]domain.HistoryRecord)
	s.energies = nil
	s.events = nil
	return nil
}

func (s *MemoryHistoryStore) AppendLoss(_ context.Context, record domain.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized("memory")
	}
	record.Losses = maps.Clone(record.Losses)
	record.Weights = record.Weights.Clone()
	records := s.losses[record.Domain]
	if i := slices.IndexFunc(records, func(r domain.HistoryRecord) bool { return r.Iteration == record.Iteration }); i >= 0 {
		records[i] = record
		return nil
	}
	s.losses[record.Domain] = append(records, record)
	return nil
}

func (s *MemoryHistoryStore) AppendEnergy(_ context.Context, record domain.EnergyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized("memory")
	}
	if i := slices.IndexFunc(s.energies, func(r domain.EnergyRecord) bool { return r.Iteration == record.Iteration }); i >= 0 {
		s.energies[i] = record
		return nil
	}
	s.energies = append(s.energies, record)
	return nil
}

func (s *MemoryHistoryStore) AppendEvent(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized("memory")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryHistoryStore) Losses(_ context.Context, d domain.Domain) ([]domain.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized("memory")
	}
	out := make([]domain.HistoryRecord, len(s.losses[d]))
	for i, r := range s.losses[d] {
		r.Losses = maps.Clone(r.Losses)
		r.Weights = r.Weights.Clone()
		out[i] = r
	}
	return out, nil
}

func (s *MemoryHistoryStore) Energies(_ context.Context) ([]domain.EnergyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized("memory")
	}
	return append([]domain.EnergyRecord(nil), s.energies...), nil
}

func (s *MemoryHistoryStore) Events(_ context.Context) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized("memory")
	}
	return append([]domain.Event(nil), s.events...), nil
}
