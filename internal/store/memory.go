package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/marketpulse/internal/model"
)

// Memory is an in-process price store.
type Memory struct {
	mu      sync.RWMutex
	samples []model.PriceSample
	ids     map[uuid.UUID]struct{}
	now     func() time.Time
}

// NewMemory creates an empty store. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		ids: make(map[uuid.UUID]struct{}),
		now: now,
	}
}

// Write appends a sample. It reports false when a sample with the same ID
// already exists.
func (m *Memory) Write(_ context.Context, s model.PriceSample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[s.ID]; ok {
		return false, nil
	}
	m.ids[s.ID] = struct{}{}
	m.samples = append(m.samples, s)
	return true, nil
}

// ListInstruments returns distinct instruments in lexicographic order.
func (m *Memory) ListInstruments(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	instruments := make([]string, 0)
	for _, s := range m.samples {
		if _, ok := seen[s.Instrument]; ok {
			continue
		}
		seen[s.Instrument] = struct{}{}
		instruments = append(instruments, s.Instrument)
	}
	sort.Strings(instruments)
	return instruments, nil
}

// RankByVolatility ranks every stored instrument.
func (m *Memory) RankByVolatility(_ context.Context) ([]model.MarketRank, error) {
	m.mu.RLock()
	amounts := make(map[string][]float64)
	for _, s := range m.samples {
		amounts[s.Instrument] = append(amounts[s.Instrument], s.Amount)
	}
	m.mu.RUnlock()

	return RankByVolatility(amounts), nil
}

// RecentSamples returns the instrument's samples at or after now - window,
// oldest first.
func (m *Memory) RecentSamples(_ context.Context, instrument string, window time.Duration) ([]model.PricePoint, error) {
	cutoff := m.now().Add(-windowOrDefault(window))

	m.mu.RLock()
	defer m.mu.RUnlock()

	points := make([]model.PricePoint, 0)
	for _, s := range m.samples {
		if s.Instrument != instrument || s.Timestamp.Before(cutoff) {
			continue
		}
		points = append(points, model.PricePoint{Timestamp: s.Timestamp, Amount: s.Amount})
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

// Len returns the number of stored samples.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }
