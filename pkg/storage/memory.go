package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/citywater/citywater/pkg/types"
)

// MemoryProvider implements the Database interface in process memory.
// Nothing survives a restart. Intended for development and tests.
type MemoryProvider struct {
	mu    sync.RWMutex
	stats map[string]map[time.Time]types.Statistic
	info  map[string]types.ImportInfo
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		stats: make(map[string]map[time.Time]types.Statistic),
		info:  make(map[string]types.ImportInfo),
	}
}

var _ Database = (*MemoryProvider)(nil)

func (m *MemoryProvider) UpsertStatistics(ctx context.Context, meterKey string, stats []types.Statistic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTime, ok := m.stats[meterKey]
	if !ok {
		byTime = make(map[time.Time]types.Statistic)
		m.stats[meterKey] = byTime
	}
	for _, s := range stats {
		byTime[s.Start.UTC()] = s
	}
	return nil
}

func (m *MemoryProvider) GetStatistics(ctx context.Context, meterKey string, start, end time.Time) ([]types.Statistic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Statistic
	for ts, s := range m.stats[meterKey] {
		if !ts.Before(start.UTC()) && ts.Before(end.UTC()) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func (m *MemoryProvider) GetLatestStatisticTime(ctx context.Context, meterKey string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	for ts := range m.stats[meterKey] {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest, nil
}

func (m *MemoryProvider) SetImportInfo(ctx context.Context, meterKey string, info types.ImportInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info[meterKey] = info
	return nil
}

func (m *MemoryProvider) GetImportInfo(ctx context.Context, meterKey string) (types.ImportInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info[meterKey], nil
}

func (m *MemoryProvider) Close() error {
	return nil
}
