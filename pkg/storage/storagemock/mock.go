package storagemock

import (
	"context"
	"time"

	"github.com/citywater/citywater/pkg/storage"
	"github.com/citywater/citywater/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertStatistics(ctx context.Context, meterKey string, stats []types.Statistic) error {
	args := m.Called(ctx, meterKey, stats)
	return args.Error(0)
}

func (m *MockDatabase) GetStatistics(ctx context.Context, meterKey string, start, end time.Time) ([]types.Statistic, error) {
	args := m.Called(ctx, meterKey, start, end)
	if stats, ok := args.Get(0).([]types.Statistic); ok {
		return stats, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetLatestStatisticTime(ctx context.Context, meterKey string) (time.Time, error) {
	args := m.Called(ctx, meterKey)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockDatabase) SetImportInfo(ctx context.Context, meterKey string, info types.ImportInfo) error {
	args := m.Called(ctx, meterKey, info)
	return args.Error(0)
}

func (m *MockDatabase) GetImportInfo(ctx context.Context, meterKey string) (types.ImportInfo, error) {
	args := m.Called(ctx, meterKey)
	return args.Get(0).(types.ImportInfo), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
