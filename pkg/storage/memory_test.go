package storage

import (
	"context"
	"testing"
	"time"

	"github.com/citywater/citywater/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()
	defer m.Close()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	stats := []types.Statistic{
		{Start: now, State: 100, Sum: 100},
		{Start: now.Add(24 * time.Hour), State: 105, Sum: 105},
		{Start: now.Add(48 * time.Hour), State: 112, Sum: 112},
	}
	require.NoError(t, m.UpsertStatistics(ctx, "812100_555", stats))

	t.Run("RangeQuery", func(t *testing.T) {
		got, err := m.GetStatistics(ctx, "812100_555", now, now.Add(48*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2, "end of range is exclusive")
		assert.Equal(t, 100.0, got[0].State)
		assert.Equal(t, 105.0, got[1].State)
	})

	t.Run("UpsertOverwrite", func(t *testing.T) {
		require.NoError(t, m.UpsertStatistics(ctx, "812100_555", []types.Statistic{
			{Start: now, State: 99, Sum: 99},
		}))
		got, err := m.GetStatistics(ctx, "812100_555", now, now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 99.0, got[0].State)
	})

	t.Run("LatestTime", func(t *testing.T) {
		latest, err := m.GetLatestStatisticTime(ctx, "812100_555")
		require.NoError(t, err)
		assert.Equal(t, now.Add(48*time.Hour), latest)
	})

	t.Run("UnknownMeter", func(t *testing.T) {
		got, err := m.GetStatistics(ctx, "999999_1", now, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)

		latest, err := m.GetLatestStatisticTime(ctx, "999999_1")
		require.NoError(t, err)
		assert.True(t, latest.IsZero())
	})

	t.Run("ImportInfo", func(t *testing.T) {
		info, err := m.GetImportInfo(ctx, "812100_555")
		require.NoError(t, err)
		assert.True(t, info.LastImport.IsZero())

		want := types.ImportInfo{LastImport: now, Statistics: 3}
		require.NoError(t, m.SetImportInfo(ctx, "812100_555", want))

		info, err = m.GetImportInfo(ctx, "812100_555")
		require.NoError(t, err)
		assert.Equal(t, want, info)
	})
}
