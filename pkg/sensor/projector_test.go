package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/citywater/citywater/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProject(t *testing.T) {
	ctx := context.Background()

	t.Run("LastElementWins", func(t *testing.T) {
		// The middle element has the latest timestamp on purpose: position
		// decides, not the timestamp.
		snap := types.Snapshot{
			{Consumption: "100", ReadingTime: "2024-05-01T10:00:00"},
			{Consumption: "90", ReadingTime: "2024-05-01T14:00:00"},
			{Consumption: "120", ReadingTime: "2024-05-01T12:00:00"},
		}

		state := Project(ctx, snap, time.Time{})
		require.NotNil(t, state.Value)
		assert.Equal(t, 120.0, *state.Value)
	})

	t.Run("AttributeExclusion", func(t *testing.T) {
		body := types.Snapshot{
			{
				Consumption:     "50",
				ReadingTime:     "2024-05-01T12:00:00",
				MeterNumber:     "42",
				WaterCardID:     "CARD",
				SiteReferenceID: "SITE",
				Extra: map[string]any{
					"customField": "yes",
					// a duplicate excluded key that somehow arrived untyped
					"MeterNumber2": "still allowed",
				},
			},
		}
		polled := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

		state := Project(ctx, body, polled)
		assert.Equal(t, "yes", state.Attributes["customField"])
		assert.Equal(t, "still allowed", state.Attributes["MeterNumber2"])
		assert.Contains(t, state.Attributes, AttrReadingTime)
		assert.Equal(t, "2024-05-01T13:00:00Z", state.Attributes[AttrLastPolled])

		// excluded identifiers never show up in the bag
		assert.NotContains(t, state.Attributes, types.KeyMeterNumber)
		assert.NotContains(t, state.Attributes, types.KeyWaterCardID)
		assert.NotContains(t, state.Attributes, types.KeySiteReferenceID)
		assert.NotContains(t, state.Attributes, types.KeyConsumption)
		assert.NotContains(t, state.Attributes, types.KeyReadingTime)
	})

	t.Run("TimestampNormalization", func(t *testing.T) {
		// Israel is UTC+3 in May (IDT)
		snap := types.Snapshot{{Consumption: "1", ReadingTime: "2024-05-01T12:00:00"}}
		state := Project(ctx, snap, time.Time{})
		assert.Equal(t, "2024-05-01T09:00:00Z", state.Attributes[AttrReadingTime])
	})

	t.Run("MalformedTimestamp", func(t *testing.T) {
		snap := types.Snapshot{{Consumption: "77.5", ReadingTime: "not-a-date"}}

		state := Project(ctx, snap, time.Time{})
		require.NotNil(t, state.Value, "value must still parse")
		assert.Equal(t, 77.5, *state.Value)
		assert.NotContains(t, state.Attributes, AttrReadingTime)
	})

	t.Run("BadValue", func(t *testing.T) {
		snap := types.Snapshot{{Consumption: "abc", ReadingTime: "2024-05-01T12:00:00"}}

		state := Project(ctx, snap, time.Time{})
		assert.Nil(t, state.Value)
		assert.Contains(t, state.Attributes, AttrReadingTime, "other attributes still produced")
	})

	t.Run("EmptySnapshot", func(t *testing.T) {
		state := Project(ctx, nil, time.Time{})
		assert.Nil(t, state.Value)
		assert.Equal(t, Unit, state.Unit)
		assert.Empty(t, state.Attributes)

		state = Project(ctx, types.Snapshot{}, time.Time{})
		assert.Nil(t, state.Value)
	})
}

func TestDevice(t *testing.T) {
	t.Run("FromFirstReading", func(t *testing.T) {
		snap := types.Snapshot{
			{MeterNumber: "42", WaterCardID: "CARD-1", SiteReferenceID: "99"},
			{MeterNumber: "other"},
		}
		info := Device(snap, "https://city4u.co.il")
		assert.Equal(t, "42", info.MeterNumber)
		assert.Equal(t, "CARD-1", info.PropertyID)
		assert.Equal(t, "https://city4u.co.il/PortalServicesSite/_portal/99", info.ConfigurationURL)
	})

	t.Run("Empty", func(t *testing.T) {
		info := Device(nil, "https://city4u.co.il")
		assert.Equal(t, "https://city4u.co.il", info.ConfigurationURL)
		assert.Empty(t, info.MeterNumber)
	})
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()

	snap := types.Snapshot{
		{Consumption: "120", ReadingTime: "2024-05-02T00:00:00"},
		{Consumption: "100", ReadingTime: "2024-05-01T00:00:00"},
		{Consumption: "bad", ReadingTime: "2024-05-03T00:00:00"},
		{Consumption: "130", ReadingTime: "garbage"},
		{Consumption: "", ReadingTime: "2024-05-04T00:00:00"},
		{Consumption: "140", ReadingTime: "2024-05-05T00:00:00"},
	}

	stats := Statistics(ctx, snap)
	require.Len(t, stats, 3, "unparseable readings are skipped")

	// ascending by timestamp
	assert.Equal(t, 100.0, stats[0].State)
	assert.Equal(t, 120.0, stats[1].State)
	assert.Equal(t, 140.0, stats[2].State)
	assert.True(t, stats[0].Start.Before(stats[1].Start))
	assert.Equal(t, stats[2].State, stats[2].Sum, "cumulative meter: state equals sum")
}
