package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadingUnmarshal(t *testing.T) {
	t.Run("KnownAndExtraFields", func(t *testing.T) {
		body := `{
			"totalWaterDataWithMultiplier": 123.45,
			"readingTime": "2024-05-01T08:30:00",
			"MeterNumber": 987654,
			"ExternalWaterCardId": "CARD-1",
			"SiteExternalReferenceId": "SITE-9",
			"customField": "hello",
			"anotherNumber": 7
		}`

		var r Reading
		require.NoError(t, json.Unmarshal([]byte(body), &r))

		assert.Equal(t, "123.45", r.Consumption)
		assert.Equal(t, "2024-05-01T08:30:00", r.ReadingTime)
		assert.Equal(t, "987654", r.MeterNumber, "numeric meter number should render as text")
		assert.Equal(t, "CARD-1", r.WaterCardID)
		assert.Equal(t, "SITE-9", r.SiteReferenceID)

		assert.Len(t, r.Extra, 2)
		assert.Equal(t, "hello", r.Extra["customField"])
		assert.Equal(t, float64(7), r.Extra["anotherNumber"])
	})

	t.Run("CaseInsensitiveKnownKeys", func(t *testing.T) {
		body := `{"meterNumber": "77", "READINGTIME": "2024-01-01T00:00:00"}`

		var r Reading
		require.NoError(t, json.Unmarshal([]byte(body), &r))

		assert.Equal(t, "77", r.MeterNumber)
		assert.Equal(t, "2024-01-01T00:00:00", r.ReadingTime)
		assert.Empty(t, r.Extra, "variant-cased known keys must not leak into Extra")
	})

	t.Run("StringConsumption", func(t *testing.T) {
		var r Reading
		require.NoError(t, json.Unmarshal([]byte(`{"totalWaterDataWithMultiplier": "99.5"}`), &r))
		assert.Equal(t, "99.5", r.Consumption)
	})

	t.Run("NullIdentifier", func(t *testing.T) {
		var r Reading
		require.NoError(t, json.Unmarshal([]byte(`{"MeterNumber": null}`), &r))
		assert.Empty(t, r.MeterNumber)
	})
}

func TestReadingMarshal(t *testing.T) {
	r := Reading{
		Consumption: "12.5",
		ReadingTime: "2024-05-01T08:30:00",
		MeterNumber: "42",
		Extra:       map[string]any{"customField": "x"},
	}

	out, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, 12.5, m[KeyConsumption], "numeric consumption should marshal as a number")
	assert.Equal(t, "2024-05-01T08:30:00", m[KeyReadingTime])
	assert.Equal(t, "42", m[KeyMeterNumber])
	assert.Equal(t, "x", m["customField"])
}

func TestSnapshotLatest(t *testing.T) {
	_, ok := Snapshot(nil).Latest()
	assert.False(t, ok)

	s := Snapshot{
		{Consumption: "100"},
		{Consumption: "90"},
		{Consumption: "120"},
	}
	last, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, "120", last.Consumption, "the last array element wins")
}

func TestCredentialsKey(t *testing.T) {
	c := Credentials{CustomerID: "812100", MeterNumber: "555"}
	assert.Equal(t, "812100_555", c.Key())
}
