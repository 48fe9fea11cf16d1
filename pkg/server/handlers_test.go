package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/citywater/citywater/pkg/storage/storagemock"
	"github.com/citywater/citywater/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testReadings = `[
	{"totalWaterDataWithMultiplier": 100, "readingTime": "2024-05-01T08:00:00", "MeterNumber": "555", "ExternalWaterCardId": "prop-1", "SiteExternalReferenceId": "site-9", "address": "Herzl 1"},
	{"totalWaterDataWithMultiplier": 105, "readingTime": "2024-05-02T08:00:00", "MeterNumber": "555", "ExternalWaterCardId": "prop-1", "SiteExternalReferenceId": "site-9", "address": "Herzl 1"}
]`

func TestHandleSensor(t *testing.T) {
	srv, p := newTestServer(t, testReadings)
	handler := srv.setupHandler()

	t.Run("UnknownMeter", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/sensor/1/2", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("BeforeFirstPoll", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/sensor/812100/555", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp sensorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Available)
		assert.Nil(t, resp.State.Value)
	})

	t.Run("AfterPoll", func(t *testing.T) {
		_, err := p.ForceTick(context.Background())
		require.NoError(t, err)

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/sensor/812100/555", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp sensorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Available)
		require.NotNil(t, resp.State.Value)
		assert.Equal(t, 105.0, *resp.State.Value)
		assert.Equal(t, "m³", resp.State.Unit)
		assert.Equal(t, "Herzl 1", resp.State.Attributes["address"])
		assert.Equal(t, "555", resp.Device.MeterNumber)
		assert.Equal(t, "prop-1", resp.Device.PropertyID)
		assert.Equal(t, "מי מודיעין", resp.Municipality)
		assert.False(t, resp.NeedsReconfiguration)
		require.NotNil(t, resp.LastSuccess)
	})
}

func TestHandleUpdate(t *testing.T) {
	srv, p := newTestServer(t, testReadings)
	handler := srv.setupHandler()

	t.Run("AllMeters", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/update", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Status  string            `json:"status"`
			Results map[string]string `json:"results"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "done", resp.Status)
		assert.Equal(t, "ok", resp.Results["812100_555"])
		assert.Len(t, p.State().Snapshot, 2)
	})

	t.Run("SpecificMeter", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/update?meter=812100_555", nil))
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("UnknownMeter", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/update?meter=nope", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleImport(t *testing.T) {
	srv, _ := newTestServer(t, testReadings)
	handler := srv.setupHandler()

	t.Run("MissingMeter", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/import", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Import", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/import?meter=812100_555", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Status     string `json:"status"`
			Readings   int    `json:"readings"`
			Statistics int    `json:"statistics"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "success", resp.Status)
		assert.Equal(t, 2, resp.Readings)
		assert.Equal(t, 2, resp.Statistics)

		ctx := context.Background()
		stats, err := srv.storage.GetStatistics(ctx, "812100_555", time.Time{}, time.Now())
		require.NoError(t, err)
		require.Len(t, stats, 2)
		assert.Equal(t, 100.0, stats[0].State)
		assert.Equal(t, 105.0, stats[1].State)

		info, err := srv.storage.GetImportInfo(ctx, "812100_555")
		require.NoError(t, err)
		assert.Equal(t, 2, info.Statistics)
		assert.False(t, info.LastImport.IsZero())
	})

	t.Run("StorageError", func(t *testing.T) {
		mockDB := &storagemock.MockDatabase{}
		mockDB.On("UpsertStatistics", mock.Anything, "812100_555", mock.Anything).Return(assert.AnError)
		srv.storage = mockDB

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/import?meter=812100_555", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		mockDB.AssertExpectations(t)
	})
}

func TestHandleStatistics(t *testing.T) {
	srv, _ := newTestServer(t, testReadings)
	handler := srv.setupHandler()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC) // 08:00 IDT
	require.NoError(t, srv.storage.UpsertStatistics(ctx, "812100_555", []types.Statistic{
		{Start: base, State: 100, Sum: 100},
		{Start: base.Add(24 * time.Hour), State: 105, Sum: 105},
	}))

	t.Run("Range", func(t *testing.T) {
		url := "/api/statistics/812100/555?start=" + base.Add(-time.Hour).Format(time.RFC3339) +
			"&end=" + base.Add(time.Hour).Format(time.RFC3339)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", url, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Statistics []types.Statistic `json:"statistics"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Statistics, 1)
		assert.Equal(t, 100.0, resp.Statistics[0].State)
	})

	t.Run("InvalidRange", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/statistics/812100/555?start=garbage&end=2024-05-01T00:00:00Z", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnknownMeter", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/statistics/1/2", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleMunicipalities(t *testing.T) {
	srv, _ := newTestServer(t, `[]`)
	handler := srv.setupHandler()

	t.Run("Static", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/municipalities", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var list []types.Municipality
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		require.Len(t, list, 2)
		assert.NotEmpty(t, w.Result().Header.Get("Cache-Control"))
	})

	t.Run("Refresh", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/municipalities?refresh=1", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var list []types.Municipality
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		require.Len(t, list, 2)
		assert.Equal(t, 812100, list[0].CustomerID)
		assert.Equal(t, "מי מודיעין", list[0].NameHe)
	})
}
