package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/citywater/citywater/pkg/city4u"
	"github.com/citywater/citywater/pkg/log"
	"github.com/citywater/citywater/pkg/municipalities"
	"github.com/citywater/citywater/pkg/poller"
	"github.com/citywater/citywater/pkg/sensor"
	"github.com/citywater/citywater/pkg/types"
)

func (s *Server) meterFromPath(w http.ResponseWriter, r *http.Request) (*poller.Poller, bool) {
	key := r.PathValue("customerID") + "_" + r.PathValue("meterNumber")
	p, ok := s.pollers.Get(key)
	if !ok {
		writeJSONError(w, "unknown meter: "+key, http.StatusNotFound)
		return nil, false
	}
	return p, true
}

type sensorResponse struct {
	Available            bool              `json:"available"`
	State                sensor.State      `json:"state"`
	Device               sensor.DeviceInfo `json:"device"`
	Municipality         string            `json:"municipality,omitempty"`
	LastSuccess          *time.Time        `json:"lastSuccess,omitempty"`
	LastError            string            `json:"lastError,omitempty"`
	ConsecutiveFailures  int               `json:"consecutiveFailures,omitempty"`
	NeedsReconfiguration bool              `json:"needsReconfiguration"`
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := s.meterFromPath(w, r)
	if !ok {
		return
	}

	state := p.State()
	resp := sensorResponse{
		Available:            !state.LastSuccess.IsZero() && state.LastError == nil,
		State:                sensor.Project(ctx, state.Snapshot, p.LastPolled()),
		Device:               sensor.Device(state.Snapshot, s.portalBaseURL),
		NeedsReconfiguration: state.NeedsReconfiguration,
		ConsecutiveFailures:  state.ConsecutiveFailures,
	}
	if !state.LastSuccess.IsZero() {
		t := state.LastSuccess
		resp.LastSuccess = &t
	}
	if state.LastError != nil {
		resp.LastError = state.LastError.Error()
	}
	if id, err := strconv.Atoi(r.PathValue("customerID")); err == nil {
		if m, ok := municipalities.ByID(id); ok {
			resp.Municipality = m.NameHe
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// handleUpdate forces an immediate poll. With a meter query parameter it
// polls just that meter, otherwise every registered one. A forced poll
// clears the needs-reconfiguration flag so fixed credentials get picked up
// without a restart.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	targets := s.pollers.All()
	if meter := r.URL.Query().Get("meter"); meter != "" {
		p, ok := s.pollers.Get(meter)
		if !ok {
			writeJSONError(w, "unknown meter: "+meter, http.StatusNotFound)
			return
		}
		targets = []*poller.Poller{p}
	}

	results := make(map[string]string, len(targets))
	for _, p := range targets {
		start := time.Now()
		_, err := p.ForceTick(ctx)
		observePoll(p.Key(), err, time.Since(start))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "forced poll failed",
				slog.String("meter", p.Key()), slog.Any("error", err))
			results[p.Key()] = err.Error()
			continue
		}
		results[p.Key()] = "ok"
		if latest, ok := p.State().Snapshot.Latest(); ok {
			recordConsumption(p.Key(), latest.Consumption)
		}
	}

	w.WriteHeader(http.StatusOK)
	// We return 200 OK even on per-meter failures so the scheduler doesn't
	// think the whole run failed
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "done",
		"results": results,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// handleImport fetches the full reading history for a meter and writes it
// to the statistics sink.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	meter := r.URL.Query().Get("meter")
	if meter == "" {
		writeJSONError(w, "missing meter query parameter", http.StatusBadRequest)
		return
	}
	p, ok := s.pollers.Get(meter)
	if !ok {
		writeJSONError(w, "unknown meter: "+meter, http.StatusNotFound)
		return
	}

	c := p.Client()
	if !c.IsTokenValid() {
		if err := c.Authenticate(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "import: authentication failed",
				slog.String("meter", meter), slog.Any("error", err))
			writeJSONError(w, "authentication failed: "+err.Error(), http.StatusBadGateway)
			return
		}
	}
	snapshot, err := c.FetchAllHistorical(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "import: fetch failed",
			slog.String("meter", meter), slog.Any("error", err))
		writeJSONError(w, "fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	stats := sensor.Statistics(ctx, snapshot)
	if err := s.storage.UpsertStatistics(ctx, meter, stats); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "import: failed to upsert statistics",
			slog.String("meter", meter), slog.Any("error", err))
		writeJSONError(w, "failed to store statistics", http.StatusInternalServerError)
		return
	}
	info := types.ImportInfo{LastImport: time.Now().UTC(), Statistics: len(stats)}
	if err := s.storage.SetImportInfo(ctx, meter, info); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "import: failed to record import info",
			slog.String("meter", meter), slog.Any("error", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "imported historical statistics",
		slog.String("meter", meter),
		slog.Int("readings", len(snapshot)),
		slog.Int("statistics", len(stats)),
	)

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "success",
		"readings":   len(snapshot),
		"statistics": len(stats),
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := s.meterFromPath(w, r)
	if !ok {
		return
	}

	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := s.storage.GetStatistics(ctx, p.Key(), start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get statistics",
			slog.String("meter", p.Key()), slog.Any("error", err))
		writeJSONError(w, "failed to get statistics", http.StatusInternalServerError)
		return
	}
	info, err := s.storage.GetImportInfo(ctx, p.Key())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get import info",
			slog.String("meter", p.Key()), slog.Any("error", err))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"statistics": stats,
		"importInfo": info,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// handleMunicipalities serves the verified municipality list. With
// refresh=1 it proxies the upstream customer directory instead, which
// lists every tenant whether or not they expose water data.
func (s *Server) handleMunicipalities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var list []types.Municipality
	if r.URL.Query().Get("refresh") == "1" {
		var err error
		list, err = city4u.FetchMunicipalities(ctx, s.pollers.Config())
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch customer directory", slog.Any("error", err))
			writeJSONError(w, "failed to fetch customer directory", http.StatusBadGateway)
			return
		}
	} else {
		list = municipalities.Sorted()
		// the static list changes only on deploy
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" && endStr == "" {
		// Default to the last 30 days if not specified
		end := time.Now()
		start := end.Add(-30 * 24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	return start, end, nil
}
