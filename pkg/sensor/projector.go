// Package sensor projects a fetched reading snapshot into the state the host
// platform presents: a single current value plus an attribute bag.
package sensor

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/citywater/citywater/pkg/log"
	"github.com/citywater/citywater/pkg/types"
)

const (
	// Unit of the reported value.
	Unit = "m³"

	// Synthetic attribute names.
	AttrReadingTime = "reading_time"
	AttrLastPolled  = "last_polled"

	// readingTimeLayout is the exact upstream timestamp shape: local time,
	// no zone offset.
	readingTimeLayout = "2006-01-02T15:04:05"

	// sourceTimeZone is the zone the upstream reports readings in.
	sourceTimeZone = "Asia/Jerusalem"
)

// excludedAttributes are reading fields that never go into the attribute bag:
// they are surfaced through dedicated channels (the value itself, the
// reading_time attribute, device identifiers). Matched on the lowercase form.
var excludedAttributes = map[string]struct{}{
	strings.ToLower(types.KeyConsumption):     {},
	strings.ToLower(types.KeyReadingTime):     {},
	strings.ToLower(types.KeyMeterNumber):     {},
	strings.ToLower(types.KeyWaterCardID):     {},
	strings.ToLower(types.KeySiteReferenceID): {},
}

var sourceLocation = func() *time.Location {
	loc, err := time.LoadLocation(sourceTimeZone)
	if err != nil {
		// zoneinfo missing on the host; UTC keeps values flowing
		return time.UTC
	}
	return loc
}()

// State is the projected sensor state. Value is nil when the snapshot is
// empty or the consumption field of the latest reading does not parse.
type State struct {
	Value      *float64       `json:"value"`
	Unit       string         `json:"unit"`
	Attributes map[string]any `json:"attributes"`
}

// Project derives the current sensor state from a snapshot. The last element
// of the snapshot is authoritative, positionally; readings are never
// re-sorted here. Parse failures degrade to absent fields, never errors.
func Project(ctx context.Context, snapshot types.Snapshot, lastPolled time.Time) State {
	state := State{
		Unit:       Unit,
		Attributes: make(map[string]any),
	}

	if !lastPolled.IsZero() {
		state.Attributes[AttrLastPolled] = lastPolled.UTC().Format(time.RFC3339)
	}

	latest, ok := snapshot.Latest()
	if !ok {
		return state
	}

	if latest.Consumption != "" {
		if v, err := strconv.ParseFloat(latest.Consumption, 64); err == nil {
			state.Value = &v
		} else {
			log.Ctx(ctx).WarnContext(ctx, "invalid water reading value", slog.String("value", latest.Consumption))
		}
	}

	if t, err := ParseReadingTime(latest.ReadingTime); err == nil {
		state.Attributes[AttrReadingTime] = t.Format(time.RFC3339)
	} else if latest.ReadingTime != "" {
		log.Ctx(ctx).WarnContext(ctx, "failed to parse reading time", slog.String("readingTime", latest.ReadingTime))
	}

	for k, v := range latest.Extra {
		if _, excluded := excludedAttributes[strings.ToLower(k)]; excluded {
			continue
		}
		state.Attributes[k] = v
	}

	return state
}

// ParseReadingTime parses an upstream timestamp, interprets it in the source
// time zone, and normalizes to UTC.
func ParseReadingTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(readingTimeLayout, s, sourceLocation)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// DeviceInfo is the meter metadata derived from a snapshot, for display and
// linking back to the municipality portal.
type DeviceInfo struct {
	MeterNumber      string `json:"meterNumber,omitempty"`
	PropertyID       string `json:"propertyID,omitempty"`
	SiteReferenceID  string `json:"siteReferenceID,omitempty"`
	ConfigurationURL string `json:"configurationURL"`
}

// Device extracts device identifiers from the first reading of a snapshot.
func Device(snapshot types.Snapshot, portalBaseURL string) DeviceInfo {
	info := DeviceInfo{ConfigurationURL: portalBaseURL}
	if len(snapshot) == 0 {
		return info
	}

	first := snapshot[0]
	info.MeterNumber = first.MeterNumber
	info.PropertyID = first.WaterCardID
	info.SiteReferenceID = first.SiteReferenceID
	if first.SiteReferenceID != "" {
		info.ConfigurationURL = portalBaseURL + "/PortalServicesSite/_portal/" + first.SiteReferenceID
	}
	return info
}

// Statistics converts every parseable reading of a snapshot into discrete
// time-stamped data points for the statistics sink, sorted ascending by
// timestamp. Readings with a missing value or unparseable timestamp are
// skipped, not fatal.
func Statistics(ctx context.Context, snapshot types.Snapshot) []types.Statistic {
	stats := make([]types.Statistic, 0, len(snapshot))
	for _, r := range snapshot {
		if r.Consumption == "" || r.ReadingTime == "" {
			continue
		}
		start, err := ParseReadingTime(r.ReadingTime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping reading with bad timestamp", slog.String("readingTime", r.ReadingTime))
			continue
		}
		v, err := strconv.ParseFloat(r.Consumption, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping reading with bad value", slog.String("value", r.Consumption))
			continue
		}
		// cumulative meter: the reading is both the state and the running sum
		stats = append(stats, types.Statistic{Start: start, State: v, Sum: v})
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Start.Before(stats[j].Start)
	})
	return stats
}
