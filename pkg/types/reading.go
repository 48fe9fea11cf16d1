package types

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Canonical JSON keys of the known reading fields, as the upstream sends them.
const (
	KeyConsumption     = "totalWaterDataWithMultiplier"
	KeyReadingTime     = "readingTime"
	KeyMeterNumber     = "MeterNumber"
	KeyWaterCardID     = "ExternalWaterCardId"
	KeySiteReferenceID = "SiteExternalReferenceId"
)

// Reading is one water-meter measurement as returned by the upstream service.
// The known fields are typed; everything else the upstream sends is preserved
// verbatim in Extra so it can be passed through to the presentation layer.
type Reading struct {
	// Consumption is the raw text of the cumulative consumption field
	// (multiplier already applied by the upstream). It is kept unparsed here;
	// the projector decides whether it is a usable number.
	Consumption string

	// ReadingTime is the upstream timestamp string, expected to look like
	// 2024-01-02T15:04:05 with no zone offset.
	ReadingTime string

	MeterNumber     string
	WaterCardID     string
	SiteReferenceID string

	// Extra holds every field not covered above.
	Extra map[string]any
}

// UnmarshalJSON maps the known fields (case-insensitively) and collects the
// rest into Extra.
func (r *Reading) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	out := Reading{}
	for k, v := range raw {
		switch strings.ToLower(k) {
		case strings.ToLower(KeyConsumption):
			out.Consumption = rawScalar(v)
		case strings.ToLower(KeyReadingTime):
			out.ReadingTime = rawScalar(v)
		case strings.ToLower(KeyMeterNumber):
			out.MeterNumber = rawScalar(v)
		case strings.ToLower(KeyWaterCardID):
			out.WaterCardID = rawScalar(v)
		case strings.ToLower(KeySiteReferenceID):
			out.SiteReferenceID = rawScalar(v)
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			if out.Extra == nil {
				out.Extra = make(map[string]any)
			}
			out.Extra[k] = val
		}
	}

	*r = out
	return nil
}

// MarshalJSON writes the reading back out using the canonical upstream keys.
func (r Reading) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		m[k] = v
	}
	if r.Consumption != "" {
		if f, err := strconv.ParseFloat(r.Consumption, 64); err == nil {
			m[KeyConsumption] = f
		} else {
			m[KeyConsumption] = r.Consumption
		}
	}
	if r.ReadingTime != "" {
		m[KeyReadingTime] = r.ReadingTime
	}
	if r.MeterNumber != "" {
		m[KeyMeterNumber] = r.MeterNumber
	}
	if r.WaterCardID != "" {
		m[KeyWaterCardID] = r.WaterCardID
	}
	if r.SiteReferenceID != "" {
		m[KeySiteReferenceID] = r.SiteReferenceID
	}
	return json.Marshal(m)
}

// rawScalar renders a raw JSON value as its text form: strings are unquoted,
// numbers and everything else keep their literal JSON text. The upstream
// switches between strings and numbers for the same field depending on the
// municipality.
func rawScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	t := strings.TrimSpace(string(raw))
	if t == "null" {
		return ""
	}
	return t
}
