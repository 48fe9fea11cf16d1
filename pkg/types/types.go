package types

import "time"

// Credentials holds everything needed to log into the City4U portal for a
// single meter. Immutable once constructed.
type Credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	CustomerID  string `json:"customerID"`
	MeterNumber string `json:"meterNumber"`
}

// Key returns the registry key for this account/meter pair.
func (c Credentials) Key() string {
	return c.CustomerID + "_" + c.MeterNumber
}

// Snapshot is the complete sequence of readings from one successful fetch.
// It replaces any prior sequence wholesale; there is no incremental merge.
type Snapshot []Reading

// Latest returns the last reading in the snapshot. The upstream service
// appends new readings at the end, so the last element is authoritative for
// the current value even if an earlier element carries a later timestamp.
func (s Snapshot) Latest() (Reading, bool) {
	if len(s) == 0 {
		return Reading{}, false
	}
	return s[len(s)-1], true
}

// Statistic is one time-stamped consumption data point for the statistics
// sink. The meter reports cumulative consumption, so State and Sum carry the
// same value.
type Statistic struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
}

// ImportInfo records the outcome of the most recent historical import
// for a meter.
type ImportInfo struct {
	LastImport time.Time `json:"lastImport"`
	Statistics int       `json:"statistics"`
}

// Municipality is one entry of the City4U customer directory.
type Municipality struct {
	CustomerID int    `json:"customerID"`
	NameHe     string `json:"nameHe"`
	LogoURL    string `json:"logoURL,omitempty"`
}
