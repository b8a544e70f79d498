package models

import "time"

// OracleType tags a kind of external data feed
type OracleType string

const (
	OracleFXRates OracleType = "fx_rates"
	OracleWeather OracleType = "weather"
	OracleGPS     OracleType = "gps"
)

// AllOracleTypes lists every supported oracle type
var AllOracleTypes = []OracleType{OracleFXRates, OracleWeather, OracleGPS}

// WeatherReading is the cached weather for one zone
type WeatherReading struct {
	TemperatureC float64 `json:"temperature_c"`
	Condition    string  `json:"condition"`
}

// Snapshot is an immutable copy of one oracle's data at FetchedAt.
// Only the map matching Type is populated.
type Snapshot struct {
	Type      OracleType                `json:"type"`
	FetchedAt time.Time                 `json:"fetched_at"`
	FX        map[string]float64        `json:"fx,omitempty"`
	Weather   map[string]WeatherReading `json:"weather,omitempty"`
	GPS       map[string]string         `json:"gps,omitempty"`
}

// Stale reports whether the snapshot is older than ttl at now
func (s *Snapshot) Stale(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.FetchedAt) > ttl
}
