package oracle

import (
	"strings"
	"time"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// Reader is the read-only oracle surface used by condition evaluation.
// A false ok means the value cannot be used: no snapshot yet, the key is
// missing, or the snapshot is older than the TTL.
type Reader interface {
	FXRate(pair string) (float64, bool)
	Weather(zone string) (models.WeatherReading, bool)
	Zone(ownerID string) (string, bool)
}

// View is an immutable set of snapshots captured at one instant
type View struct {
	snapshots map[models.OracleType]*models.Snapshot
	now       time.Time
	ttl       time.Duration
}

// NewView builds a view from explicit snapshots
func NewView(now time.Time, ttl time.Duration, snaps ...*models.Snapshot) *View {
	m := make(map[models.OracleType]*models.Snapshot, len(snaps))
	for _, s := range snaps {
		m[s.Type] = s
	}
	return &View{snapshots: m, now: now, ttl: ttl}
}

func (v *View) fresh(t models.OracleType) (*models.Snapshot, bool) {
	s, ok := v.snapshots[t]
	if !ok || s.Stale(v.now, v.ttl) {
		return nil, false
	}
	return s, true
}

// FXRate returns the rate for a "BASE/QUOTE" pair. When only the inverse
// pair is cached its reciprocal is used.
func (v *View) FXRate(pair string) (float64, bool) {
	s, ok := v.fresh(models.OracleFXRates)
	if !ok {
		return 0, false
	}

	pair = strings.ToUpper(strings.TrimSpace(pair))
	if rate, ok := s.FX[pair]; ok {
		return rate, true
	}

	base, quote, found := strings.Cut(pair, "/")
	if !found {
		return 0, false
	}
	if inv, ok := s.FX[quote+"/"+base]; ok && inv != 0 {
		return 1 / inv, true
	}
	return 0, false
}

// Weather returns the reading for a zone
func (v *View) Weather(zone string) (models.WeatherReading, bool) {
	s, ok := v.fresh(models.OracleWeather)
	if !ok {
		return models.WeatherReading{}, false
	}
	r, ok := s.Weather[strings.ToLower(zone)]
	return r, ok
}

// Zone returns the owner's last known zone from the GPS feed
func (v *View) Zone(ownerID string) (string, bool) {
	s, ok := v.fresh(models.OracleGPS)
	if !ok {
		return "", false
	}
	z, ok := s.GPS[ownerID]
	return z, ok
}

// Age returns how old the snapshot of a type is at the view's instant
func (v *View) Age(t models.OracleType) (time.Duration, bool) {
	s, ok := v.snapshots[t]
	if !ok {
		return 0, false
	}
	return v.now.Sub(s.FetchedAt), true
}
