// Package rules evaluates telemetry against cold-chain alert rules. Each
// (parcel, kind) pair runs a Normal → Active → Cooldown state machine:
// repeated violations refresh the open alert instead of spawning duplicates,
// a condition must stay clear for the dwell time before the alert closes,
// and a recurrence within the cooldown window reopens the same logical alert.
package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"greendelivery/ingestion/internal/config"
	"greendelivery/ingestion/internal/domain"
)

type Engine struct {
	cfg *config.Config
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// condEval is one rule's verdict for a single reading or sweep tick.
type condEval struct {
	kind     domain.AlertKind
	violated bool
	severity domain.AlertSeverity
	reason   string
	value    float64
	extra    map[string]any
}

// Evaluate applies one reading to the parcel's window and returns the alert
// transitions it caused. Late readings are flagged and skipped: the window
// is never rewound, so out-of-order delivery cannot corrupt state.
func (e *Engine) Evaluate(w *ParcelWindow, r *domain.TelemetryReading) []domain.AlertTransition {
	if r.Late || w.IsLate(r.Timestamp) {
		r.Late = true
		// Even a late or redelivered sample proves the tracker is alive.
		if r.ReceivedAt.After(w.LastArrival) {
			w.LastArrival = r.ReceivedAt
		}
		return nil
	}
	w.add(r)

	var out []domain.AlertTransition
	for _, c := range e.conditions(w, r) {
		out = append(out, e.transition(w, c, r.Timestamp)...)
	}
	return out
}

// Sweep runs time-driven detection for one parcel. "No data" cannot be seen
// by processing data, so the connectivity-gap rule fires from here, on the
// sweeper's clock. Callers must hold the same per-parcel serialization as
// Evaluate (in practice: the owning shard runs both).
func (e *Engine) Sweep(w *ParcelWindow, now time.Time) []domain.AlertTransition {
	// Silence is measured on the server clock: LastArrival says when the
	// last delivery happened, not what the tracker's clock claimed. A
	// tracker running hours slow still counts as heard from.
	last := w.LastArrival
	if last.IsZero() {
		last = w.LastSeen
	}
	if last.IsZero() {
		// Never heard from this parcel; nothing to compare against.
		return nil
	}
	silence := now.Sub(last)
	violated := silence > e.cfg.Gap()
	if !violated && !w.hasState(domain.KindConnectivityGap) {
		return nil
	}
	return e.transition(w, condEval{
		kind:     domain.KindConnectivityGap,
		violated: violated,
		severity: domain.SeverityWarning,
		reason: fmt.Sprintf("no telemetry received for %ds (gap threshold %ds)",
			int(silence.Seconds()), e.cfg.GapSeconds),
		value: silence.Seconds(),
		extra: map[string]any{
			"last_contact": last.Format(time.RFC3339),
			"gap_seconds":  int(silence.Seconds()),
		},
	}, now)
}

func (e *Engine) conditions(w *ParcelWindow, r *domain.TelemetryReading) []condEval {
	conds := make([]condEval, 0, 5)

	if r.TemperatureC != nil {
		conds = append(conds, e.temperatureCond(w, r))
	}
	if r.GForce != nil {
		conds = append(conds, e.shockCond(r))
	}
	if r.HumidityPct != nil {
		conds = append(conds, e.humidityCond(r))
	}
	if e.cfg.GeofenceRadiusKm > 0 && r.HasPosition() {
		conds = append(conds, e.geofenceCond(r))
	}

	// Any reading proves connectivity; this clears an open gap alert.
	if w.hasState(domain.KindConnectivityGap) {
		conds = append(conds, condEval{kind: domain.KindConnectivityGap})
	}

	return conds
}

func (e *Engine) temperatureCond(w *ParcelWindow, r *domain.TelemetryReading) condEval {
	t := *r.TemperatureC
	dev := 0.0
	switch {
	case t < e.cfg.TempRangeMinC:
		dev = e.cfg.TempRangeMinC - t
	case t > e.cfg.TempRangeMaxC:
		dev = t - e.cfg.TempRangeMaxC
	}

	c := condEval{
		kind:     domain.KindTemperatureExcursion,
		violated: dev > 0,
		value:    dev,
		extra: map[string]any{
			"temperature_c": t,
			"deviation_c":   dev,
			"safe_range_c":  fmt.Sprintf("[%g, %g]", e.cfg.TempRangeMinC, e.cfg.TempRangeMaxC),
		},
	}
	if !c.violated {
		return c
	}

	c.reason = fmt.Sprintf("temperature %.1f°C outside safe range [%g, %g]°C",
		t, e.cfg.TempRangeMinC, e.cfg.TempRangeMaxC)

	// Severity escalates with deviation magnitude, and a long-running
	// excursion is critical regardless of magnitude.
	switch {
	case dev >= e.cfg.TempCritDeltaC || e.tempSustained(w, r.Timestamp):
		c.severity = domain.SeverityCritical
	case dev >= e.cfg.TempWarnDeltaC:
		c.severity = domain.SeverityWarning
	default:
		c.severity = domain.SeverityInfo
	}
	return c
}

// tempSustained reports whether every temperature sample in the window over
// the sustain period violated the safe range, with the earliest sample close
// enough to the period start to prove continuity. Grace of a fifth of the
// period accommodates the reporting interval.
func (e *Engine) tempSustained(w *ParcelWindow, now time.Time) bool {
	d := e.cfg.TempCritSustain()
	if d <= 0 {
		return false
	}
	start := now.Add(-d)
	var first time.Time
	found := false
	for _, s := range w.readings {
		if s.TemperatureC == nil || s.Timestamp.Before(start) || s.Timestamp.After(now) {
			continue
		}
		t := *s.TemperatureC
		if t >= e.cfg.TempRangeMinC && t <= e.cfg.TempRangeMaxC {
			return false
		}
		if !found || s.Timestamp.Before(first) {
			first = s.Timestamp
			found = true
		}
	}
	if !found {
		return false
	}
	return !first.After(start.Add(d / 5))
}

func (e *Engine) shockCond(r *domain.TelemetryReading) condEval {
	g := *r.GForce
	c := condEval{
		kind:     domain.KindShock,
		violated: g >= e.cfg.JoltThresholdG,
		value:    g,
		extra:    map[string]any{"g_force": g, "jolt_threshold_g": e.cfg.JoltThresholdG},
	}
	if !c.violated {
		return c
	}
	c.reason = fmt.Sprintf("shock of %.1fg at or above jolt threshold %.1fg", g, e.cfg.JoltThresholdG)
	c.severity = domain.SeverityWarning
	if g >= e.cfg.JoltCritG {
		c.severity = domain.SeverityCritical
	}
	return c
}

func (e *Engine) humidityCond(r *domain.TelemetryReading) condEval {
	h := *r.HumidityPct
	c := condEval{
		kind:     domain.KindHumidityExcursion,
		violated: h > e.cfg.HumidityMaxPct,
		severity: domain.SeverityInfo,
		value:    h,
		extra:    map[string]any{"humidity_pct": h, "humidity_max_pct": e.cfg.HumidityMaxPct},
	}
	if c.violated {
		c.reason = fmt.Sprintf("humidity %.1f%% above ceiling %.1f%%", h, e.cfg.HumidityMaxPct)
	}
	return c
}

func (e *Engine) geofenceCond(r *domain.TelemetryReading) condEval {
	dist := haversineKm(*r.Lat, *r.Lon, e.cfg.GeofenceLat, e.cfg.GeofenceLon)
	c := condEval{
		kind:     domain.KindGeofence,
		violated: dist > e.cfg.GeofenceRadiusKm,
		severity: domain.SeverityWarning,
		value:    dist,
		extra: map[string]any{
			"distance_km": math.Round(dist*100) / 100,
			"radius_km":   e.cfg.GeofenceRadiusKm,
		},
	}
	if c.violated {
		c.reason = fmt.Sprintf("parcel %.1fkm from geofence center (radius %.1fkm)",
			dist, e.cfg.GeofenceRadiusKm)
	}
	return c
}

// transition advances the (parcel, kind) state machine for one verdict.
func (e *Engine) transition(w *ParcelWindow, c condEval, at time.Time) []domain.AlertTransition {
	st := w.state(c.kind)

	switch st.phase {
	case phaseNormal:
		if !c.violated {
			return nil
		}
		st.phase = phaseActive
		st.activeSince = at
		st.clearedAt = time.Time{}
		st.peak = c.value
		st.samples = 1
		st.alert = domain.Alert{
			ID:          uuid.NewString(),
			ParcelID:    w.ParcelID,
			Kind:        c.kind,
			Severity:    c.severity,
			Reason:      c.reason,
			OpenedAt:    at,
			Occurrences: 1,
		}
		st.alert.Metadata = e.metadata(st, c, at)
		return []domain.AlertTransition{{Type: domain.TransitionOpened, Alert: st.alert, At: at}}

	case phaseActive:
		if c.violated {
			st.clearedAt = time.Time{}
			st.samples++
			if c.value > st.peak {
				st.peak = c.value
			}
			st.alert.Severity = st.alert.Severity.Max(c.severity)
			st.alert.Reason = c.reason
			st.alert.Metadata = e.metadata(st, c, at)
			return []domain.AlertTransition{{Type: domain.TransitionRefreshed, Alert: st.alert, At: at}}
		}
		if st.clearedAt.IsZero() {
			st.clearedAt = at
		}
		if at.Sub(st.clearedAt) >= e.cfg.AlertDwell() {
			closed := at
			st.alert.ClosedAt = &closed
			st.phase = phaseCooldown
			st.closedAt = at
			return []domain.AlertTransition{{Type: domain.TransitionClosed, Alert: st.alert, At: at}}
		}
		return nil

	case phaseCooldown:
		if c.violated {
			if at.Sub(st.closedAt) < e.cfg.AlertCooldown() {
				// Recurrence within cooldown: reopen the same logical
				// alert, never a duplicate row.
				st.phase = phaseActive
				st.activeSince = at
				st.clearedAt = time.Time{}
				st.samples++
				if c.value > st.peak {
					st.peak = c.value
				}
				st.alert.ClosedAt = nil
				st.alert.Occurrences++
				st.alert.Severity = st.alert.Severity.Max(c.severity)
				st.alert.Reason = c.reason
				st.alert.Metadata = e.metadata(st, c, at)
				return []domain.AlertTransition{{Type: domain.TransitionReopened, Alert: st.alert, At: at}}
			}
			// Cooldown expired: a fresh violation is a fresh alert.
			st.reset()
			return e.transition(w, c, at)
		}
		if at.Sub(st.closedAt) >= e.cfg.AlertCooldown() {
			st.reset()
		}
		return nil
	}
	return nil
}

func (e *Engine) metadata(st *alertState, c condEval, at time.Time) map[string]any {
	m := make(map[string]any, len(c.extra)+4)
	for k, v := range c.extra {
		m[k] = v
	}
	m["peak"] = st.peak
	m["samples"] = st.samples
	m["occurrences"] = st.alert.Occurrences
	m["duration_seconds"] = int(at.Sub(st.activeSince).Seconds())
	return m
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
