package rules

import (
	"time"

	"greendelivery/ingestion/internal/domain"
)

type phase int

const (
	phaseNormal phase = iota
	phaseActive
	phaseCooldown
)

// alertState is the tagged per-(parcel, kind) state machine variant. It is
// the steady-state source of truth for alert lifecycle; recomputing from
// persisted rows is a recovery path, not the normal design.
type alertState struct {
	phase phase
	alert domain.Alert

	activeSince time.Time // when the current violation began
	clearedAt   time.Time // when the condition was first observed clear while Active
	closedAt    time.Time // when the alert entered Cooldown

	peak    float64 // worst observed value during the violation
	samples int     // violating samples since open (including reopens)
}

func (s *alertState) reset() {
	*s = alertState{}
}

// ParcelWindow is the per-parcel working memory for rule evaluation.
// Ownership is exclusive to one pipeline shard, so no locking happens here;
// the shard's single writer is the serialization discipline.
type ParcelWindow struct {
	ParcelID string

	// LastSeen is the newest reading timestamp applied to this window.
	// Lateness and duplicate detection compare against it.
	LastSeen time.Time

	// LastArrival is the server-clock instant of the most recent delivery
	// for this parcel, late or duplicated included. The connectivity-gap
	// sweep compares against it, so a tracker with a skewed clock cannot
	// look permanently silent.
	LastArrival time.Time

	readings []*domain.TelemetryReading
	states   map[domain.AlertKind]*alertState

	span time.Duration
	cap  int
}

func NewParcelWindow(parcelID string, span time.Duration, maxReadings int) *ParcelWindow {
	return &ParcelWindow{
		ParcelID: parcelID,
		states:   make(map[domain.AlertKind]*alertState),
		span:     span,
		cap:      maxReadings,
	}
}

// IsLate reports whether ts is at or before the last processed reading's
// timestamp. Equal counts as late: (parcel_id, ts) is the idempotency key,
// so an at-least-once redelivery carries a timestamp already applied, and
// reapplying it would inflate the window. Late samples are persisted and
// flagged but never applied.
func (w *ParcelWindow) IsLate(ts time.Time) bool {
	return !w.LastSeen.IsZero() && !ts.After(w.LastSeen)
}

// Len returns the number of retained readings.
func (w *ParcelWindow) Len() int { return len(w.readings) }

func (w *ParcelWindow) add(r *domain.TelemetryReading) {
	w.readings = append(w.readings, r)
	w.LastSeen = r.Timestamp
	if r.ReceivedAt.After(w.LastArrival) {
		w.LastArrival = r.ReceivedAt
	}

	// Evict readings that fell out of the time span.
	cutoff := r.Timestamp.Add(-w.span)
	start := 0
	for start < len(w.readings) && w.readings[start].Timestamp.Before(cutoff) {
		start++
	}
	w.readings = w.readings[start:]

	if w.cap > 0 && len(w.readings) > w.cap {
		w.readings = w.readings[len(w.readings)-w.cap:]
	}
}

func (w *ParcelWindow) state(kind domain.AlertKind) *alertState {
	st, ok := w.states[kind]
	if !ok {
		st = &alertState{}
		w.states[kind] = st
	}
	return st
}

// hasState avoids allocating state for kinds that never fired.
func (w *ParcelWindow) hasState(kind domain.AlertKind) bool {
	st, ok := w.states[kind]
	return ok && st.phase != phaseNormal
}
