package domain

import (
	"errors"
	"time"
)

type AlertKind string

const (
	KindTemperatureExcursion AlertKind = "temperature_excursion"
	KindShock                AlertKind = "shock"
	KindHumidityExcursion    AlertKind = "humidity_excursion"
	KindConnectivityGap      AlertKind = "connectivity_gap"
	KindGeofence             AlertKind = "geofence"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Rank orders severities: info < warning < critical. Unknown values rank
// below info so they never win an escalation comparison.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Max returns the higher-ranked of the two severities.
func (s AlertSeverity) Max(other AlertSeverity) AlertSeverity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Alert is a derived event signaling a rule violation. The logical identity
// of an alert is (parcel_id, kind, opened_at); ID is a uuid assigned at open
// time so downstream consumers can dedup at-least-once deliveries.
type Alert struct {
	ID       string         `json:"id"`
	ParcelID string         `json:"parcel_id"`
	Kind     AlertKind      `json:"kind"`
	Severity AlertSeverity  `json:"severity"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// OpenedAt is the timestamp of the triggering reading (or sweep time
	// for connectivity gaps), not the wall clock of row creation.
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	// Occurrences counts reopenings within the cooldown window. A repeated
	// violation never spawns a second row; it increments this counter.
	Occurrences int `json:"occurrences"`
}

// TransitionType classifies a change in an alert's lifecycle.
type TransitionType string

const (
	TransitionOpened    TransitionType = "OPENED"
	TransitionRefreshed TransitionType = "REFRESHED"
	TransitionReopened  TransitionType = "REOPENED"
	TransitionClosed    TransitionType = "CLOSED"
)

// AlertTransition is the unit the rule engine emits and the persistence
// gateway applies. It carries a snapshot of the alert after the transition.
type AlertTransition struct {
	Type  TransitionType `json:"type"`
	Alert Alert          `json:"alert"`
	At    time.Time      `json:"at"`
}

// ErrInvariantViolation marks a programmer error at the storage layer, such
// as refreshing an alert that was never opened. It is reported loudly and
// never retried or silently corrected.
var ErrInvariantViolation = errors.New("alert invariant violation")

// ErrTransientStorage marks a storage failure that exhausted its retry
// budget. The record has been dead-lettered; callers may report the ingest
// as errored but must not treat the input as invalid.
var ErrTransientStorage = errors.New("transient storage failure")
