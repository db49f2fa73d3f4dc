package domain

import (
	"fmt"
	"time"
)

// RawReading is the wire shape delivered by trackers over MQTT or HTTP.
// Field presence is not guaranteed; the validator decides what is usable.
// Timestamp is kept as a string so a malformed value can be rejected with
// a reason instead of failing JSON decoding.
type RawReading struct {
	ParcelID     string   `json:"parcel_id"`
	Timestamp    string   `json:"ts"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty"`
	GForce       *float64 `json:"g_force,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`

	// Payload is the original message body, carried for audit and replay.
	Payload []byte `json:"-"`
}

// TelemetryReading is a validated sensor sample. Immutable once persisted.
type TelemetryReading struct {
	ReceivedAt time.Time

	ParcelID  string
	Timestamp time.Time

	TemperatureC *float64
	HumidityPct  *float64
	GForce       *float64
	Lat          *float64
	Lon          *float64

	// Late marks a sample that arrived with a timestamp earlier than the
	// parcel's last processed reading. Late samples are persisted but
	// excluded from rule evaluation.
	Late bool

	RawPayload []byte
}

// HasPosition reports whether the reading carries a complete coordinate pair.
func (r *TelemetryReading) HasPosition() bool {
	return r.Lat != nil && r.Lon != nil
}

// RejectionReason names the first field that failed validation and the
// constraint it violated. Permanent: a rejected reading is never retried.
type RejectionReason struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

func (r *RejectionReason) Error() string {
	return fmt.Sprintf("invalid %s: %s", r.Field, r.Constraint)
}

// IngestStatus is the outcome class of one ingest attempt.
type IngestStatus string

const (
	IngestAccepted IngestStatus = "ACCEPTED"
	IngestRejected IngestStatus = "REJECTED"
	IngestErrored  IngestStatus = "ERRORED"
)

// IngestOutcome is returned to the transport boundary for every record.
type IngestOutcome struct {
	Status IngestStatus

	// Reason is set when Status is IngestRejected.
	Reason *RejectionReason

	// Err is set when Status is IngestErrored (transient failure after
	// bounded retries; the record was dead-lettered).
	Err error
}

func Accepted() IngestOutcome {
	return IngestOutcome{Status: IngestAccepted}
}

func Rejected(reason *RejectionReason) IngestOutcome {
	return IngestOutcome{Status: IngestRejected, Reason: reason}
}

func Errored(err error) IngestOutcome {
	return IngestOutcome{Status: IngestErrored, Err: err}
}
