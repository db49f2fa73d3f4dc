// Package validate turns loosely-typed tracker payloads into telemetry
// readings, or rejects them whole. A reading is never clamped or partially
// accepted: either every present field passes its physical range check, or
// the record is rejected with the first failing field named.
package validate

import (
	"fmt"
	"strings"
	"time"

	"greendelivery/ingestion/internal/domain"
)

// Physical measurement ranges. These bound what the hardware can plausibly
// report; the business safe band (e.g. 2-8 °C cold chain) is configuration
// and belongs to the rule engine, not here.
const (
	TempMinC = -40.0
	TempMaxC = 60.0

	HumidityMinPct = 0.0
	HumidityMaxPct = 100.0

	GForceMin = 0.0
	GForceMax = 50.0

	LatMin = -90.0
	LatMax = 90.0
	LonMin = -180.0
	LonMax = 180.0
)

// Validate checks raw in order, short-circuiting on the first failure.
// Pure: same input and receivedAt always yield the same result.
func Validate(raw domain.RawReading, receivedAt time.Time, futureSkew time.Duration) (*domain.TelemetryReading, *domain.RejectionReason) {
	if strings.TrimSpace(raw.ParcelID) == "" {
		return nil, &domain.RejectionReason{Field: "parcel_id", Constraint: "required, non-empty"}
	}

	if raw.Timestamp == "" {
		return nil, &domain.RejectionReason{Field: "ts", Constraint: "required"}
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return nil, &domain.RejectionReason{Field: "ts", Constraint: "must be RFC3339"}
	}
	if ts.After(receivedAt.Add(futureSkew)) {
		return nil, &domain.RejectionReason{
			Field:      "ts",
			Constraint: fmt.Sprintf("more than %s in the future", futureSkew),
		}
	}

	if r := checkRange("temperature_c", raw.TemperatureC, TempMinC, TempMaxC); r != nil {
		return nil, r
	}
	if r := checkRange("humidity_pct", raw.HumidityPct, HumidityMinPct, HumidityMaxPct); r != nil {
		return nil, r
	}
	if r := checkRange("g_force", raw.GForce, GForceMin, GForceMax); r != nil {
		return nil, r
	}
	if r := checkRange("lat", raw.Lat, LatMin, LatMax); r != nil {
		return nil, r
	}
	if r := checkRange("lon", raw.Lon, LonMin, LonMax); r != nil {
		return nil, r
	}

	// Coordinates only mean something as a pair.
	if (raw.Lat == nil) != (raw.Lon == nil) {
		field := "lon"
		if raw.Lat == nil {
			field = "lat"
		}
		return nil, &domain.RejectionReason{Field: field, Constraint: "lat and lon must be present together"}
	}

	// An empty reading is meaningless: at least one measurement or a position.
	if raw.TemperatureC == nil && raw.HumidityPct == nil && raw.GForce == nil && raw.Lat == nil {
		return nil, &domain.RejectionReason{
			Field:      "measurements",
			Constraint: "at least one of temperature_c, humidity_pct, g_force or position required",
		}
	}

	return &domain.TelemetryReading{
		ReceivedAt:   receivedAt,
		ParcelID:     raw.ParcelID,
		Timestamp:    ts.UTC(),
		TemperatureC: raw.TemperatureC,
		HumidityPct:  raw.HumidityPct,
		GForce:       raw.GForce,
		Lat:          raw.Lat,
		Lon:          raw.Lon,
		RawPayload:   raw.Payload,
	}, nil
}

func checkRange(field string, v *float64, min, max float64) *domain.RejectionReason {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return &domain.RejectionReason{
			Field:      field,
			Constraint: fmt.Sprintf("value %g outside physical range [%g, %g]", *v, min, max),
		}
	}
	return nil
}
