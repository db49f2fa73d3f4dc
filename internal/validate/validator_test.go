package validate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greendelivery/ingestion/internal/domain"
	"greendelivery/ingestion/internal/validate"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

const testSkew = 24 * time.Hour

func f(v float64) *float64 { return &v }

func validRaw() domain.RawReading {
	return domain.RawReading{
		ParcelID:     "GD-MEDS-001",
		Timestamp:    testNow.Add(-time.Minute).Format(time.RFC3339),
		TemperatureC: f(5.2),
		HumidityPct:  f(61.0),
		GForce:       f(1.1),
		Lat:          f(40.4168),
		Lon:          f(-3.7038),
	}
}

func TestValidate_AcceptsFullReading(t *testing.T) {
	r, rej := validate.Validate(validRaw(), testNow, testSkew)
	require.Nil(t, rej)
	require.NotNil(t, r)

	assert.Equal(t, "GD-MEDS-001", r.ParcelID)
	assert.Equal(t, 5.2, *r.TemperatureC)
	assert.True(t, r.HasPosition())
	assert.False(t, r.Late)
	assert.Equal(t, testNow, r.ReceivedAt)
}

func TestValidate_AcceptsPartialReading(t *testing.T) {
	raw := domain.RawReading{
		ParcelID:     "GD-MEDS-002",
		Timestamp:    testNow.Format(time.RFC3339),
		TemperatureC: f(4.0),
	}
	r, rej := validate.Validate(raw, testNow, testSkew)
	require.Nil(t, rej)
	assert.Nil(t, r.HumidityPct)
	assert.False(t, r.HasPosition())
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*domain.RawReading)
		wantField string
	}{
		{"missing parcel_id", func(r *domain.RawReading) { r.ParcelID = "" }, "parcel_id"},
		{"blank parcel_id", func(r *domain.RawReading) { r.ParcelID = "   " }, "parcel_id"},
		{"missing ts", func(r *domain.RawReading) { r.Timestamp = "" }, "ts"},
		{"malformed ts", func(r *domain.RawReading) { r.Timestamp = "14/03/2026 12:00" }, "ts"},
		{"future ts beyond skew", func(r *domain.RawReading) {
			r.Timestamp = testNow.Add(25 * time.Hour).Format(time.RFC3339)
		}, "ts"},
		{"temperature below physical range", func(r *domain.RawReading) { r.TemperatureC = f(-41) }, "temperature_c"},
		{"temperature above physical range", func(r *domain.RawReading) { r.TemperatureC = f(60.5) }, "temperature_c"},
		{"humidity above 100", func(r *domain.RawReading) { r.HumidityPct = f(100.1) }, "humidity_pct"},
		{"negative g_force", func(r *domain.RawReading) { r.GForce = f(-0.1) }, "g_force"},
		{"g_force above 50", func(r *domain.RawReading) { r.GForce = f(51) }, "g_force"},
		{"lat out of range", func(r *domain.RawReading) { r.Lat = f(90.5) }, "lat"},
		{"lon out of range", func(r *domain.RawReading) { r.Lon = f(-180.5) }, "lon"},
		{"lat without lon", func(r *domain.RawReading) { r.Lon = nil }, "lon"},
		{"lon without lat", func(r *domain.RawReading) { r.Lat = nil }, "lat"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRaw()
			tc.mutate(&raw)

			r, rej := validate.Validate(raw, testNow, testSkew)
			assert.Nil(t, r)
			require.NotNil(t, rej)
			assert.Equal(t, tc.wantField, rej.Field, "rejection must name the failing field")
			assert.NotEmpty(t, rej.Constraint)
		})
	}
}

func TestValidate_RejectsEmptyReading(t *testing.T) {
	raw := domain.RawReading{
		ParcelID:  "GD-MEDS-003",
		Timestamp: testNow.Format(time.RFC3339),
	}
	r, rej := validate.Validate(raw, testNow, testSkew)
	assert.Nil(t, r)
	require.NotNil(t, rej)
	assert.Equal(t, "measurements", rej.Field)
}

func TestValidate_FutureWithinSkewAccepted(t *testing.T) {
	raw := validRaw()
	raw.Timestamp = testNow.Add(23 * time.Hour).Format(time.RFC3339)

	_, rej := validate.Validate(raw, testNow, testSkew)
	assert.Nil(t, rej)
}

func TestValidate_Deterministic(t *testing.T) {
	raw := validRaw()
	a, rejA := validate.Validate(raw, testNow, testSkew)
	b, rejB := validate.Validate(raw, testNow, testSkew)
	require.Nil(t, rejA)
	require.Nil(t, rejB)
	assert.Equal(t, a, b)
}
