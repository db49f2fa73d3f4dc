package rules_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greendelivery/ingestion/internal/config"
	"greendelivery/ingestion/internal/domain"
	"greendelivery/ingestion/internal/rules"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testCfg() *config.Config {
	return &config.Config{
		TempRangeMinC:          2,
		TempRangeMaxC:          8,
		TempWarnDeltaC:         2,
		TempCritDeltaC:         5,
		TempCritSustainSeconds: 1800,
		JoltThresholdG:         3,
		JoltCritG:              6,
		HumidityMaxPct:         90,
		GapSeconds:             300,
		AlertDwellSeconds:      0,
		AlertCooldownSeconds:   300,
		WindowSeconds:          3600,
		WindowMaxReadings:      120,
	}
}

func newWindow(cfg *config.Config) *rules.ParcelWindow {
	return rules.NewParcelWindow("GD-MEDS-001", cfg.WindowSpan(), cfg.WindowMaxReadings)
}

func tempReading(ts time.Time, c float64) *domain.TelemetryReading {
	return &domain.TelemetryReading{
		ParcelID:     "GD-MEDS-001",
		Timestamp:    ts,
		ReceivedAt:   ts,
		TemperatureC: &c,
	}
}

func gReading(ts time.Time, g float64) *domain.TelemetryReading {
	return &domain.TelemetryReading{ParcelID: "GD-MEDS-001", Timestamp: ts, ReceivedAt: ts, GForce: &g}
}

// feed applies a temperature sequence at one-minute intervals and returns
// all transitions in order.
func feed(e *rules.Engine, w *rules.ParcelWindow, start time.Time, temps ...float64) []domain.AlertTransition {
	var out []domain.AlertTransition
	for i, c := range temps {
		out = append(out, e.Evaluate(w, tempReading(start.Add(time.Duration(i)*time.Minute), c))...)
	}
	return out
}

func TestTemperatureSequence_OpenAtSecondCloseAtFifth(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := feed(e, w, t0, 5, 9, 9, 9, 6)

	require.Len(t, trs, 4) // opened, refreshed, refreshed, closed
	assert.Equal(t, domain.TransitionOpened, trs[0].Type)
	assert.Equal(t, domain.TransitionRefreshed, trs[1].Type)
	assert.Equal(t, domain.TransitionRefreshed, trs[2].Type)
	assert.Equal(t, domain.TransitionClosed, trs[3].Type)

	assert.Equal(t, t0.Add(time.Minute), trs[0].Alert.OpenedAt, "opened at the second reading")
	require.NotNil(t, trs[3].Alert.ClosedAt)
	assert.Equal(t, t0.Add(4*time.Minute), *trs[3].Alert.ClosedAt, "closed at the fifth reading")

	// One logical alert throughout.
	for _, tr := range trs {
		assert.Equal(t, trs[0].Alert.ID, tr.Alert.ID)
		assert.Equal(t, domain.KindTemperatureExcursion, tr.Alert.Kind)
	}
}

func TestDedup_RepeatedViolationsRefreshOneAlert(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := feed(e, w, t0, 9, 9, 9, 9, 9)

	opened := 0
	for _, tr := range trs {
		if tr.Type == domain.TransitionOpened {
			opened++
		}
	}
	assert.Equal(t, 1, opened, "N violations must open exactly one alert")

	last := trs[len(trs)-1]
	assert.Equal(t, domain.TransitionRefreshed, last.Type)
	assert.Equal(t, 1, last.Alert.Occurrences)
	assert.EqualValues(t, 5, last.Alert.Metadata["samples"])
	assert.EqualValues(t, 4*60, last.Alert.Metadata["duration_seconds"])
}

func TestDwell_ConditionMustStayClearBeforeClose(t *testing.T) {
	cfg := testCfg()
	cfg.AlertDwellSeconds = 120
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := feed(e, w, t0, 9, 9, 6, 6, 6)

	// Cleared at minute 2; dwell of 120s elapses at minute 4.
	require.Len(t, trs, 3)
	assert.Equal(t, domain.TransitionClosed, trs[2].Type)
	require.NotNil(t, trs[2].Alert.ClosedAt)
	assert.Equal(t, t0.Add(4*time.Minute), *trs[2].Alert.ClosedAt)
}

func TestFlap_ViolationDuringDwellKeepsAlertOpen(t *testing.T) {
	cfg := testCfg()
	cfg.AlertDwellSeconds = 120
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := feed(e, w, t0, 9, 6, 9, 6, 6, 6)

	var closes, opens int
	for _, tr := range trs {
		switch tr.Type {
		case domain.TransitionClosed:
			closes++
		case domain.TransitionOpened:
			opens++
		}
	}
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes, "brief recovery inside dwell must not close the alert")
}

func TestReopen_WithinCooldownIncrementsOccurrences(t *testing.T) {
	cfg := testCfg() // dwell 0, cooldown 300s
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := feed(e, w, t0, 9, 5) // open, close
	require.Equal(t, domain.TransitionClosed, trs[len(trs)-1].Type)
	openID := trs[0].Alert.ID

	// Recurrence 2 minutes after close: inside the 5-minute cooldown.
	trs = e.Evaluate(w, tempReading(t0.Add(3*time.Minute), 9))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.TransitionReopened, trs[0].Type)
	assert.Equal(t, openID, trs[0].Alert.ID, "reopen must reuse the same logical alert")
	assert.Equal(t, 2, trs[0].Alert.Occurrences)
	assert.Nil(t, trs[0].Alert.ClosedAt)
}

func TestReopen_AfterCooldownOpensFreshAlert(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := feed(e, w, t0, 9, 5)
	openID := trs[0].Alert.ID

	// Recurrence 10 minutes after close: cooldown (5 min) has expired.
	trs = e.Evaluate(w, tempReading(t0.Add(11*time.Minute), 9))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.TransitionOpened, trs[0].Type)
	assert.NotEqual(t, openID, trs[0].Alert.ID)
	assert.Equal(t, 1, trs[0].Alert.Occurrences)
}

func TestSeverity_ScalesWithDeviation(t *testing.T) {
	cases := []struct {
		temp float64
		want domain.AlertSeverity
	}{
		{9, domain.SeverityInfo},      // deviation 1 < warn delta
		{11, domain.SeverityWarning},  // deviation 3 >= warn delta
		{13, domain.SeverityCritical}, // deviation 5 >= crit delta
		{-3.5, domain.SeverityCritical},
	}
	for _, tc := range cases {
		cfg := testCfg()
		e := rules.NewEngine(cfg)
		w := newWindow(cfg)

		trs := e.Evaluate(w, tempReading(t0, tc.temp))
		require.Len(t, trs, 1)
		assert.Equal(t, tc.want, trs[0].Alert.Severity, "temp %.1f", tc.temp)
	}
}

func TestSeverity_EscalatesButNeverDowngrades(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := feed(e, w, t0, 9, 13, 9)
	require.Len(t, trs, 3)
	assert.Equal(t, domain.SeverityInfo, trs[0].Alert.Severity)
	assert.Equal(t, domain.SeverityCritical, trs[1].Alert.Severity)
	assert.Equal(t, domain.SeverityCritical, trs[2].Alert.Severity,
		"severity is monotonic while the alert is open")
}

func TestSeverity_SustainedExcursionBecomesCritical(t *testing.T) {
	cfg := testCfg()
	cfg.TempCritSustainSeconds = 600
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	// Mild excursion (deviation 1) held for 11 minutes at 1-minute cadence.
	trs := feed(e, w, t0, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9)

	assert.Equal(t, domain.SeverityInfo, trs[0].Alert.Severity)
	last := trs[len(trs)-1]
	assert.Equal(t, domain.SeverityCritical, last.Alert.Severity,
		"excursion sustained past %ds must escalate", cfg.TempCritSustainSeconds)
}

func TestShock_SingleSampleThresholds(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := e.Evaluate(w, gReading(t0, 3.5))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.TransitionOpened, trs[0].Type)
	assert.Equal(t, domain.KindShock, trs[0].Alert.Kind)
	assert.Equal(t, domain.SeverityWarning, trs[0].Alert.Severity)

	trs = e.Evaluate(w, gReading(t0.Add(time.Minute), 7.2))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.SeverityCritical, trs[0].Alert.Severity)

	// Back below the jolt threshold: closes (dwell 0).
	trs = e.Evaluate(w, gReading(t0.Add(2*time.Minute), 0.8))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.TransitionClosed, trs[0].Type)
}

func TestHumidity_AboveCeiling(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	h := 93.0
	trs := e.Evaluate(w, &domain.TelemetryReading{
		ParcelID: "GD-MEDS-001", Timestamp: t0, ReceivedAt: t0, HumidityPct: &h,
	})
	require.Len(t, trs, 1)
	assert.Equal(t, domain.KindHumidityExcursion, trs[0].Alert.Kind)
	assert.Equal(t, domain.SeverityInfo, trs[0].Alert.Severity)
}

func TestGeofence_OutsideRadius(t *testing.T) {
	cfg := testCfg()
	cfg.GeofenceLat = 40.4168
	cfg.GeofenceLon = -3.7038
	cfg.GeofenceRadiusKm = 10
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	lat, lon := 40.4168, -3.7038
	inside := &domain.TelemetryReading{ParcelID: "GD-MEDS-001", Timestamp: t0, ReceivedAt: t0, Lat: &lat, Lon: &lon}
	assert.Empty(t, e.Evaluate(w, inside))

	farLat, farLon := 41.0, -3.7038 // ~65km north
	outside := &domain.TelemetryReading{
		ParcelID: "GD-MEDS-001", Timestamp: t0.Add(time.Minute), ReceivedAt: t0.Add(time.Minute),
		Lat: &farLat, Lon: &farLon,
	}
	trs := e.Evaluate(w, outside)
	require.Len(t, trs, 1)
	assert.Equal(t, domain.KindGeofence, trs[0].Alert.Kind)
}

func TestSweep_OpensGapAlertWithoutIngest(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	e.Evaluate(w, tempReading(t0, 5))

	// Within the gap threshold: silent.
	assert.Empty(t, e.Sweep(w, t0.Add(4*time.Minute)))

	trs := e.Sweep(w, t0.Add(6*time.Minute))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.TransitionOpened, trs[0].Type)
	assert.Equal(t, domain.KindConnectivityGap, trs[0].Alert.Kind)

	// Still silent: the open alert refreshes, no duplicate.
	trs = e.Sweep(w, t0.Add(8*time.Minute))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.TransitionRefreshed, trs[0].Type)

	// A reading arriving clears the gap (dwell 0).
	trs = e.Evaluate(w, tempReading(t0.Add(10*time.Minute), 5))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.TransitionClosed, trs[0].Type)
	assert.Equal(t, domain.KindConnectivityGap, trs[0].Alert.Kind)
}

func TestDuplicateTimestamp_NotReappliedToWindow(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	trs := e.Evaluate(w, tempReading(t0, 9))
	require.Len(t, trs, 1)
	require.Equal(t, domain.TransitionOpened, trs[0].Type)

	// At-least-once redelivery: identical timestamp, same payload. It must
	// not refresh the alert or grow the window.
	dup := tempReading(t0, 9)
	trs = e.Evaluate(w, dup)

	assert.True(t, dup.Late)
	assert.Empty(t, trs)
	assert.Equal(t, 1, w.Len())

	// The next real sample counts from 2, not 3.
	trs = e.Evaluate(w, tempReading(t0.Add(time.Minute), 9))
	require.Len(t, trs, 1)
	assert.EqualValues(t, 2, trs[0].Alert.Metadata["samples"])
}

func TestSweep_UsesArrivalClockNotDeviceClock(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	// Tracker clock running two hours slow: old timestamp, fresh delivery.
	r := tempReading(t0.Add(-2*time.Hour), 5)
	r.ReceivedAt = t0
	e.Evaluate(w, r)

	assert.Empty(t, e.Sweep(w, t0.Add(time.Minute)),
		"a skewed device clock must not read as silence")

	// Real silence past the threshold still opens the gap.
	trs := e.Sweep(w, t0.Add(6*time.Minute))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.TransitionOpened, trs[0].Type)
	assert.Equal(t, domain.KindConnectivityGap, trs[0].Alert.Kind)
}

func TestSweep_NoReadingsYetIsSilent(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	assert.Empty(t, e.Sweep(w, t0.Add(time.Hour)))
}

func TestLateReading_FlaggedAndExcludedFromEvaluation(t *testing.T) {
	cfg := testCfg()
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	e.Evaluate(w, tempReading(t0.Add(10*time.Minute), 5))
	require.Equal(t, 1, w.Len())

	// A violating sample that is older than the last processed reading:
	// flagged, no transitions, window untouched.
	late := tempReading(t0.Add(5*time.Minute), 12)
	trs := e.Evaluate(w, late)

	assert.True(t, late.Late)
	assert.Empty(t, trs)
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, t0.Add(10*time.Minute), w.LastSeen)
}

func TestWindow_EvictsBySpanAndCap(t *testing.T) {
	cfg := testCfg()
	cfg.WindowSeconds = 600
	cfg.WindowMaxReadings = 5
	e := rules.NewEngine(cfg)
	w := newWindow(cfg)

	for i := 0; i < 20; i++ {
		e.Evaluate(w, tempReading(t0.Add(time.Duration(i)*time.Minute), 5))
	}
	assert.LessOrEqual(t, w.Len(), 5)
	assert.Equal(t, t0.Add(19*time.Minute), w.LastSeen)
}
