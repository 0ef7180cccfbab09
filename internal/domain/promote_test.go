package domain

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFakeClock(t *testing.T) *clockwork.FakeClock {
	t.Helper()
	clk := clockwork.NewFakeClockAt(baseTime)
	SetClock(clk)
	t.Cleanup(func() { SetClock(nil) })
	return clk
}

func TestPromoteCandidate(t *testing.T) {
	withFakeClock(t)

	c := CandidateAlert{
		Rule:       aqiRule("aqi-high", ComparatorGT, 180, SeverityHigh),
		Severity:   SeverityHigh,
		Value:      185,
		StationID:  testStation,
		ObservedAt: baseTime,
		ExpiresAt:  baseTime.Add(24 * time.Hour),
	}

	alert, err := PromoteCandidate(c)
	require.NoError(t, err)

	assert.NotEmpty(t, alert.ID)
	assert.True(t, alert.IsAutomatic)
	assert.Empty(t, alert.CreatedBy)
	assert.Equal(t, SeverityHigh, alert.Level)
	assert.Equal(t, AlertTypeAirQuality, alert.Type)
	assert.Equal(t, "Air quality alert (HIGH): AQI 185", alert.Title)
	assert.Equal(t, "AQI reached 185 at S-1 (threshold > 180).", alert.Message)
	assert.Equal(t, "Limit outdoor activity near S-1.", alert.Advice)
	assert.Equal(t, baseTime, alert.SentAt)
	require.NotNil(t, alert.ExpiresAt)
	assert.Equal(t, baseTime.Add(24*time.Hour), *alert.ExpiresAt)
	assert.Equal(t, DeliveryPending, alert.DeliveryStatus)

	require.NotNil(t, alert.SourceData)
	assert.Equal(t, SourceData{
		Metric:     MetricAQI,
		Value:      185,
		Threshold:  180,
		Comparator: ComparatorGT,
		RuleID:     "aqi-high",
		Timestamp:  baseTime,
	}, *alert.SourceData)
}

func TestPromoteCandidate_ExpiredReadingRejected(t *testing.T) {
	clk := withFakeClock(t)
	clk.Advance(72 * time.Hour)

	_, err := PromoteCandidate(CandidateAlert{
		Rule:      aqiRule("aqi-high", ComparatorGT, 180, SeverityHigh),
		Severity:  SeverityHigh,
		Value:     185,
		StationID: testStation,
		ExpiresAt: baseTime.Add(24 * time.Hour),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expires_at", verr.Field)
}

func TestNewAlert_AutomaticManualInvariant(t *testing.T) {
	withFakeClock(t)
	snapshot := &SourceData{Metric: MetricAQI, Value: 200, Threshold: 180, Comparator: ComparatorGT, RuleID: "r"}
	base := AlertSpec{Level: SeverityHigh, Type: AlertTypeWeather, Title: "t", Message: "m"}

	tests := []struct {
		name      string
		mutate    func(*AlertSpec)
		wantField string
	}{
		{"automatic ok", func(s *AlertSpec) { s.IsAutomatic = true; s.SourceData = snapshot }, ""},
		{"manual ok", func(s *AlertSpec) { s.CreatedBy = "admin-1" }, ""},
		{"automatic without snapshot", func(s *AlertSpec) { s.IsAutomatic = true }, "source_data"},
		{"automatic with author", func(s *AlertSpec) {
			s.IsAutomatic = true
			s.SourceData = snapshot
			s.CreatedBy = "admin-1"
		}, "created_by"},
		{"manual without author", func(s *AlertSpec) {}, "created_by"},
		{"manual with snapshot", func(s *AlertSpec) { s.CreatedBy = "admin-1"; s.SourceData = snapshot }, "source_data"},
		{"blank title", func(s *AlertSpec) { s.CreatedBy = "admin-1"; s.Title = "  " }, "title"},
		{"unknown level", func(s *AlertSpec) { s.CreatedBy = "admin-1"; s.Level = "EXTREME" }, "level"},
		{"unknown type", func(s *AlertSpec) { s.CreatedBy = "admin-1"; s.Type = "TRAFFIC" }, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			tt.mutate(&spec)
			alert, err := NewAlert(spec)
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, spec.IsAutomatic, alert.SourceData != nil)
				assert.Equal(t, spec.IsAutomatic, alert.CreatedBy == "")
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestPromoteManual(t *testing.T) {
	withFakeClock(t)
	expires := baseTime.Add(6 * time.Hour)

	alert, err := PromoteManual(ManualAlertRequest{
		Level:        SeverityCritical,
		Type:         AlertTypeDisaster,
		Title:        "Flash flood warning",
		Message:      "Move to higher ground.",
		AffectedArea: Polygon{square(hcmc.Lon, hcmc.Lat, 0.02)},
		ExpiresAt:    &expires,
	}, "admin-7")
	require.NoError(t, err)

	assert.False(t, alert.IsAutomatic)
	assert.Nil(t, alert.SourceData)
	assert.Equal(t, "admin-7", alert.CreatedBy)
	assert.Len(t, alert.AffectedArea, 1)
}

func TestPromoteIncident(t *testing.T) {
	withFakeClock(t)
	inc := Incident{
		ID:       "inc-1",
		Type:     "CHEMICAL_SPILL",
		Location: hcmc,
		Verified: true,
	}

	alert, err := PromoteIncident(inc, IncidentAlertRequest{}, "admin-1", DefaultIncidentBufferMeters)
	require.NoError(t, err)

	assert.Equal(t, "inc-1", alert.IncidentID)
	assert.Equal(t, SeverityHigh, alert.Level)
	assert.Equal(t, AlertTypeEnvironmental, alert.Type)
	assert.Equal(t, "Chemical spill reported nearby", alert.Title)
	assert.Contains(t, alert.Message, "within 500 m")
	require.NoError(t, alert.AffectedArea.Validate())
	assert.True(t, alert.AffectedArea.Contains(hcmc))
	assert.False(t, alert.AffectedArea.Contains(Point{Lon: hcmc.Lon + 0.01, Lat: hcmc.Lat}), "1km east is outside a 500m buffer")
}

func TestPromoteIncident_Overrides(t *testing.T) {
	withFakeClock(t)
	inc := Incident{ID: "inc-2", Type: "FLOOD", Description: "Street flooding on Le Loi", Location: hcmc, Verified: true}

	alert, err := PromoteIncident(inc, IncidentAlertRequest{
		Level:        SeverityCritical,
		RadiusMeters: 2000,
	}, "admin-1", DefaultIncidentBufferMeters)
	require.NoError(t, err)

	assert.Equal(t, SeverityCritical, alert.Level)
	assert.Equal(t, AlertTypeDisaster, alert.Type)
	assert.Equal(t, "Street flooding on Le Loi", alert.Message)
	assert.True(t, alert.AffectedArea.Contains(Point{Lon: hcmc.Lon + 0.01, Lat: hcmc.Lat}))
}

func TestPromoteIncident_Rejects(t *testing.T) {
	withFakeClock(t)

	_, err := PromoteIncident(Incident{ID: "x", Type: "FLOOD", Location: hcmc}, IncidentAlertRequest{}, "admin-1", 500)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "incident", verr.Field)

	_, err = PromoteIncident(Incident{ID: "x", Type: "FLOOD", Location: hcmc, Verified: true},
		IncidentAlertRequest{RadiusMeters: 50000}, "admin-1", 500)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "radius_meters", verr.Field)
}

func TestRenderAdvice(t *testing.T) {
	c := CandidateAlert{
		Rule:      aqiRule("r", ComparatorGTE, 150, SeverityMedium),
		Severity:  SeverityMedium,
		Value:     151.5,
		StationID: "Q1",
	}
	got := RenderAdvice("{metric} is {value} (limit {threshold}) at {station}: {severity}", c)
	assert.Equal(t, "AQI is 151.5 (limit 150) at Q1: MEDIUM", got)
}
