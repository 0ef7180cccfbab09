package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

const validRules = `
rules:
  - id: aqi-high
    alert_type: AIR_QUALITY
    metric: AQI
    comparator: GT
    value: 180
    severity: HIGH
    advice: "Stay indoors; AQI is {{value}}."
    enabled: true
  - id: aqi-critical
    alert_type: AIR_QUALITY
    metric: AQI
    comparator: GTE
    value: 300
    severity: CRITICAL
    advice: Avoid all outdoor activity.
    enabled: true
    cooldown: 3h
  - id: wind-off
    alert_type: WEATHER
    metric: WIND_SPEED
    comparator: GT
    value: 20
    severity: MEDIUM
    advice: Secure loose objects.
    enabled: false
    cooldown: 12h
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRules(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newTestStore(t *testing.T, body string) (*Store, string, *observability.Metrics) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, body)
	m := observability.NewMetricsForTesting()
	return NewStore(path, discardLogger(), m), path, m
}

func TestParse_Valid(t *testing.T) {
	rules, err := Parse([]byte(validRules))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, domain.Rule{
		ID:         "aqi-critical",
		AlertType:  domain.AlertTypeAirQuality,
		Metric:     domain.MetricAQI,
		Comparator: domain.ComparatorGTE,
		Value:      300,
		Severity:   domain.SeverityCritical,
		Advice:     "Avoid all outdoor activity.",
		Enabled:    true,
		Cooldown:   3 * time.Hour,
	}, rules[1])
}

func TestParse_Invalid(t *testing.T) {
	base := "  - id: r1\n    alert_type: AIR_QUALITY\n    metric: AQI\n    comparator: GT\n    value: 1\n    severity: LOW\n    advice: a\n    enabled: true\n"
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing id", "rules:\n  - alert_type: AIR_QUALITY\n    metric: AQI\n    comparator: GT\n    value: 1\n    severity: LOW\n    advice: a\n", "id"},
		{"negative value", "rules:\n  - id: r\n    alert_type: AIR_QUALITY\n    metric: AQI\n    comparator: GT\n    value: -1\n    severity: LOW\n    advice: a\n", "value"},
		{"empty advice", "rules:\n  - id: r\n    alert_type: AIR_QUALITY\n    metric: AQI\n    comparator: GT\n    value: 1\n    severity: LOW\n", "advice"},
		{"unknown metric", "rules:\n  - id: r\n    alert_type: AIR_QUALITY\n    metric: RADON\n    comparator: GT\n    value: 1\n    severity: LOW\n    advice: a\n", "metric"},
		{"unknown comparator", "rules:\n  - id: r\n    alert_type: AIR_QUALITY\n    metric: AQI\n    comparator: EQ\n    value: 1\n    severity: LOW\n    advice: a\n", "comparator"},
		{"unknown severity", "rules:\n  - id: r\n    alert_type: AIR_QUALITY\n    metric: AQI\n    comparator: GT\n    value: 1\n    severity: SEVERE\n    advice: a\n", "severity"},
		{"unknown type", "rules:\n  - id: r\n    alert_type: TRAFFIC\n    metric: AQI\n    comparator: GT\n    value: 1\n    severity: LOW\n    advice: a\n", "alert_type"},
		{"duplicate id", "rules:\n" + base + base, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), err.Error())
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("rules: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse rules")
}

func TestStore_LoadAndActive(t *testing.T) {
	s, _, m := newTestStore(t, validRules)
	require.ErrorIs(t, s.CheckReadiness(context.Background()), ErrNotLoaded)

	require.NoError(t, s.Load())
	require.NoError(t, s.CheckReadiness(context.Background()))

	active := s.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "aqi-high", active[0].ID)
	assert.Equal(t, "aqi-critical", active[1].ID)
	assert.InDelta(t, 2, testutil.ToFloat64(m.RulesLoaded), 0)

	active[0].Value = 999
	assert.InDelta(t, 180, s.Active()[0].Value, 0, "Active returns a copy")
}

func TestStore_LongestCooldown(t *testing.T) {
	s, _, _ := newTestStore(t, validRules)
	require.NoError(t, s.Load())

	assert.Equal(t, 3*time.Hour, s.LongestCooldown(time.Hour), "disabled rules are ignored")
	assert.Equal(t, 5*time.Hour, s.LongestCooldown(5*time.Hour))
}

func TestStore_FailedLoadKeepsPrevious(t *testing.T) {
	s, path, _ := newTestStore(t, validRules)
	require.NoError(t, s.Load())

	writeRules(t, path, "rules:\n  - id: broken\n")
	require.Error(t, s.Load())
	assert.Len(t, s.Active(), 2)
}

func TestStore_MissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger(), observability.NewMetricsForTesting())
	err := s.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_WatchReloads(t *testing.T) {
	s, path, _ := newTestStore(t, validRules)
	require.NoError(t, s.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	writeRules(t, path, "rules:\n  - id: only\n    alert_type: WEATHER\n    metric: TEMPERATURE\n    comparator: GTE\n    value: 40\n    severity: HIGH\n    advice: Drink water.\n    enabled: true\n")
	require.Eventually(t, func() bool {
		active := s.Active()
		return len(active) == 1 && active[0].ID == "only"
	}, 5*time.Second, 20*time.Millisecond)

	writeRules(t, path, "not: [valid")
	time.Sleep(200 * time.Millisecond)
	require.Len(t, s.Active(), 1, "invalid reload keeps previous rules")
}
