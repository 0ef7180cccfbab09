package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-service/internal/dispatch"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/couchcryptid/storm-alert-service/internal/pipeline"
)

// --- mocks ---

// mockExtractor hands out its events in one batch, then waits for
// cancellation. With err set, the first call fails; with partial also set,
// that failing call still returns the events.
type mockExtractor struct {
	events  []domain.RawEvent
	calls   atomic.Int64
	err     error
	partial bool
}

func (m *mockExtractor) ExtractBatch(ctx context.Context, _ int) ([]domain.RawEvent, error) {
	n := m.calls.Add(1)
	first := int64(1)
	if m.err != nil {
		if n == 1 {
			if m.partial {
				return m.events, m.err
			}
			return nil, m.err
		}
		if m.partial {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		first = 2
	}
	if n == first {
		return m.events, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// staticRules is a RuleSource whose rules can be swapped.
type staticRules struct {
	mu    sync.Mutex
	rules []domain.Rule
}

func (s *staticRules) Active() []domain.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Rule(nil), s.rules...)
}

func (s *staticRules) set(rules ...domain.Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

type fakeDirectory struct {
	mu         sync.Mutex
	recipients []domain.Recipient
	err        error
	cleared    []string
}

func (d *fakeDirectory) ListRecipients(context.Context) ([]domain.Recipient, error) {
	if d.err != nil {
		return nil, d.err
	}
	return append([]domain.Recipient(nil), d.recipients...), nil
}

func (d *fakeDirectory) ClearPushTokens(_ context.Context, tokens []string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, tokens...)
	return int64(len(tokens)), nil
}

type fakeIncidents map[string]domain.Incident

func (f fakeIncidents) GetIncident(_ context.Context, id string) (domain.Incident, error) {
	inc, ok := f[id]
	if !ok {
		return domain.Incident{}, domain.ErrNotFound
	}
	return inc, nil
}

type fakeStore struct {
	mu      sync.Mutex
	alerts  map[string]domain.Alert
	saves   int
	updates int
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[string]domain.Alert)}
}

func (s *fakeStore) SaveAlert(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.alerts[a.ID] = a
	return nil
}

func (s *fakeStore) UpdateDelivery(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	s.updates++
	cur.SentCount, cur.FailedCount, cur.DeliveryStatus = a.SentCount, a.FailedCount, a.DeliveryStatus
	s.alerts[a.ID] = cur
	return nil
}

func (s *fakeStore) GetAlert(_ context.Context, id string) (domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return domain.Alert{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) all() []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	return out
}

type fakeSink struct {
	mu        sync.Mutex
	published []domain.Alert
	err       error
}

func (s *fakeSink) PublishAlerts(_ context.Context, alerts ...domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, alerts...)
	return nil
}

// okGateway accepts every message except tokens listed as unregistered.
type okGateway struct {
	unregistered map[string]bool
}

func (g okGateway) Send(_ context.Context, msgs []dispatch.PushMessage) ([]dispatch.Ticket, error) {
	out := make([]dispatch.Ticket, len(msgs))
	for i, m := range msgs {
		if g.unregistered[m.To] {
			out[i] = dispatch.Ticket{Status: "error", Message: "gone", Details: &dispatch.TicketDetails{Error: "DeviceNotRegistered"}}
			continue
		}
		out[i] = dispatch.Ticket{Status: "ok", ID: "t-" + m.To}
	}
	return out, nil
}

// flakyLedger fails for one location and defers to a MemoryLedger otherwise.
type flakyLedger struct {
	failFor string
	inner   *domain.MemoryLedger
}

func (l *flakyLedger) Check(ctx context.Context, key domain.CooldownKey, at time.Time, window time.Duration) (bool, error) {
	if key.LocationKey == l.failFor {
		return false, errors.New("ledger unavailable")
	}
	return l.inner.Check(ctx, key, at, window)
}

// ruleFlakyLedger fails the first check of one rule and defers to a
// MemoryLedger otherwise.
type ruleFlakyLedger struct {
	failRule string
	failed   atomic.Bool
	inner    *domain.MemoryLedger
}

func (l *ruleFlakyLedger) Check(ctx context.Context, key domain.CooldownKey, at time.Time, window time.Duration) (bool, error) {
	if key.RuleID == l.failRule && l.failed.CompareAndSwap(false, true) {
		return false, errors.New("ledger unavailable")
	}
	return l.inner.Check(ctx, key, at, window)
}

// --- fixtures ---

var hcmc = domain.Point{Lon: 106.70, Lat: 10.78}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func aqiRule(id string, value float64, sev domain.Severity) domain.Rule {
	return domain.Rule{
		ID:         id,
		AlertType:  domain.AlertTypeAirQuality,
		Metric:     domain.MetricAQI,
		Comparator: domain.ComparatorGT,
		Value:      value,
		Severity:   sev,
		Advice:     "Limit outdoor activity; AQI is {value}.",
		Enabled:    true,
	}
}

func makeRawReading(t *testing.T, station string, metric string, value float64, observed time.Time) domain.RawEvent {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"station_id":  station,
		"metric":      metric,
		"value":       value,
		"observed_at": observed,
		"lat":         hcmc.Lat,
		"lon":         hcmc.Lon,
	})
	require.NoError(t, err)
	return domain.RawEvent{Key: []byte(station), Value: data, Topic: "sensor-readings"}
}

// directory returns n recipients at hcmc with valid tokens; the indexes in
// malformed get tokens the gateway would never accept.
func directory(n int, malformed ...int) []domain.Recipient {
	bad := make(map[int]bool, len(malformed))
	for _, i := range malformed {
		bad[i] = true
	}
	out := make([]domain.Recipient, n)
	for i := range out {
		tok := fmt.Sprintf("ExponentPushToken[user-%04d]", i)
		if bad[i] {
			tok = fmt.Sprintf("legacy-token-%d", i)
		}
		loc := hcmc
		out[i] = domain.Recipient{UserID: fmt.Sprintf("u%04d", i), PushToken: tok, LastKnownLocation: &loc}
	}
	return out
}

// harness wires a Coordinator and Pipeline over fakes and real domain and
// dispatch logic.
type harness struct {
	rules     *staticRules
	dir       *fakeDirectory
	incidents fakeIncidents
	store     *fakeStore
	sink      *fakeSink
	metrics   *observability.Metrics
	coord     *pipeline.Coordinator
	pipeline  *pipeline.Pipeline
	extractor *mockExtractor
}

func newHarness(t *testing.T, ledger domain.Ledger, gw dispatch.Gateway, rules ...domain.Rule) *harness {
	t.Helper()
	if ledger == nil {
		ledger = domain.NewMemoryLedger(nil)
	}
	if gw == nil {
		gw = okGateway{}
	}
	h := &harness{
		rules:     &staticRules{rules: rules},
		dir:       &fakeDirectory{},
		incidents: fakeIncidents{},
		store:     newFakeStore(),
		sink:      &fakeSink{},
		metrics:   observability.NewMetricsForTesting(),
		extractor: &mockExtractor{},
	}
	engine := dispatch.NewEngine(gw, dispatch.Config{}, discardLogger(), h.metrics)
	h.coord = pipeline.NewCoordinator(pipeline.Deps{
		Directory:  h.dir,
		Incidents:  h.incidents,
		Store:      h.store,
		Sink:       h.sink,
		Dispatcher: engine,
	}, 500, discardLogger(), h.metrics)
	evaluator := domain.NewEvaluator(ledger, time.Hour, domain.DefaultValidity, discardLogger())
	h.pipeline = pipeline.New(h.extractor, evaluator, h.rules, h.coord, discardLogger(), h.metrics, 50)
	return h
}

// run drives the pipeline until the extractor has been drained.
func (h *harness) run(t *testing.T, events ...domain.RawEvent) {
	t.Helper()
	h.extractor.events = events
	h.extractor.calls.Store(0)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, h.pipeline.Run(ctx))
}
