package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-engine/internal/account"
	"prop-engine/internal/cache"
	"prop-engine/internal/engine"
	"prop-engine/internal/monitor"
	"prop-engine/internal/queue"
	"prop-engine/internal/signals"
	"prop-engine/internal/strategy"
)

type fakeQueue struct{}

func (fakeQueue) Stats() queue.Stats { return queue.Stats{Succeeded: 7} }

type fakeCache struct{}

func (fakeCache) Stats() cache.Stats { return cache.Stats{} }

type fakeTracker struct{}

func (fakeTracker) Status() account.Status {
	return account.Status{AccountID: "42", Balance: 50200}
}

type fakeMonitor struct{}

func (fakeMonitor) Snapshot() []monitor.EndpointStats { return nil }

type fakeEngine struct {
	flattened []string
	intents   []engine.BracketIntent
}

func (e *fakeEngine) Flatten(_ context.Context, reason string) error {
	e.flattened = append(e.flattened, reason)
	return nil
}

func (e *fakeEngine) ActiveIntents() []engine.BracketIntent { return e.intents }

type fakeStrategies struct {
	enabled, disabled []string
	verifyErr         error
}

func (s *fakeStrategies) Enable(name string) error {
	s.enabled = append(s.enabled, name)
	return nil
}

func (s *fakeStrategies) Disable(name string) error {
	s.disabled = append(s.disabled, name)
	return nil
}

func (s *fakeStrategies) Verify(name string) ([]strategy.Verification, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return []strategy.Verification{{Strategy: name, Symbol: "MNQ", Phase: strategy.PhaseTracking}}, nil
}

type fakeSignals struct {
	got []signals.RawSignal
	err error
}

func (f *fakeSignals) Handle(_ context.Context, raw signals.RawSignal) (signals.Signal, error) {
	f.got = append(f.got, raw)
	if f.err != nil {
		return signals.Signal{}, f.err
	}
	return signals.Signal{Symbol: "MNQ", Action: signals.ActionOpenLong}, nil
}

const testSecret = "test-secret"

func testServer(t *testing.T, eng *fakeEngine, strat *fakeStrategies, sig *fakeSignals) *Server {
	t.Helper()
	if eng == nil {
		eng = &fakeEngine{}
	}
	if strat == nil {
		strat = &fakeStrategies{}
	}
	if sig == nil {
		sig = &fakeSignals{}
	}
	return New(
		Options{Port: "0", JWTSecret: testSecret, WebhookEnabled: true},
		Deps{
			Queue:      fakeQueue{},
			Cache:      fakeCache{},
			Tracker:    fakeTracker{},
			Monitor:    fakeMonitor{},
			Engine:     eng,
			Strategies: strat,
			Signals:    sig,
			BusDropped: func() uint64 { return 3 },
			LateQuotes: func() uint64 { return 1 },
		},
		zerolog.Nop(),
	)
}

func authed(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	token, err := IssueToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealth(t *testing.T) {
	srv := testServer(t, nil, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsAggregatesSources(t *testing.T) {
	eng := &fakeEngine{intents: []engine.BracketIntent{{ID: "i-1"}}}
	srv := testServer(t, eng, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, key := range []string{"queue", "cache", "account", "api_calls", "bus_dropped", "late_quotes", "open_intents"} {
		assert.Contains(t, body, key)
	}
	assert.Equal(t, "1", string(body["open_intents"]))
	assert.Equal(t, "3", string(body["bus_dropped"]))
}

func TestWebhookAcceptsSignal(t *testing.T) {
	sig := &fakeSignals{}
	srv := testServer(t, nil, nil, sig)

	payload, _ := json.Marshal(map[string]any{
		"symbol": "MNQ", "action": "open-long",
		"entry": 21425.25, "stop_loss": 21368.59, "tp1": 21562.25,
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sig.got, 1)
	assert.InDelta(t, 21425.25, sig.got[0].Entry, 1e-9)
}

func TestWebhookErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{signals.ErrBadSignal, http.StatusBadRequest},
		{signals.ErrDebounced, http.StatusOK},
		{signals.ErrIgnored, http.StatusOK},
		{errors.New("broker down"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		srv := testServer(t, nil, nil, &fakeSignals{err: tc.err})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{"symbol":"MNQ","action":"open-long"}`)))
		req.Header.Set("Content-Type", "application/json")
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, tc.code, rec.Code, "error %v", tc.err)
	}
}

func TestWebhookDisabledRouteAbsent(t *testing.T) {
	srv := New(
		Options{Port: "0", JWTSecret: testSecret, WebhookEnabled: false},
		Deps{
			Queue: fakeQueue{}, Cache: fakeCache{}, Tracker: fakeTracker{}, Monitor: fakeMonitor{},
			Engine: &fakeEngine{}, Strategies: &fakeStrategies{}, Signals: &fakeSignals{},
			BusDropped: func() uint64 { return 0 },
			LateQuotes: func() uint64 { return 0 },
		},
		zerolog.Nop(),
	)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	srv := testServer(t, nil, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/account", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/account", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authed(t, httptest.NewRequest(http.MethodGet, "/api/account", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"42"`)
}

func TestStrategyControls(t *testing.T) {
	strat := &fakeStrategies{}
	srv := testServer(t, nil, strat, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authed(t, httptest.NewRequest(http.MethodPost, "/api/strategies/overnight-range/start", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authed(t, httptest.NewRequest(http.MethodPost, "/api/strategies/overnight-range/stop", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authed(t, httptest.NewRequest(http.MethodGet, "/api/strategies/overnight-range/verify", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MNQ")

	assert.Equal(t, []string{"overnight-range"}, strat.enabled)
	assert.Equal(t, []string{"overnight-range"}, strat.disabled)
}

func TestStrategyVerifyUnknown(t *testing.T) {
	strat := &fakeStrategies{verifyErr: errors.New("unknown strategy")}
	srv := testServer(t, nil, strat, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authed(t, httptest.NewRequest(http.MethodGet, "/api/strategies/nope/verify", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlatten(t *testing.T) {
	eng := &fakeEngine{}
	srv := testServer(t, eng, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authed(t, httptest.NewRequest(http.MethodPost, "/api/flatten", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, eng.flattened, 1)
	assert.Equal(t, "operator flatten", eng.flattened[0])
}
