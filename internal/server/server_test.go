package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fluxflowhq/fluxflow/internal/config"
	"github.com/fluxflowhq/fluxflow/internal/events"
	"github.com/fluxflowhq/fluxflow/internal/store"
	"github.com/fluxflowhq/fluxflow/internal/worker"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

type fakeReadiness struct {
	ready   bool
	reasons []string
}

func (f fakeReadiness) Ready(context.Context) (bool, []string) { return f.ready, f.reasons }

// gatedRun blocks every run until release is closed and reports selections
// on seen.
func gatedRun(seen chan<- types.ProbeSelection, release <-chan struct{}) worker.RunFunc {
	return func(ctx context.Context, runID string, sel types.ProbeSelection, sink events.Sink) (types.AggregatedResult, error) {
		seen <- sel
		select {
		case <-release:
		case <-ctx.Done():
			return types.AggregatedResult{}, ctx.Err()
		}
		return types.NewAggregatedResult(runID, time.Now()), nil
	}
}

type harness struct {
	srv      *Server
	pool     *worker.Pool
	store    *store.MemoryStore
	settings *config.Settings
	seen     chan types.ProbeSelection
	release  chan struct{}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		settings: config.NewSettings(filepath.Join(t.TempDir(), "fluxflow.yaml"), config.Default()),
		seen:     make(chan types.ProbeSelection, 4),
		release:  make(chan struct{}),
	}
	h.pool = worker.NewPool(gatedRun(h.seen, h.release))
	ctx, cancel := context.WithCancel(context.Background())
	wg := h.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	h.srv = New(cfg, Dependencies{
		Store:     h.store,
		Runs:      h.pool,
		Settings:  h.settings,
		Health:    fakeReadiness{ready: true},
		SystemDNS: func(context.Context) string { return "192.0.2.53" },
	})
	return h
}

func (h *harness) do(method, path string, body []byte, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestResultsQuery(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	for i, country := range []string{"Germany", "France", "Germany"} {
		res := types.NewAggregatedResult(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		res.Country = country
		if err := h.store.Save(ctx, res); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	rr := h.do(http.MethodGet, "/api/v1/results?q=germ&limit=1", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Items  []types.AggregatedResult `json:"items"`
		Limit  int                      `json:"limit"`
		Offset int                      `json:"offset"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].RunID != "c" || payload.Limit != 1 {
		t.Fatalf("expected newest German result only, got %+v", payload)
	}

	rr = h.do(http.MethodGet, "/api/v1/results?from=2030-01-01", nil, "")
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte(`"items":[]`)) {
		t.Fatalf("expected empty items array, got %d %s", rr.Code, rr.Body.String())
	}

	for _, bad := range []string{"from=yesterday", "limit=-1", "offset=x"} {
		if rr := h.do(http.MethodGet, "/api/v1/results?"+bad, nil, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", bad, rr.Code)
		}
	}
}

func TestStartRunLifecycle(t *testing.T) {
	h := newHarness(t, Config{AdminToken: "token"})

	if rr := h.do(http.MethodPost, "/api/v1/runs", nil, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", rr.Code)
	}

	rr := h.do(http.MethodPost, "/api/v1/runs", []byte(`{"download":false,"upload":false,"jitter":false,"dns":false,"location":false,"jitter_samples":1}`), "token")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rr.Code, rr.Body.String())
	}
	var accepted struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&accepted); err != nil || accepted.RunID == "" {
		t.Fatalf("expected run id, got %q (%v)", accepted.RunID, err)
	}

	sel := <-h.seen
	if diff := cmp.Diff(types.ProbeSelection{Ping: true, JitterSamples: types.MinJitterSamples}, sel); diff != "" {
		t.Fatalf("selection mismatch (-want +got):\n%s", diff)
	}

	rr = h.do(http.MethodGet, "/api/v1/runs/active", nil, "")
	var active struct {
		Active bool              `json:"active"`
		Run    *worker.ActiveRun `json:"run"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&active); err != nil {
		t.Fatalf("decode active: %v", err)
	}
	if !active.Active || active.Run == nil || active.Run.RunID != accepted.RunID || active.Run.Trigger != worker.TriggerAPI {
		t.Fatalf("unexpected active run: %+v", active)
	}

	rr = h.do(http.MethodPost, "/api/v1/runs", nil, "token")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"kind":"busy"`)) {
		t.Fatalf("expected busy kind in body: %s", rr.Body.String())
	}

	close(h.release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.pool.Active(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rr = h.do(http.MethodPost, "/api/v1/runs", nil, "token")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 after release got %d", rr.Code)
	}
	if sel := <-h.seen; sel != types.DefaultSelection() {
		t.Fatalf("empty body should use saved settings, got %+v", sel)
	}
}

func TestStartRunPartialBodyKeepsDefaults(t *testing.T) {
	h := newHarness(t, Config{})

	rr := h.do(http.MethodPost, "/api/v1/runs", []byte(`{"jitter_samples":5}`), "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rr.Code, rr.Body.String())
	}
	want := types.DefaultSelection()
	want.JitterSamples = 5
	if diff := cmp.Diff(want, <-h.seen); diff != "" {
		t.Fatalf("selection mismatch (-want +got):\n%s", diff)
	}
	close(h.release)
}

func TestCancelActiveRun(t *testing.T) {
	h := newHarness(t, Config{})

	if rr := h.do(http.MethodDelete, "/api/v1/runs/active", nil, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an active run, got %d", rr.Code)
	}
	if rr := h.do(http.MethodPost, "/api/v1/runs", nil, ""); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rr.Code)
	}
	<-h.seen
	if rr := h.do(http.MethodDelete, "/api/v1/runs/active", nil, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rr.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	h := newHarness(t, Config{AdminToken: "token"})

	rr := h.do(http.MethodGet, "/api/v1/settings", nil, "")
	var got types.ProbeSelection
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != types.DefaultSelection() {
		t.Fatalf("expected defaults, got %+v", got)
	}

	if rr := h.do(http.MethodPut, "/api/v1/settings", []byte(`{"upload":false}`), "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token got %d", rr.Code)
	}
	rr = h.do(http.MethodPut, "/api/v1/settings", []byte(`{"upload":false,"jitter_samples":12}`), "token")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	want := types.DefaultSelection()
	want.Upload = false
	want.JitterSamples = 12
	if h.settings.Selection() != want {
		t.Fatalf("expected saved selection %+v, got %+v", want, h.settings.Selection())
	}
	if rr := h.do(http.MethodPut, "/api/v1/settings", []byte(`{`), "token"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad json, got %d", rr.Code)
	}
}

func TestSystemDNSAndProbes(t *testing.T) {
	h := newHarness(t, Config{})

	rr := h.do(http.MethodGet, "/api/v1/dns/system", nil, "")
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte(`"server":"192.0.2.53"`)) {
		t.Fatalf("unexpected dns response %d %s", rr.Code, rr.Body.String())
	}
	if rr := h.do(http.MethodGet, "/healthz", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rr.Code)
	}
	if rr := h.do(http.MethodGet, "/readyz", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz status %d", rr.Code)
	}

	h.srv = New(Config{}, Dependencies{Health: fakeReadiness{reasons: []string{"result store failing: locked"}}})
	rr = h.do(http.MethodGet, "/readyz", nil, "")
	if rr.Code != http.StatusServiceUnavailable || !bytes.Contains(rr.Body.Bytes(), []byte("locked")) {
		t.Fatalf("expected 503 with reason, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestStartRunWithoutPool(t *testing.T) {
	stopped := worker.NewPool(func(context.Context, string, types.ProbeSelection, events.Sink) (types.AggregatedResult, error) {
		return types.AggregatedResult{}, errors.New("unreachable")
	})
	srv := New(Config{}, Dependencies{Runs: stopped})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for stopped pool, got %d", rr.Code)
	}
}
