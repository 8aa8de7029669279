package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/model"
)

// fakeRunner 可编排的 Runner 实现。
type fakeRunner struct {
	mu      sync.Mutex
	running bool
	latest  *model.JobRun

	triggered chan struct{}
}

func (r *fakeRunner) RunOnce(ctx context.Context) (*model.JobRun, error) {
	r.mu.Lock()
	run := r.latest
	r.mu.Unlock()
	if r.triggered != nil {
		close(r.triggered)
	}
	return run, nil
}

func (r *fakeRunner) LatestRun(ctx context.Context) (*model.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, nil
}

func (r *fakeRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func newTestServer(runner *fakeRunner) *Server {
	cfg := &config.Config{App: config.AppConfig{HTTPAddr: ":0"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, logger, nil, nil, runner)
}

func TestServer_TriggerRun(t *testing.T) {
	runner := &fakeRunner{
		latest:    &model.JobRun{RunID: "r1", Status: model.RunStatusSuccess},
		triggered: make(chan struct{}),
	}
	srv := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/internal/run", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case <-runner.triggered:
	case <-time.After(time.Second):
		t.Fatalf("expected run to be triggered")
	}
}

func TestServer_TriggerRunConflictWhileRunning(t *testing.T) {
	runner := &fakeRunner{running: true}
	srv := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/internal/run", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestServer_LatestRun(t *testing.T) {
	finished := time.Now()
	runner := &fakeRunner{latest: &model.JobRun{
		RunID:        "r42",
		Status:       model.RunStatusPartial,
		StartedAt:    finished.Add(-time.Minute),
		FinishedAt:   &finished,
		Scanned:      10,
		Updated:      7,
		Failed:       3,
		GateDetected: 1,
		StoppedEarly: false,
	}}
	srv := newTestServer(runner)

	req := httptest.NewRequest(http.MethodGet, "/internal/runs/latest", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RunID != "r42" || got.Status != model.RunStatusPartial {
		t.Fatalf("unexpected response: %+v", got)
	}
	if got.Scanned != 10 || got.Updated != 7 || got.Failed != 3 {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func TestServer_LatestRunNotFound(t *testing.T) {
	srv := newTestServer(&fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/internal/runs/latest", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServer_HealthzWithoutBackends(t *testing.T) {
	srv := newTestServer(&fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
