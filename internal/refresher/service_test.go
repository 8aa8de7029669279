package refresher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/model"
)

const productPage = `<html><head>
<meta itemprop="price" content="199.90">
<meta itemprop="priceCurrency" content="BRL">
</head><body><script>__PRELOADED_STATE__ = {}</script>mercado livre</body></html>`

const homePage = `<html><body>mercado livre ui-pdp</body></html>`

const gatePage = `<html><body><div id="px-captcha">Pressione e segure</div></body></html>`

// fakeStore 内存版 Store，记录所有写入供断言。
type fakeStore struct {
	mu           sync.Mutex
	offers       []model.Offer
	observations []model.PriceObservation
	successes    []uint
	failures     map[uint]int
	runs         []*model.JobRun
	finalized    *model.JobRun

	deactivateAt int
	listErr      error
}

func newFakeStore(offers ...model.Offer) *fakeStore {
	return &fakeStore{offers: offers, failures: make(map[uint]int)}
}

func (f *fakeStore) ListActiveOffersPage(ctx context.Context, lastID uint, limit int) ([]model.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var page []model.Offer
	for _, o := range f.offers {
		if o.ID > lastID && len(page) < limit {
			page = append(page, o)
		}
	}
	return page, nil
}

func (f *fakeStore) UpsertObservation(ctx context.Context, obs *model.PriceObservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = append(f.observations, *obs)
	return nil
}

func (f *fakeStore) RecordSuccess(ctx context.Context, offer *model.Offer, obs *model.PriceObservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, offer.ID)
	return nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, offerID uint, deactivateAfter int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[offerID]++
	return f.deactivateAt > 0 && f.failures[offerID] >= f.deactivateAt, nil
}

func (f *fakeStore) CreateRun(ctx context.Context, run *model.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) FinalizeRun(ctx context.Context, run *model.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	run.FinishedAt = &now
	f.finalized = run
	return nil
}

func (f *fakeStore) LatestRun(ctx context.Context) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return nil, nil
	}
	return f.runs[len(f.runs)-1], nil
}

// fakeGuard 可编排的 Guard 实现。
type fakeGuard struct {
	fresh    map[string]bool
	lockBusy bool

	mu     sync.Mutex
	marked []string
}

func (g *fakeGuard) IsFresh(ctx context.Context, sourceID string) (bool, error) {
	return g.fresh[sourceID], nil
}

func (g *fakeGuard) MarkRefreshed(ctx context.Context, sourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked = append(g.marked, sourceID)
	return nil
}

func (g *fakeGuard) AcquireRunLock(ctx context.Context, runID string, ttl time.Duration) (bool, error) {
	return !g.lockBusy, nil
}

func (g *fakeGuard) ReleaseRunLock(ctx context.Context, runID string) error {
	return nil
}

func testConfig(gateThreshold int) *config.Config {
	return &config.Config{
		App: config.AppConfig{
			BatchSize:  10,
			RunLockTTL: time.Minute,
		},
		Scraper: config.ScraperConfig{
			Concurrency:     1,
			FetchTimeout:    5 * time.Second,
			MaxRetries:      0,
			BackoffBase:     time.Millisecond,
			BackoffCap:      2 * time.Millisecond,
			GateThreshold:   gateThreshold,
			DeactivateAfter: 2,
			UserAgent:       "pricebot-test/1.0",
		},
	}
}

func newTestService(t *testing.T, srvURL string, store *fakeStore, guard *fakeGuard, gateThreshold int) *Service {
	t.Helper()
	cfg := testConfig(gateThreshold)
	session, err := LoadSession(config.SessionConfig{Mode: "cookie", ValidateURL: srvURL + "/home"})
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	fetcher := NewFetcher(cfg.Scraper, nil, "", discardLogger())
	return NewService(cfg, store, guard, fetcher, session, nil, discardLogger())
}

func offerFor(id uint, sourceID, knownURL string) model.Offer {
	return model.Offer{ID: id, SourceID: sourceID, KnownURL: knownURL, Active: true}
}

func TestService_RunOnce_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(homePage))
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(productPage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore(
		offerFor(1, "FOO1", srv.URL+"/item/1"),
		offerFor(2, "FOO2", srv.URL+"/item/2"),
	)
	guard := &fakeGuard{}
	svc := newTestService(t, srv.URL, store, guard, 8)

	run, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("expected success status, got %s", run.Status)
	}
	if run.Scanned != 2 || run.Updated != 2 || run.Failed != 0 {
		t.Fatalf("unexpected counters: scanned=%d updated=%d failed=%d", run.Scanned, run.Updated, run.Failed)
	}
	if len(store.observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(store.observations))
	}
	for _, obs := range store.observations {
		if obs.Price != 199.90 || obs.Currency != "BRL" || obs.Evidence != EvidenceMeta {
			t.Fatalf("unexpected observation: %+v", obs)
		}
		if obs.ObservedDate != time.Now().Format("2006-01-02") {
			t.Fatalf("expected today's observed date, got %s", obs.ObservedDate)
		}
		if !obs.Available {
			t.Fatalf("expected observation to be marked available")
		}
	}
	if len(guard.marked) != 2 {
		t.Fatalf("expected both offers marked fresh, got %v", guard.marked)
	}
	if store.finalized == nil || store.finalized.FinishedAt == nil {
		t.Fatalf("expected finalized run with finish time")
	}
}

func TestService_RunOnce_NoSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(gatePage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore(offerFor(1, "FOO1", srv.URL+"/item/1"))
	svc := newTestService(t, srv.URL, store, &fakeGuard{}, 8)

	run, err := svc.RunOnce(context.Background())
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	if run.Status != model.RunStatusNoSession {
		t.Fatalf("expected no_session status, got %s", run.Status)
	}
	if run.Scanned != 0 {
		t.Fatalf("expected no offers scanned, got %d", run.Scanned)
	}
	if len(store.observations) != 0 {
		t.Fatalf("expected no observations on invalid session")
	}
}

func TestService_RunOnce_GateCircuitBreaker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(homePage))
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(gatePage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore(
		offerFor(1, "FOO1", srv.URL+"/item/1"),
		offerFor(2, "FOO2", srv.URL+"/item/2"),
		offerFor(3, "FOO3", srv.URL+"/item/3"),
		offerFor(4, "FOO4", srv.URL+"/item/4"),
		offerFor(5, "FOO5", srv.URL+"/item/5"),
	)
	svc := newTestService(t, srv.URL, store, &fakeGuard{}, 2)

	run, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if run.Status != model.RunStatusPartial {
		t.Fatalf("expected partial status, got %s", run.Status)
	}
	if !run.StoppedEarly {
		t.Fatalf("expected run to be stopped early")
	}
	if run.GateDetected != 2 {
		t.Fatalf("expected 2 gate hits before tripping, got %d", run.GateDetected)
	}
	if run.Failed != 2 {
		t.Fatalf("expected 2 failed offers, got %d", run.Failed)
	}
	// 候选全被风控拦下的报价同时计入 price_not_found
	if run.PriceNotFound != 2 {
		t.Fatalf("expected 2 price-not-found offers, got %d", run.PriceNotFound)
	}
	if run.Skipped != 3 {
		t.Fatalf("expected 3 skipped offers after trip, got %d", run.Skipped)
	}
	if run.SampleError == "" {
		t.Fatalf("expected a sample error to be recorded")
	}
}

func TestService_RunOnce_GatedCandidateFallsThroughToNext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(homePage))
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		// 带跟踪参数的首选候选被风控拦下，纯路径候选正常返回
		if r.URL.RawQuery != "" {
			w.Write([]byte(gatePage))
			return
		}
		w.Write([]byte(productPage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore(offerFor(1, "FOO1", srv.URL+"/item/1?matt_word=achadinhos"))
	svc := newTestService(t, srv.URL, store, &fakeGuard{}, 8)

	run, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("expected success status, got %s", run.Status)
	}
	if run.Updated != 1 || run.Failed != 0 {
		t.Fatalf("expected updated=1 failed=0, got updated=%d failed=%d", run.Updated, run.Failed)
	}
	if run.GateDetected != 1 {
		t.Fatalf("expected the gated candidate to be counted, got %d", run.GateDetected)
	}
	if run.PriceNotFound != 0 {
		t.Fatalf("expected no price-not-found when fallback succeeds, got %d", run.PriceNotFound)
	}
	if len(store.observations) != 1 || store.observations[0].Price != 199.90 {
		t.Fatalf("expected one observation from fallback candidate, got %+v", store.observations)
	}
	if len(store.failures) != 0 {
		t.Fatalf("expected no failure recorded, got %v", store.failures)
	}
}

func TestService_RunOnce_OfferWithoutCandidatesSkipped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(homePage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// source_id 无法识别且没有已知 URL：脏数据，跳过而不是记失败
	store := newFakeStore(offerFor(1, "bogus-id", ""))
	svc := newTestService(t, srv.URL, store, &fakeGuard{}, 8)

	run, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("expected success status, got %s", run.Status)
	}
	if run.Skipped != 1 || run.Scanned != 0 || run.Failed != 0 {
		t.Fatalf("expected skipped=1 scanned=0 failed=0, got skipped=%d scanned=%d failed=%d",
			run.Skipped, run.Scanned, run.Failed)
	}
	if len(store.failures) != 0 {
		t.Fatalf("expected fail streak untouched, got %v", store.failures)
	}
}

func TestService_RunOnce_FreshOffersSkipped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(homePage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore(
		offerFor(1, "FOO1", srv.URL+"/item/1"),
		offerFor(2, "FOO2", srv.URL+"/item/2"),
	)
	guard := &fakeGuard{fresh: map[string]bool{"FOO1": true, "FOO2": true}}
	svc := newTestService(t, srv.URL, store, guard, 8)

	run, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("expected success status, got %s", run.Status)
	}
	if run.Skipped != 2 || run.Scanned != 0 {
		t.Fatalf("expected all offers skipped, scanned=%d skipped=%d", run.Scanned, run.Skipped)
	}
}

func TestService_RunOnce_FailedOfferDeactivation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(homePage))
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		// 正常页面但不含任何可提取的价格
		w.Write([]byte(`<html><body>mercado livre, produto indisponível</body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore(offerFor(1, "FOO1", srv.URL+"/item/1"))
	store.deactivateAt = 1
	svc := newTestService(t, srv.URL, store, &fakeGuard{}, 8)

	run, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if run.Status != model.RunStatusPartial {
		t.Fatalf("expected partial status, got %s", run.Status)
	}
	if run.Failed != 1 || run.PriceNotFound != 1 {
		t.Fatalf("expected failed=1 price_not_found=1, got failed=%d pnf=%d", run.Failed, run.PriceNotFound)
	}
	if run.Deactivated != 1 {
		t.Fatalf("expected offer to be deactivated, got %d", run.Deactivated)
	}
	if store.failures[1] != 1 {
		t.Fatalf("expected failure recorded for offer 1, got %v", store.failures)
	}
}

func TestService_RunOnce_RejectsConcurrentRun(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, "http://127.0.0.1:0", store, &fakeGuard{lockBusy: true}, 8)

	_, err := svc.RunOnce(context.Background())
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if len(store.runs) != 0 {
		t.Fatalf("expected no run record when lock is busy")
	}
}
