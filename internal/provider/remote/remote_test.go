package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"feedcrawler/internal/config"
	"feedcrawler/internal/model"
	"feedcrawler/internal/provider"
	"feedcrawler/internal/scroll"
)

type sidecar struct {
	mu       sync.Mutex
	steps    int
	finished []string
	start    StartRequest
	pages    [][]WireItem
	failStep bool
	// stepOutages answers that many step calls with 502 before recovering
	stepOutages int
	stepHits    int
}

func (s *sidecar) handler() http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/v1/fetch/start", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&s.start)
		s.mu.Unlock()
		write(w, http.StatusOK, OK(StartResponse{FetchID: "f1"}))
	})
	mux.HandleFunc("/v1/fetch/step", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stepHits++
		if s.stepOutages > 0 {
			s.stepOutages--
			write(w, http.StatusBadGateway, Fail("upstream down"))
			return
		}
		if s.failStep {
			write(w, http.StatusBadRequest, Fail("unknown fetch"))
			return
		}
		resp := StepResponse{LatencyMs: 120}
		if s.steps < len(s.pages) {
			resp.Items = s.pages[s.steps]
		} else {
			resp.Exhausted = true
		}
		s.steps++
		write(w, http.StatusOK, OK(resp))
	})
	mux.HandleFunc("/v1/fetch/finish", func(w http.ResponseWriter, r *http.Request) {
		var req FinishRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.finished = append(s.finished, req.FetchID)
		s.mu.Unlock()
		write(w, http.StatusOK, OK(struct{}{}))
	})
	return mux
}

func (s *sidecar) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepHits
}

func newFetcher(t *testing.T, s *sidecar) *Fetcher {
	t.Helper()
	return newFetcherWithRetry(t, s, config.RemoteRetryCfg{})
}

func newFetcherWithRetry(t *testing.T, s *sidecar, retry config.RemoteRetryCfg) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)
	return New(config.RemoteConfig{BaseURL: srv.URL, TimeoutMs: 2000, Retry: retry}, nil)
}

func request() provider.Request {
	return provider.Request{
		TaskID:       "t1",
		Query:        "golang",
		PlannedPosts: 10,
		First:        scroll.Hint{BatchSize: 5, Distance: 600},
		Runtime: model.RuntimeConfig{
			Session:   model.Session{ID: "s1", Cookies: []model.Cookie{{Name: "auth_token", Value: "x", Domain: ".x.com"}}},
			Proxy:     "http://proxy:8080",
			UserAgent: "ua",
		},
	}
}

func keepGoing(scroll.Telemetry) scroll.Decision {
	return scroll.Decision{Hint: scroll.Hint{Distance: 700, BatchSize: 5}}
}

func TestFetchRunsUntilExhausted(t *testing.T) {
	s := &sidecar{pages: [][]WireItem{
		{{ID: "1", Text: "a", PostedAt: 1700000000000}, {ID: "2", Text: "b"}},
		{{ID: "2", Text: "b"}, {ID: "3", Text: "c"}},
	}}
	f := newFetcher(t, s)

	var tels []scroll.Telemetry
	res, err := f.Fetch(context.Background(), request(), func(tel scroll.Telemetry) scroll.Decision {
		tels = append(tels, tel)
		return keepGoing(tel)
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.EndedEarly {
		t.Fatal("expected EndedEarly when the sidecar reports exhaustion")
	}
	if len(res.Items) != 3 {
		t.Fatalf("items = %d, want 3 after dedupe", len(res.Items))
	}
	if res.Items[0].PostedAt.IsZero() || !res.Items[1].PostedAt.IsZero() {
		t.Fatalf("postedAt mapping wrong: %+v", res.Items[:2])
	}
	if len(tels) != 3 || tels[1].NewItems != 1 || tels[2].NewItems != 0 {
		t.Fatalf("telemetry = %+v", tels)
	}
	if tels[0].LatencyMs != 120 {
		t.Fatalf("latency = %d, want sidecar-reported 120", tels[0].LatencyMs)
	}
	if s.start.Query != "golang" || s.start.BatchSize != 5 || len(s.start.Cookies) != 1 || s.start.Proxy != "http://proxy:8080" {
		t.Fatalf("start request = %+v", s.start)
	}
	if len(s.finished) != 1 || s.finished[0] != "f1" {
		t.Fatalf("finished = %v", s.finished)
	}
}

func TestFetchStopsOnDecision(t *testing.T) {
	s := &sidecar{pages: [][]WireItem{{{ID: "1"}}, {{ID: "2"}}, {{ID: "3"}}}}
	f := newFetcher(t, s)

	res, err := f.Fetch(context.Background(), request(), func(scroll.Telemetry) scroll.Decision {
		return scroll.Decision{Action: scroll.Aborted, ShouldStop: true}
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.EndedEarly || res.Steps != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(s.finished) != 1 {
		t.Fatal("finish must be sent after a stop decision")
	}
}

func TestFetchSurfacesSidecarError(t *testing.T) {
	s := &sidecar{failStep: true}
	f := newFetcher(t, s)

	_, err := f.Fetch(context.Background(), request(), keepGoing)
	if err == nil || !strings.Contains(err.Error(), "unknown fetch") {
		t.Fatalf("err = %v", err)
	}
	if len(s.finished) != 1 {
		t.Fatal("finish must be sent after an error")
	}
}

func TestFetchRejectsEmptyQuery(t *testing.T) {
	f := New(config.RemoteConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	req := request()
	req.Query = "  "
	if _, err := f.Fetch(context.Background(), req, keepGoing); err != provider.ErrNoQuery {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchHonoursPace(t *testing.T) {
	s := &sidecar{pages: [][]WireItem{{{ID: "1"}}}}
	f := newFetcher(t, s)

	calls := 0
	req := request()
	req.Pace = func(ctx context.Context) error {
		calls++
		return ctx.Err()
	}
	if _, err := f.Fetch(context.Background(), req, keepGoing); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// start plus one per step
	if calls != 3 {
		t.Fatalf("pace calls = %d, want 3", calls)
	}
}

func TestFetchPacesStepRetries(t *testing.T) {
	s := &sidecar{pages: [][]WireItem{{{ID: "1"}}}, stepOutages: 2}
	f := newFetcherWithRetry(t, s, config.RemoteRetryCfg{Count: 2, WaitMs: 1, MaxWaitMs: 5})

	calls := 0
	req := request()
	req.Pace = func(ctx context.Context) error {
		calls++
		return ctx.Err()
	}
	res, err := f.Fetch(context.Background(), req, keepGoing)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("items = %d", len(res.Items))
	}
	// two failed attempts, the page, then exhaustion
	hits := s.hits()
	if hits != 4 {
		t.Fatalf("step hits = %d, want 4", hits)
	}
	if calls != 1+hits {
		t.Fatalf("pace calls = %d for %d step hits; every step attempt must be paced", calls, hits)
	}
}

func TestFetchDoesNotRetryStepWithoutBudget(t *testing.T) {
	s := &sidecar{stepOutages: 5}
	f := newFetcher(t, s)

	_, err := f.Fetch(context.Background(), request(), keepGoing)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("err = %v, want a 502 StatusError", err)
	}
	if hits := s.hits(); hits != 1 {
		t.Fatalf("step hits = %d, want 1", hits)
	}
	if len(s.finished) != 1 {
		t.Fatal("finish must be sent after a step outage")
	}
}
