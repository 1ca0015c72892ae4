package main

import (
	crand "crypto/rand"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"feedcrawler/internal/provider/remote"
)

// fetch is one open feed on the mock sidecar. Queries steer behaviour:
// "empty" yields nothing, "captcha" flags a challenge on the third step,
// "slow" reports high latency.
type fetch struct {
	query   string
	planned int
	served  int
	steps   int
}

type mockServer struct {
	mu      sync.Mutex
	fetches map[string]*fetch
}

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	flag.Parse()

	s := &mockServer{fetches: make(map[string]*fetch)}

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/v1/fetch/start", s.start)
	mux.HandleFunc("/v1/fetch/step", s.step)
	mux.HandleFunc("/v1/fetch/finish", s.finish)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock sidecar listening on %s", *addr)
	log.Fatal(srv.ListenAndServe())
}

func (s *mockServer) start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req remote.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.Fail("invalid json"))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, remote.Fail("query is required"))
		return
	}
	if len(req.Cookies) == 0 {
		writeJSON(w, http.StatusUnauthorized, remote.Fail("no session cookies"))
		return
	}
	planned := req.Planned
	if planned <= 0 {
		planned = 40
	}
	id := "mock_fetch_" + randString(10)
	s.mu.Lock()
	s.fetches[id] = &fetch{query: strings.ToLower(req.Query), planned: planned}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, remote.OK(remote.StartResponse{FetchID: id}))
}

func (s *mockServer) step(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req remote.StepRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	f := s.fetches[req.FetchID]
	if f == nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, remote.Fail("unknown fetch"))
		return
	}
	f.steps++
	resp := remote.StepResponse{LatencyMs: 300 + rand.Int63n(900)}
	switch {
	case strings.Contains(f.query, "empty"):
		resp.Exhausted = f.steps >= 2
	case strings.Contains(f.query, "captcha") && f.steps >= 3:
		resp.CaptchaSeen = true
		resp.XHRErrors = 2
	default:
		batch := req.BatchSize
		if batch <= 0 {
			batch = 8
		}
		now := time.Now()
		for i := 0; i < batch && f.served < f.planned; i++ {
			f.served++
			resp.Items = append(resp.Items, remote.WireItem{
				ID:       randString(16),
				Author:   "mock_" + randString(6),
				Text:     "mock post about " + f.query,
				PostedAt: now.Add(-time.Duration(f.served) * time.Minute).UnixMilli(),
			})
		}
		resp.Exhausted = f.served >= f.planned && len(resp.Items) == 0
	}
	if strings.Contains(f.query, "slow") {
		resp.LatencyMs = 9000
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, remote.OK(resp))
}

func (s *mockServer) finish(w http.ResponseWriter, r *http.Request) {
	var req remote.FinishRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	delete(s.fetches, req.FetchID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, remote.OK(struct{}{}))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n <= 0 {
		return ""
	}
	raw := make([]byte, n)
	_, _ = crand.Read(raw)
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[int(raw[i])%len(letters)]
	}
	return string(out)
}
