package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"feedcrawler/internal/config"
	"feedcrawler/internal/model"
	"feedcrawler/internal/notify"
	"feedcrawler/internal/provider"
	"feedcrawler/internal/scroll"
	"feedcrawler/internal/store/sqlite"
)

type fakeFetcher struct {
	items []model.Item
	tel   scroll.Telemetry
	err   error
	panic bool
	block chan struct{}

	mu   sync.Mutex
	reqs []provider.Request
}

func (f *fakeFetcher) Name() string { return "fake" }
func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) Fetch(ctx context.Context, req provider.Request, observe provider.Observer) (provider.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}
	if f.panic {
		panic("boom")
	}
	if err := req.Wait(ctx); err != nil {
		return provider.Result{}, err
	}
	if f.err != nil {
		return provider.Result{}, f.err
	}
	tel := f.tel
	tel.NewItems = len(f.items)
	observe(tel)
	return provider.Result{Items: f.items, Steps: 1, LatencyMs: 400}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func (n *recordingNotifier) kinds() map[notify.Kind]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := map[notify.Kind]int{}
	for _, e := range n.events {
		out[e.Kind]++
	}
	return out
}

type fixture struct {
	store    *sqlite.Store
	fetcher  *fakeFetcher
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T, f *fakeFetcher, maxInFlight int) *fixture {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	n := &recordingNotifier{}
	e := New(Options{
		Store:    st,
		Fetcher:  f,
		Notifier: n,
		Limits:   config.LimitsConfig{MaxInFlight: maxInFlight, SessionQPS: 100},
		Worker:   config.WorkerConfig{ID: "w1", MaxAttempts: 3, MaxScrolls: 50},
		Planner: config.PlannerConfig{
			MaxTargetsPerOwner:   10,
			MaxPostsPerOwner:     100,
			DefaultPostsPerRun:   20,
			UnstableProbeMinutes: 30,
		},
	})
	return &fixture{store: st, fetcher: f, notifier: n, engine: e}
}

func (fx *fixture) seedSession(t *testing.T, owner string) model.Session {
	t.Helper()
	ctx := context.Background()
	acc, err := fx.store.UpsertAccount(ctx, model.Account{OwnerID: owner, Handle: "alice", Enabled: true})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	sess, err := fx.store.SyncSession(ctx, acc.ID, []model.Cookie{{Name: "auth_token", Value: "x"}}, time.Time{})
	if err != nil {
		t.Fatalf("SyncSession: %v", err)
	}
	return sess
}

func (fx *fixture) seedTarget(t *testing.T, owner, value string) model.Target {
	t.Helper()
	tg, err := fx.store.UpsertTarget(context.Background(), model.Target{OwnerID: owner, Kind: model.TargetKeyword, Value: value, Enabled: true})
	if err != nil {
		t.Fatalf("UpsertTarget: %v", err)
	}
	return tg
}

// runAll plans the owner, dispatches and waits for every started task.
func (fx *fixture) runAll(t *testing.T, owner string) []model.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := fx.engine.PlanOwner(ctx, owner, time.Now()); err != nil {
		t.Fatalf("PlanOwner: %v", err)
	}
	fx.engine.Dispatch(ctx)
	fx.engine.wg.Wait()
	tasks, err := fx.store.ListTasks(ctx, owner, 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	return tasks
}

func TestRunTaskSuccessPersistsEverything(t *testing.T) {
	f := &fakeFetcher{items: []model.Item{{ID: "1", Text: "a"}, {ID: "2", Text: "b"}, {ID: "3", Text: "c"}}}
	fx := newFixture(t, f, 2)
	sess := fx.seedSession(t, "u1")
	tg := fx.seedTarget(t, "u1", "golang")

	tasks := fx.runAll(t, "u1")
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Status != model.TaskDone {
		t.Fatalf("status = %s (%s)", task.Status, task.Error)
	}
	if task.SessionID != sess.ID {
		t.Fatalf("session = %q, want %q", task.SessionID, sess.ID)
	}
	if task.Result == nil || task.Result.Fetched != 3 || task.Result.NewItems != 3 || task.Result.VariantID == "" {
		t.Fatalf("result = %+v", task.Result)
	}

	items, err := fx.store.ListItems(context.Background(), tg.ID, 10)
	if err != nil || len(items) != 3 {
		t.Fatalf("items = %d, err = %v", len(items), err)
	}
	got, _ := fx.store.GetTarget(context.Background(), tg.ID)
	if got.TotalRuns != 1 || got.LastVariantID != task.Result.VariantID || got.EmptyStreak != 0 {
		t.Fatalf("target = %+v", got)
	}
	if fx.notifier.kinds()[notify.KindNewContent] != 1 {
		t.Fatalf("events = %v", fx.notifier.kinds())
	}
	if req := f.reqs[0]; req.Query == "" || req.Runtime.Session.ID != sess.ID || req.PlannedPosts != 20 {
		t.Fatalf("request = %+v", req)
	}
}

func TestRunTaskWithoutSessionFailsWithRemediation(t *testing.T) {
	fx := newFixture(t, &fakeFetcher{}, 2)
	task, err := fx.engine.Enqueue(context.Background(), EnqueueRequest{OwnerID: "u1", Query: "golang"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	fx.engine.Dispatch(context.Background())
	fx.engine.wg.Wait()

	got, _ := fx.store.GetTask(context.Background(), task.ID)
	if got.Status != model.TaskFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.Error, "NO_ACCOUNTS") || !strings.Contains(got.Error, "CONNECT_ACCOUNT") {
		t.Fatalf("error = %q", got.Error)
	}
	if len(fx.fetcher.reqs) != 0 {
		t.Fatal("fetcher must not run without a session")
	}
	if fx.notifier.kinds()[notify.KindSessionExpired] != 1 {
		t.Fatalf("events = %v", fx.notifier.kinds())
	}
}

func TestRunTaskCriticalRiskStalesSessionAndCoolsTarget(t *testing.T) {
	f := &fakeFetcher{}
	f.tel.CaptchaSeen = true
	f.tel.RateLimitSeen = true
	fx := newFixture(t, f, 2)
	sess := fx.seedSession(t, "u1")
	tg := fx.seedTarget(t, "u1", "golang")

	tasks := fx.runAll(t, "u1")
	task := tasks[0]
	if task.Status != model.TaskFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Result == nil || !task.Result.Aborted || task.Result.PeakRisk != 100 {
		t.Fatalf("result = %+v", task.Result)
	}

	gotSess, _ := fx.store.GetSession(context.Background(), sess.ID)
	if gotSess.Status != model.SessionStale {
		t.Fatalf("session status = %s", gotSess.Status)
	}
	gotTarget, _ := fx.store.GetTarget(context.Background(), tg.ID)
	if !gotTarget.InCooldown(time.Now()) || gotTarget.CooldownTaskID != task.ID {
		t.Fatalf("target = %+v", gotTarget)
	}

	kinds := fx.notifier.kinds()
	for _, k := range []notify.Kind{notify.KindParseAborted, notify.KindTargetCooldown, notify.KindHighRisk} {
		if kinds[k] != 1 {
			t.Fatalf("events = %v, missing %s", kinds, k)
		}
	}

	// the cooling target is skipped by the next plan
	b, err := fx.engine.PlanOwner(context.Background(), "u1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Entries) != 0 || b.Skipped.Cooldown != 1 {
		t.Fatalf("batch = %+v", b)
	}
}

func TestFetcherPanicBecomesFailedAndKeepsSession(t *testing.T) {
	fx := newFixture(t, &fakeFetcher{panic: true}, 2)
	sess := fx.seedSession(t, "u1")
	fx.seedTarget(t, "u1", "golang")

	task := fx.runAll(t, "u1")[0]
	if task.Status != model.TaskFailed || !strings.Contains(task.Error, "fetcher panic") {
		t.Fatalf("task = %s %q", task.Status, task.Error)
	}
	gotSess, _ := fx.store.GetSession(context.Background(), sess.ID)
	if gotSess.Status != model.SessionOK || gotSess.RiskScore != 0 {
		t.Fatalf("session = %+v", gotSess)
	}
}

func TestDispatchRespectsInFlightCap(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{})}
	fx := newFixture(t, f, 1)
	fx.seedSession(t, "u1")
	fx.seedTarget(t, "u1", "golang")
	fx.seedTarget(t, "u1", "rust")

	ctx := context.Background()
	if _, err := fx.engine.PlanOwner(ctx, "u1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if n := fx.engine.Dispatch(ctx); n != 1 {
		t.Fatalf("started = %d, want 1", n)
	}
	if n := fx.engine.Dispatch(ctx); n != 0 {
		t.Fatalf("second dispatch started %d while the slot is held", n)
	}
	if got := fx.engine.State().InFlight; len(got) != 1 {
		t.Fatalf("in flight = %v", got)
	}
	close(f.block)
	fx.engine.wg.Wait()

	if n := fx.engine.Dispatch(ctx); n != 1 {
		t.Fatalf("started after release = %d, want 1", n)
	}
	fx.engine.wg.Wait()
}

func TestSweepStaleRequeuesAbandonedClaims(t *testing.T) {
	fx := newFixture(t, &fakeFetcher{}, 1)
	ctx := context.Background()
	task, err := fx.engine.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", Query: "golang"})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now().Add(-time.Hour)
	if _, ok, err := fx.store.ClaimTask(ctx, task.ID, "dead-worker", start); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := fx.engine.SweepStale(ctx, time.Now()); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	got, _ := fx.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
}

func TestEnqueueValidation(t *testing.T) {
	fx := newFixture(t, &fakeFetcher{}, 1)
	ctx := context.Background()

	if _, err := fx.engine.Enqueue(ctx, EnqueueRequest{Query: "x"}); err == nil {
		t.Fatal("owner is required")
	}
	if _, err := fx.engine.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", Kind: model.TaskSearch}); err == nil {
		t.Fatal("search needs a query")
	}
	if _, err := fx.engine.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", Kind: model.TaskAccount}); err == nil {
		t.Fatal("account task needs a target")
	}
	task, err := fx.engine.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", Kind: model.TaskThread, Query: "https://x.com/bob/status/12345"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Query != "conversation_id:12345" {
		t.Fatalf("query = %q", task.Query)
	}
}

func TestEnqueueRejectsTargetWithOpenTask(t *testing.T) {
	fx := newFixture(t, &fakeFetcher{}, 1)
	ctx := context.Background()
	tg := fx.seedTarget(t, "u1", "golang")

	first, err := fx.engine.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", TargetID: tg.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.engine.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", TargetID: tg.ID}); !errors.Is(err, sqlite.ErrTargetBusy) {
		t.Fatalf("second enqueue: err = %v, want ErrTargetBusy", err)
	}

	batch, err := fx.engine.PlanOwner(ctx, "u1", time.Now())
	if err != nil {
		t.Fatalf("PlanOwner: %v", err)
	}
	if n := len(batch.Tasks(time.Now())); n != 0 {
		t.Fatalf("planner queued %d tasks for a busy target", n)
	}
	tasks, _ := fx.store.ListTasks(ctx, "u1", 10)
	if len(tasks) != 1 || tasks[0].ID != first.ID {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestThreadQuery(t *testing.T) {
	cases := map[string]string{
		"999":                               "conversation_id:999",
		"conversation_id:1":                 "conversation_id:1",
		"https://twitter.com/a/statuses/42": "conversation_id:42",
		" https://x.com/a/status/7?s=20 ":   "conversation_id:7",
	}
	for in, want := range cases {
		if got := threadQuery(in); got != want {
			t.Fatalf("threadQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStartStopAndAutoRun(t *testing.T) {
	fx := newFixture(t, &fakeFetcher{}, 1)
	ctx := context.Background()

	if err := fx.engine.AutoRunByStore(ctx); err != nil {
		t.Fatal(err)
	}
	if fx.engine.IsRunning() {
		t.Fatal("no enabled targets: engine should stay stopped")
	}
	fx.seedTarget(t, "u1", "golang")
	if err := fx.engine.AutoRunByStore(ctx); err != nil {
		t.Fatal(err)
	}
	if !fx.engine.IsRunning() {
		t.Fatal("engine should start once a target is enabled")
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := fx.engine.StopAll(stopCtx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if fx.engine.State().Running {
		t.Fatal("state should report stopped")
	}
}

func TestSettingsNormalize(t *testing.T) {
	fx := newFixture(t, &fakeFetcher{}, 1)
	got := fx.engine.SetLimits(model.LimitsSettings{MaxInFlight: 0, SessionQPS: -1})
	if got.MaxInFlight != 4 || got.SessionQPS != 0.5 {
		t.Fatalf("limits = %+v", got)
	}
	ns := fx.engine.SetNotifySettings(model.NotifySettings{MinRiskScore: 500})
	if ns.MinRiskScore != 100 {
		t.Fatalf("notify = %+v", ns)
	}
}
