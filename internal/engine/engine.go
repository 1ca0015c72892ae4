package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"feedcrawler/internal/config"
	"feedcrawler/internal/cooldown"
	"feedcrawler/internal/logbus"
	"feedcrawler/internal/model"
	"feedcrawler/internal/notify"
	"feedcrawler/internal/provider"
	"feedcrawler/internal/ratelimit"
	"feedcrawler/internal/scroll"
	"feedcrawler/internal/store/sqlite"
)

type Options struct {
	Store    *sqlite.Store
	Fetcher  provider.Fetcher
	Bus      *logbus.Bus
	Notifier notify.Notifier
	Limits   config.LimitsConfig
	Worker   config.WorkerConfig
	Planner  config.PlannerConfig
	Proxy    config.ProxyConfig
}

// Engine is the worker: it claims PENDING tasks, runs them under the
// in-flight cap and keeps the task table healthy with periodic sweeps.
type Engine struct {
	store    *sqlite.Store
	fetcher  provider.Fetcher
	bus      *logbus.Bus
	notifier notify.Notifier
	cooldown *cooldown.Service
	limiter  *ratelimit.Limiter

	worker   config.WorkerConfig
	planner  config.PlannerConfig
	proxy    config.ProxyConfig
	override scroll.ProfileName

	limits         atomic.Value // model.LimitsSettings
	notifySettings atomic.Value // model.NotifySettings

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight chan struct{}
	tasks    map[string]model.Task
}

func New(opts Options) *Engine {
	e := &Engine{
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		cooldown: cooldown.NewService(opts.Store, opts.Bus),
		limiter:  ratelimit.New(),
		worker:   opts.Worker,
		planner:  opts.Planner,
		proxy:    opts.Proxy,
		tasks:    make(map[string]model.Task),
	}
	if p, err := scroll.Parse(strings.ToUpper(strings.TrimSpace(opts.Worker.Profile))); err == nil {
		e.override = p
	}
	limits := e.SetLimits(model.LimitsSettings{
		MaxInFlight: opts.Limits.MaxInFlight,
		SessionQPS:  opts.Limits.SessionQPS,
	})
	e.inFlight = make(chan struct{}, limits.MaxInFlight)
	e.notifySettings.Store(DefaultNotifySettings())
	return e
}

func (e *Engine) IsRunning() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) StartAll(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.loadSettings(ctx)

	e.mu.Lock()
	// a resized cap only applies once nothing holds a slot of the old one
	if n := e.Limits().MaxInFlight; n != cap(e.inFlight) && len(e.inFlight) == 0 {
		e.inFlight = make(chan struct{}, n)
	}
	e.mu.Unlock()

	e.bus.Log("info", "引擎已启动", map[string]any{
		"provider":    e.fetcher.Name(),
		"workerId":    e.worker.ID,
		"maxInFlight": cap(e.inFlight),
	})

	e.loop(runCtx, e.worker.PollInterval(), func(ctx context.Context) { e.Dispatch(ctx) })
	e.loop(runCtx, e.worker.StaleSweepInterval(), func(ctx context.Context) {
		if err := e.SweepStale(ctx, time.Now()); err != nil {
			e.bus.Log("warn", "回收超时任务失败", map[string]any{"error": err.Error()})
		}
	})
	e.loop(runCtx, e.worker.PruneInterval(), func(ctx context.Context) {
		if _, err := e.Prune(ctx, time.Now()); err != nil {
			e.bus.Log("warn", "清理历史任务失败", map[string]any{"error": err.Error()})
		}
	})
	if every := e.worker.PlanInterval(); every > 0 {
		e.loop(runCtx, every, func(ctx context.Context) {
			if _, err := e.PlanAll(ctx, time.Now()); err != nil {
				e.bus.Log("warn", "自动规划失败", map[string]any{"error": err.Error()})
			}
		})
	}
	return nil
}

func (e *Engine) StopAll(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	wasRunning := e.running
	e.running = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasRunning {
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.bus.Log("info", "引擎已停止", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) State() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineState{Running: e.running, WorkerID: e.worker.ID, InFlight: []string{}}
	for id := range e.tasks {
		out.InFlight = append(out.InFlight, id)
	}
	sort.Strings(out.InFlight)
	return out
}

// loop runs fn once now and then on every tick until ctx is done.
func (e *Engine) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Dispatch claims as many PENDING tasks as there are free slots and starts
// them. It returns the number started.
func (e *Engine) Dispatch(ctx context.Context) int {
	e.mu.Lock()
	slots := e.inFlight
	e.mu.Unlock()

	free := cap(slots) - len(slots)
	if free <= 0 || ctx.Err() != nil {
		return 0
	}
	// over-fetch a little: some candidates will be claimed by other workers
	pending, err := e.store.ListPending(ctx, free*2)
	if err != nil {
		e.bus.Log("warn", "读取待执行任务失败", map[string]any{"error": err.Error()})
		return 0
	}

	started := 0
	for _, t := range pending {
		if !e.tryAcquireInFlight(slots) {
			break
		}
		task, ok, err := e.store.ClaimTask(ctx, t.ID, e.worker.ID, time.Now())
		if err != nil || !ok {
			e.releaseInFlight(slots)
			if err != nil {
				e.bus.Log("warn", "领取任务失败", map[string]any{"taskId": t.ID, "error": err.Error()})
			}
			continue
		}
		e.track(task, true)
		started++
		e.wg.Add(1)
		go func(task model.Task) {
			defer e.wg.Done()
			defer e.releaseInFlight(slots)
			defer e.track(task, false)
			e.runTask(ctx, task)
		}(task)
	}
	return started
}

func (e *Engine) tryAcquireInFlight(slots chan struct{}) bool {
	select {
	case slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) releaseInFlight(slots chan struct{}) {
	select {
	case <-slots:
	default:
	}
}

func (e *Engine) track(task model.Task, on bool) {
	e.mu.Lock()
	if on {
		e.tasks[task.ID] = task
	} else {
		delete(e.tasks, task.ID)
	}
	e.mu.Unlock()
}

// ForgetSession drops the pacing state of a session that can no longer run.
func (e *Engine) ForgetSession(sessionID string) {
	e.limiter.Forget(sessionID)
}

type taskState struct {
	ID       string            `json:"id"`
	OwnerID  string            `json:"ownerId"`
	TargetID string            `json:"targetId,omitempty"`
	Status   model.TaskStatus  `json:"status"`
	Error    string            `json:"error,omitempty"`
	Result   *model.TaskResult `json:"result,omitempty"`
}

func (e *Engine) publishTask(task model.Task, status model.TaskStatus, errMsg string, result *model.TaskResult) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(logbus.TypeTaskState, taskState{
		ID:       task.ID,
		OwnerID:  task.OwnerID,
		TargetID: task.TargetID,
		Status:   status,
		Error:    errMsg,
		Result:   result,
	})
}
