package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedcrawler/internal/cooldown"
	"feedcrawler/internal/model"
	"feedcrawler/internal/notify"
	"feedcrawler/internal/provider"
	"feedcrawler/internal/scroll"
	"feedcrawler/internal/selector"
	"feedcrawler/internal/variant"
)

const (
	// otherSessionsWindow bounds how far back a sibling session's success
	// still counts as evidence that the feed itself is reachable.
	otherSessionsWindow = time.Hour
	persistTimeout      = 30 * time.Second
)

var errNoVariant = errors.New("no query variant for target")

// runTask executes one claimed task end to end. It never panics and always
// leaves the task terminal, unless the engine is stopping, in which case the
// task stays RUNNING for stale recovery.
func (e *Engine) runTask(parent context.Context, task model.Task) {
	ctx, cancel := context.WithTimeout(parent, e.worker.TaskTimeout())
	defer cancel()

	started := time.Now()
	e.publishTask(task, model.TaskRunning, "", nil)

	rc, err := e.selectSession(ctx, task.OwnerID, started)
	if err != nil {
		e.failSelection(task, err)
		return
	}

	var target model.Target
	query, sortMode, variantID := task.Query, string(variant.SortLive), ""
	if task.TargetID != "" {
		target, err = e.store.GetTarget(ctx, task.TargetID)
		if err != nil {
			e.finish(task, model.TaskFailed, fmt.Sprintf("load target: %v", err))
			return
		}
		v, ok := variant.Select(target, target.TotalRuns, target.LastVariantID)
		if !ok {
			e.disableTarget(target.ID, "没有可用的查询变体", map[string]any{"value": target.Value})
			e.finish(task, model.TaskFailed, errNoVariant.Error())
			return
		}
		query, sortMode, variantID = v.Query, string(v.Sort), v.ID
		target.LastVariantID = v.ID
	}
	if query == "" {
		e.finish(task, model.TaskFailed, provider.ErrNoQuery.Error())
		return
	}

	planned := task.PlannedPosts
	if planned <= 0 {
		planned = e.planner.DefaultPostsPerRun
	}
	profile := scroll.SelectInitial(scroll.History{
		SuccessRate:  rc.Session.SuccessRate,
		AvgLatencyMs: rc.Session.AvgLatencyMs,
		LastAbortAt:  rc.Session.LastAbortAt,
	}, e.override, started)
	se := scroll.New(scroll.Options{Profile: profile, PlannedPosts: planned, MaxScrolls: e.worker.MaxScrolls})

	sessionID := rc.Session.ID
	req := provider.Request{
		TaskID:       task.ID,
		Runtime:      rc,
		Query:        query,
		Sort:         sortMode,
		PlannedPosts: planned,
		First:        se.Hint(),
		Pace: func(ctx context.Context) error {
			return e.limiter.Wait(ctx, sessionID, e.Limits().SessionQPS)
		},
	}

	e.bus.Log("info", "开始采集", map[string]any{
		"taskId":    task.ID,
		"targetId":  task.TargetID,
		"sessionId": sessionID,
		"query":     query,
		"profile":   string(profile),
	})

	res, fetchErr := e.fetch(ctx, req, e.observer(task, se))
	if parent.Err() != nil {
		e.bus.Log("warn", "引擎停止，任务留待回收", map[string]any{"taskId": task.ID})
		return
	}
	if res.EndedEarly {
		se.MarkEndedEarly()
	}
	st := se.State()
	now := time.Now()

	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer pcancel()

	newItems := 0
	if len(res.Items) > 0 {
		items := make([]model.Item, len(res.Items))
		for i, it := range res.Items {
			it.TargetID = itemScope(task)
			it.OwnerID = task.OwnerID
			if it.FetchedAt.IsZero() {
				it.FetchedAt = now
			}
			items[i] = it
		}
		newItems, err = e.store.InsertItems(pctx, items)
		if err != nil {
			e.bus.Log("warn", "写入内容失败", map[string]any{"taskId": task.ID, "error": err.Error()})
		}
	}

	run := cooldown.Run{
		Fetched:     len(res.Items),
		NewItems:    newItems,
		DurationMs:  now.Sub(started).Milliseconds(),
		LatencyMs:   res.LatencyMs,
		Aborted:     st.Aborted,
		AbortReason: st.AbortReason,
		PeakRisk:    st.PeakRisk,
		Err:         fetchErr,
	}
	if run.Aborted && run.AbortReason == "" {
		run.AbortReason = cooldown.NoResultsReason
	}

	others := false
	if run.Fetched == 0 && fetchErr == nil {
		others, err = e.store.OtherSessionsSucceeding(pctx, task.OwnerID, sessionID, now.Add(-otherSessionsWindow))
		if err != nil {
			e.bus.Log("warn", "读取会话历史失败", map[string]any{"taskId": task.ID, "error": err.Error()})
		}
	}

	result := model.TaskResult{
		Fetched:        run.Fetched,
		NewItems:       newItems,
		DurationMs:     run.DurationMs,
		PeakRisk:       st.PeakRisk,
		InitialProfile: string(st.InitialProfile),
		FinalProfile:   string(st.Profile),
		Downgrades:     st.Downgrades,
		Scrolls:        st.Scrolls,
		VariantID:      variantID,
	}
	d, applied, err := e.cooldown.Apply(pctx, cooldown.Input{
		Task:                    task,
		Target:                  target,
		Session:                 rc.Session,
		Run:                     run,
		OtherSessionsSucceeding: others,
		Now:                     now,
	}, result)
	if err != nil {
		e.bus.Log("error", "提交运行结果失败", map[string]any{"taskId": task.ID, "error": err.Error()})
		return
	}
	if !applied {
		return
	}
	if d.Empty != nil {
		result.Verdict = d.Empty.Verdict.String()
		result.Confidence = d.Empty.Confidence
	}
	result.Aborted = run.Aborted
	result.AbortReason = run.AbortReason
	e.publishTask(task, d.Status, d.Error, &result)
	e.emit(pctx, task, target, rc.Session, run, d, now)
}

func (e *Engine) selectSession(ctx context.Context, ownerID string, now time.Time) (model.RuntimeConfig, error) {
	accounts, err := e.store.ListAccounts(ctx, ownerID)
	if err != nil {
		return model.RuntimeConfig{}, fmt.Errorf("list accounts: %w", err)
	}
	sessions, err := e.store.ListSessions(ctx, ownerID)
	if err != nil {
		return model.RuntimeConfig{}, fmt.Errorf("list sessions: %w", err)
	}
	return selector.Select(ownerID, accounts, sessions, selector.Options{
		GlobalProxy:  e.proxy.Global,
		RequireProxy: e.proxy.Required,
	}, now)
}

func (e *Engine) failSelection(task model.Task, err error) {
	msg := err.Error()
	var se *selector.Error
	if errors.As(err, &se) {
		msg = fmt.Sprintf("%s: %s", se.Reason, se.Reason.Remediation())
		e.notify(context.Background(), notify.Event{
			Kind:     notify.KindSessionExpired,
			At:       time.Now().UnixMilli(),
			OwnerID:  task.OwnerID,
			TaskID:   task.ID,
			TargetID: task.TargetID,
			Reason:   msg,
		})
	}
	e.bus.Log("warn", "没有可用会话", map[string]any{"taskId": task.ID, "ownerId": task.OwnerID, "reason": msg})
	e.finish(task, model.TaskFailed, msg)
}

// fetch turns a fetcher panic into an execution error.
func (e *Engine) fetch(ctx context.Context, req provider.Request, observe provider.Observer) (res provider.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panic: %v", r)
		}
	}()
	return e.fetcher.Fetch(ctx, req, observe)
}

func (e *Engine) observer(task model.Task, se *scroll.Engine) provider.Observer {
	return func(t scroll.Telemetry) scroll.Decision {
		d := se.Observe(t)
		switch d.Action {
		case scroll.Downgraded:
			e.bus.Log("warn", "滚动策略降级", map[string]any{
				"taskId":  task.ID,
				"profile": string(d.Hint.Profile),
				"risk":    d.Assessment.Score,
				"factors": d.Assessment.Factors,
			})
		case scroll.Aborted:
			e.bus.Log("warn", "风险过高，中止采集", map[string]any{
				"taskId": task.ID,
				"risk":   d.Assessment.Score,
				"reason": d.Reason,
			})
		}
		return d
	}
}

// finish writes a terminal status for a task that never reached the run
// commit.
func (e *Engine) finish(task model.Task, status model.TaskStatus, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ok, err := e.store.FinishTask(ctx, task.ID, task.ClaimedBy, task.Attempts, status, msg, time.Now())
	if err != nil {
		e.bus.Log("error", "写入任务状态失败", map[string]any{"taskId": task.ID, "error": err.Error()})
		return
	}
	if !ok {
		return
	}
	e.publishTask(task, status, msg, nil)
}

func (e *Engine) emit(ctx context.Context, task model.Task, target model.Target, sess model.Session, run cooldown.Run, d cooldown.Decision, now time.Time) {
	settings := e.NotifySettings()
	base := notify.Event{
		At:        now.UnixMilli(),
		OwnerID:   task.OwnerID,
		TaskID:    task.ID,
		TargetID:  task.TargetID,
		Target:    target.Value,
		SessionID: sess.ID,
	}
	if base.Target == "" {
		base.Target = task.Query
	}

	if run.NewItems > 0 && settings.NewContent {
		evt := base
		evt.Kind = notify.KindNewContent
		evt.Count = run.NewItems
		e.notify(ctx, evt)
	}
	if d.Path == cooldown.PathAborted {
		evt := base
		evt.Kind = notify.KindParseAborted
		evt.Reason = run.AbortReason
		e.notify(ctx, evt)
	}
	if d.Cooldown > 0 {
		evt := base
		evt.Kind = notify.KindTargetCooldown
		evt.Reason = d.CooldownReason
		evt.Until = now.Add(d.Cooldown).UnixMilli()
		e.notify(ctx, evt)
	}
	if settings.MinRiskScore > 0 && run.PeakRisk >= settings.MinRiskScore {
		evt := base
		evt.Kind = notify.KindHighRisk
		evt.RiskScore = run.PeakRisk
		e.notify(ctx, evt)
	}
}

func (e *Engine) notify(ctx context.Context, evt notify.Event) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, evt)
}

// itemScope is the key items are deduplicated under: the target, or the
// task itself for ad hoc runs.
func itemScope(task model.Task) string {
	if task.TargetID != "" {
		return task.TargetID
	}
	return "task:" + task.ID
}
