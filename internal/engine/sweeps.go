package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"feedcrawler/internal/logbus"
	"feedcrawler/internal/model"
	"feedcrawler/internal/planner"
)

// SweepStale requeues or fails tasks stuck in RUNNING and marks sessions
// past their expiry.
func (e *Engine) SweepStale(ctx context.Context, now time.Time) error {
	requeued, failed, err := e.store.RecoverStale(ctx, now.Add(-e.worker.StaleAfter()), e.worker.MaxAttempts, now)
	if err != nil {
		return fmt.Errorf("recover stale: %w", err)
	}
	if requeued > 0 || failed > 0 {
		e.bus.Log("warn", "已回收超时任务", map[string]any{"requeued": requeued, "failed": failed})
	}
	expired, err := e.store.ExpireSessions(ctx, now)
	if err != nil {
		return fmt.Errorf("expire sessions: %w", err)
	}
	if expired > 0 {
		e.bus.Log("info", "会话已过期", map[string]any{"count": expired})
	}
	return nil
}

func (e *Engine) Prune(ctx context.Context, now time.Time) (int, error) {
	n, err := e.store.PruneTerminal(ctx, now.Add(-e.worker.PruneAfter()))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.bus.Log("info", "已清理历史任务", map[string]any{"count": n})
	}
	return n, nil
}

func (e *Engine) budget() planner.Budget {
	return planner.Budget{
		MaxTargets:         e.planner.MaxTargetsPerOwner,
		MaxPosts:           e.planner.MaxPostsPerOwner,
		DefaultPostsPerRun: e.planner.DefaultPostsPerRun,
		UnstableProbe:      e.planner.UnstableProbeInterval(),
	}
}

// PlanOwner plans one owner's targets and enqueues the resulting tasks.
func (e *Engine) PlanOwner(ctx context.Context, ownerID string, now time.Time) (planner.Batch, error) {
	targets, err := e.store.ListTargets(ctx, ownerID)
	if err != nil {
		return planner.Batch{}, fmt.Errorf("list targets: %w", err)
	}
	pending, err := e.store.OpenTargetIDs(ctx, ownerID)
	if err != nil {
		return planner.Batch{}, fmt.Errorf("open tasks: %w", err)
	}
	batch := planner.Plan(ownerID, targets, pending, now, e.budget())
	if err := e.store.InsertTasks(ctx, batch.Tasks(now)); err != nil {
		return planner.Batch{}, fmt.Errorf("insert tasks: %w", err)
	}
	if e.bus != nil {
		e.bus.Publish(logbus.TypePlan, batch)
	}
	e.bus.Log("info", "规划完成", map[string]any{
		"ownerId": ownerID,
		"tasks":   len(batch.Entries),
		"posts":   batch.PlannedPosts,
		"skipped": batch.Skipped.Total(),
	})
	return batch, nil
}

// PlanAll plans every owner with enabled targets and returns how many tasks
// were created.
func (e *Engine) PlanAll(ctx context.Context, now time.Time) (int, error) {
	owners, err := e.store.ListPlannableOwners(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, owner := range owners {
		b, err := e.PlanOwner(ctx, owner, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			continue
		}
		total += len(b.Entries)
	}
	return total, errors.Join(errs...)
}

type EnqueueRequest struct {
	OwnerID      string         `json:"ownerId"`
	Kind         model.TaskKind `json:"kind"`
	TargetID     string         `json:"targetId,omitempty"`
	Query        string         `json:"query,omitempty"`
	Priority     int            `json:"priority"`
	PlannedPosts int            `json:"plannedPosts"`
}

var statusURL = regexp.MustCompile(`/status(?:es)?/(\d+)`)

// threadQuery turns a post URL or ID into a conversation search.
func threadQuery(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "conversation_id:") {
		return raw
	}
	if m := statusURL.FindStringSubmatch(raw); m != nil {
		return "conversation_id:" + m[1]
	}
	return "conversation_id:" + raw
}

// Enqueue adds an ad hoc task: a thread, a one-off search, or an immediate
// run of an existing target.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (model.Task, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return model.Task{}, errors.New("ownerId is required")
	}
	now := time.Now()
	task := model.Task{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Scope:        model.ScopeUser,
		Kind:         req.Kind,
		Status:       model.TaskPending,
		Priority:     req.Priority,
		PlannedPosts: req.PlannedPosts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if task.PlannedPosts <= 0 {
		task.PlannedPosts = e.planner.DefaultPostsPerRun
	}

	switch {
	case req.TargetID != "":
		t, err := e.store.GetTarget(ctx, req.TargetID)
		if err != nil {
			return model.Task{}, err
		}
		if t.OwnerID != req.OwnerID {
			return model.Task{}, fmt.Errorf("target %s belongs to another owner", t.ID)
		}
		task.TargetID = t.ID
		task.Kind = model.TaskSearch
		if t.Kind == model.TargetAccount {
			task.Kind = model.TaskAccount
		}
	case req.Kind == model.TaskThread:
		if strings.TrimSpace(req.Query) == "" {
			return model.Task{}, errors.New("query is required for a thread task")
		}
		task.Query = threadQuery(req.Query)
	case req.Kind == model.TaskSearch || req.Kind == "":
		task.Kind = model.TaskSearch
		task.Query = strings.TrimSpace(req.Query)
		if task.Query == "" {
			return model.Task{}, errors.New("query is required for a search task")
		}
	default:
		return model.Task{}, fmt.Errorf("kind %q needs a targetId", req.Kind)
	}

	if err := e.store.InsertTasks(ctx, []model.Task{task}); err != nil {
		return model.Task{}, err
	}
	e.publishTask(task, model.TaskPending, "", nil)
	return task, nil
}
