// Package planner turns an owner's targets into a bounded batch of tasks.
package planner

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"feedcrawler/internal/model"
)

// accountBoost keeps account tasks ahead of keyword tasks in the claim order.
const accountBoost = 1000

type Budget struct {
	MaxTargets         int
	MaxPosts           int
	DefaultPostsPerRun int
	// UnstableProbe is how long an UNSTABLE target rests after its last run.
	UnstableProbe time.Duration
}

// Skips counts why targets were left out.
type Skips struct {
	Disabled int `json:"disabled"`
	Cooldown int `json:"cooldown"`
	Pending  int `json:"pending"`
	Degraded int `json:"degraded"`
	Budget   int `json:"budget"`
}

func (s Skips) Total() int {
	return s.Disabled + s.Cooldown + s.Pending + s.Degraded + s.Budget
}

type Entry struct {
	Target       model.Target   `json:"target"`
	Kind         model.TaskKind `json:"kind"`
	PlannedPosts int            `json:"plannedPosts"`
	Priority     int            `json:"priority"`
}

type Batch struct {
	OwnerID      string  `json:"ownerId"`
	Entries      []Entry `json:"entries"`
	PlannedPosts int     `json:"plannedPosts"`
	Skipped      Skips   `json:"skipped"`
}

// Plan is pure. pending holds IDs of targets that already have a PENDING or
// RUNNING task.
func Plan(ownerID string, targets []model.Target, pending map[string]bool, now time.Time, b Budget) Batch {
	batch := Batch{OwnerID: ownerID}

	var cands []model.Target
	for _, t := range targets {
		if t.OwnerID != ownerID {
			continue
		}
		switch {
		case !t.Enabled:
			batch.Skipped.Disabled++
		case t.InCooldown(now):
			batch.Skipped.Cooldown++
		case pending[t.ID]:
			batch.Skipped.Pending++
		case resting(t, now, b.UnstableProbe):
			batch.Skipped.Degraded++
		default:
			cands = append(cands, t)
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, c := cands[i], cands[j]
		if ka, kc := kindRank(a.Kind), kindRank(c.Kind); ka != kc {
			return ka < kc
		}
		if a.Priority != c.Priority {
			return a.Priority > c.Priority
		}
		if !a.LastRunAt.Equal(c.LastRunAt) {
			return a.LastRunAt.Before(c.LastRunAt)
		}
		return a.ID < c.ID
	})

	for _, t := range cands {
		remaining := b.MaxPosts - batch.PlannedPosts
		if (b.MaxTargets > 0 && len(batch.Entries) >= b.MaxTargets) || (b.MaxPosts > 0 && remaining <= 0) {
			batch.Skipped.Budget++
			continue
		}
		posts := t.MaxPostsPerRun
		if posts <= 0 {
			posts = b.DefaultPostsPerRun
		}
		if b.MaxPosts > 0 && posts > remaining {
			posts = remaining
		}
		e := Entry{Target: t, Kind: model.TaskSearch, PlannedPosts: posts, Priority: t.Priority}
		if t.Kind == model.TargetAccount {
			e.Kind = model.TaskAccount
			e.Priority += accountBoost
		}
		batch.Entries = append(batch.Entries, e)
		batch.PlannedPosts += posts
	}
	return batch
}

// resting reports an UNSTABLE target whose probe interval has not elapsed.
func resting(t model.Target, now time.Time, probe time.Duration) bool {
	if t.Quality != model.QualityUnstable {
		return false
	}
	if t.LastRunAt.IsZero() {
		return false
	}
	return now.Sub(t.LastRunAt) < probe
}

func kindRank(k model.TargetKind) int {
	if k == model.TargetAccount {
		return 0
	}
	return 1
}

// Tasks materialises the batch as PENDING user tasks.
func (b Batch) Tasks(now time.Time) []model.Task {
	out := make([]model.Task, 0, len(b.Entries))
	for _, e := range b.Entries {
		out = append(out, model.Task{
			ID:           uuid.NewString(),
			OwnerID:      b.OwnerID,
			Scope:        model.ScopeUser,
			Kind:         e.Kind,
			TargetID:     e.Target.ID,
			Status:       model.TaskPending,
			Priority:     e.Priority,
			PlannedPosts: e.PlannedPosts,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return out
}
