// Package provider defines how a task's fetch is executed. Implementations
// report telemetry after every step and obey the returned decision.
package provider

import (
	"context"
	"errors"
	"time"

	"feedcrawler/internal/model"
	"feedcrawler/internal/scroll"
)

type Request struct {
	TaskID       string
	Runtime      model.RuntimeConfig
	Query        string
	Sort         string
	PlannedPosts int
	// First is the hint for the opening step.
	First scroll.Hint
	// Pace must be awaited before every outbound call made for the session.
	Pace func(ctx context.Context) error
}

// Observer receives telemetry after each step; the fetcher stops once the
// decision says so and otherwise follows its hint.
type Observer func(scroll.Telemetry) scroll.Decision

type Result struct {
	Items []model.Item
	// EndedEarly is set when the feed itself ran dry before any stop decision.
	EndedEarly bool
	// LatencyMs is the mean step latency.
	LatencyMs int64
	Steps     int
}

type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, req Request, observe Observer) (Result, error)
	Close() error
}

var ErrNoQuery = errors.New("provider: empty query")

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait calls req.Pace when set.
func (r Request) Wait(ctx context.Context) error {
	if r.Pace == nil {
		return ctx.Err()
	}
	return r.Pace(ctx)
}

// Tracker accumulates per-step telemetry shared by all fetchers.
type Tracker struct {
	seen       map[string]bool
	items      []model.Item
	emptyRun   int
	steps      int
	totalLatMs int64
	stepTimes  []time.Time
}

func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]bool)}
}

// Add records the items of one step and returns how many were new.
func (t *Tracker) Add(items []model.Item) int {
	n := 0
	for _, it := range items {
		if it.ID == "" || t.seen[it.ID] {
			continue
		}
		t.seen[it.ID] = true
		t.items = append(t.items, it)
		n++
	}
	if n == 0 {
		t.emptyRun++
	} else {
		t.emptyRun = 0
	}
	return n
}

// Step builds the telemetry for a finished step.
func (t *Tracker) Step(now time.Time, latency time.Duration, newItems, xhrErrors int, captcha, rateLimited bool) scroll.Telemetry {
	t.steps++
	t.totalLatMs += latency.Milliseconds()
	t.stepTimes = append(t.stepTimes, now)
	cutoff := now.Add(-time.Minute)
	for len(t.stepTimes) > 0 && t.stepTimes[0].Before(cutoff) {
		t.stepTimes = t.stepTimes[1:]
	}
	tel := scroll.Telemetry{NewItems: newItems}
	tel.LatencyMs = latency.Milliseconds()
	tel.XHRErrors = xhrErrors
	tel.CaptchaSeen = captcha
	tel.RateLimitSeen = rateLimited
	tel.EmptyResponses = t.emptyRun
	tel.ScrollsPerMinute = float64(len(t.stepTimes))
	return tel
}

// EmptyRun is the number of consecutive steps without new items.
func (t *Tracker) EmptyRun() int { return t.emptyRun }

func (t *Tracker) Result(endedEarly bool) Result {
	r := Result{Items: t.items, EndedEarly: endedEarly, Steps: t.steps}
	if t.steps > 0 {
		r.LatencyMs = t.totalLatMs / int64(t.steps)
	}
	return r
}
