// Package scroll holds the pacing profiles and the per-task state machine
// that turns telemetry into continue/downgrade/abort/complete decisions.
package scroll

import (
	"math/rand/v2"
	"strings"
	"time"

	"feedcrawler/internal/risk"
)

type Action int

const (
	Continue Action = iota
	Downgraded
	Aborted
	Completed
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Downgraded:
		return "downgrade"
	case Aborted:
		return "abort"
	case Completed:
		return "complete"
	}
	return "unknown"
}

// Telemetry is what the fetcher reports after every scroll.
type Telemetry struct {
	risk.Sample
	NewItems int `json:"newItems"`
}

// Hint is advisory: the fetcher sleeps and scrolls, the engine never blocks.
type Hint struct {
	Profile   ProfileName   `json:"profile"`
	Delay     time.Duration `json:"delay"`
	Distance  int           `json:"distance"`
	BatchSize int           `json:"batchSize"`
}

type Decision struct {
	Action     Action          `json:"action"`
	Assessment risk.Assessment `json:"assessment"`
	Hint       Hint            `json:"hint"`
	ShouldStop bool            `json:"shouldStop"`
	Reason     string          `json:"reason,omitempty"`
}

type State struct {
	Profile        ProfileName `json:"profile"`
	InitialProfile ProfileName `json:"initialProfile"`
	Scrolls        int         `json:"scrolls"`
	Fetched        int         `json:"fetched"`
	Downgrades     int         `json:"downgrades"`
	Aborted        bool        `json:"aborted"`
	AbortReason    string      `json:"abortReason,omitempty"`
	Completed      bool        `json:"completed"`
	CompleteReason string      `json:"completeReason,omitempty"`
	PeakRisk       int         `json:"peakRisk"`
}

func (s State) Stopped() bool { return s.Aborted || s.Completed }

const (
	ReasonPlannedReached = "planned_reached"
	ReasonScrollBudget   = "scroll_budget"
	ReasonCriticalRisk   = "risk_critical"
	ReasonHighRiskAtSafe = "risk_high_at_safe"
)

type Options struct {
	Profile      ProfileName
	PlannedPosts int
	// MaxScrolls of zero means no scroll budget.
	MaxScrolls int
	Rand       *rand.Rand
}

// Engine is owned by a single task and is not safe for concurrent use.
type Engine struct {
	planned    int
	maxScrolls int
	rnd        *rand.Rand
	state      State
}

func New(opts Options) *Engine {
	p := opts.Profile
	if !p.Valid() {
		p = Safe
	}
	rnd := opts.Rand
	if rnd == nil {
		seed := uint64(time.Now().UnixNano())
		rnd = rand.New(rand.NewPCG(seed, seed>>17|1))
	}
	return &Engine{
		planned:    opts.PlannedPosts,
		maxScrolls: opts.MaxScrolls,
		rnd:        rnd,
		state:      State{Profile: p, InitialProfile: p},
	}
}

func (e *Engine) State() State { return e.state }

// Hint draws the next pacing hint within the active profile's bounds.
func (e *Engine) Hint() Hint {
	p := Lookup(e.state.Profile)
	delay := p.MinDelay + time.Duration(e.rnd.Int64N(int64(p.MaxDelay-p.MinDelay)+1))
	if p.MaxScrollsPerMinute > 0 {
		if floor := time.Minute / time.Duration(p.MaxScrollsPerMinute); delay < floor {
			delay = floor
		}
	}
	return Hint{
		Profile:   p.Name,
		Delay:     delay,
		Distance:  p.MinDistance + e.rnd.IntN(p.MaxDistance-p.MinDistance+1),
		BatchSize: p.BatchSize,
	}
}

// Observe consumes one telemetry event.
func (e *Engine) Observe(t Telemetry) Decision {
	if e.state.Stopped() {
		return Decision{Action: e.terminalAction(), ShouldStop: true, Reason: e.stopReason()}
	}

	e.state.Scrolls++
	if t.NewItems > 0 {
		e.state.Fetched += t.NewItems
	}

	a := risk.Assess(t.Sample)
	if a.Score > e.state.PeakRisk {
		e.state.PeakRisk = a.Score
	}

	if a.ShouldAbort() {
		return e.abort(a, ReasonCriticalRisk)
	}

	action := Continue
	if a.ShouldDowngrade() {
		next, ok := Downgrade(e.state.Profile)
		if !ok {
			return e.abort(a, ReasonHighRiskAtSafe)
		}
		e.state.Profile = next
		e.state.Downgrades++
		action = Downgraded
	}

	if e.planned > 0 && e.state.Fetched >= e.planned {
		return e.complete(a, ReasonPlannedReached)
	}
	if e.maxScrolls > 0 && e.state.Scrolls >= e.maxScrolls {
		return e.complete(a, ReasonScrollBudget)
	}

	return Decision{Action: action, Assessment: a, Hint: e.Hint()}
}

// MarkEndedEarly records that the fetcher stopped on its own, e.g. the page
// said there were no results. It sets the aborted flag without a reason.
func (e *Engine) MarkEndedEarly() {
	if e.state.Stopped() {
		return
	}
	e.state.Aborted = true
}

func (e *Engine) abort(a risk.Assessment, reason string) Decision {
	if len(a.Factors) > 0 {
		reason += ":" + strings.Join(a.Factors, ",")
	}
	e.state.Aborted = true
	e.state.AbortReason = reason
	return Decision{Action: Aborted, Assessment: a, ShouldStop: true, Reason: reason}
}

func (e *Engine) complete(a risk.Assessment, reason string) Decision {
	e.state.Completed = true
	e.state.CompleteReason = reason
	return Decision{Action: Completed, Assessment: a, ShouldStop: true, Reason: reason}
}

func (e *Engine) terminalAction() Action {
	if e.state.Aborted {
		return Aborted
	}
	return Completed
}

func (e *Engine) stopReason() string {
	if e.state.Aborted {
		return e.state.AbortReason
	}
	return e.state.CompleteReason
}
