// Package cooldown classifies finished runs and derives the task, target and
// session state they lead to.
package cooldown

import (
	"fmt"
	"math"
	"time"

	"feedcrawler/internal/emptyresult"
	"feedcrawler/internal/model"
)

// Path is the branch a finished run was routed through.
type Path int

const (
	PathFailed Path = iota
	PathAborted
	PathEmpty
	PathSuccess
)

func (p Path) String() string {
	switch p {
	case PathFailed:
		return "failed"
	case PathAborted:
		return "aborted"
	case PathEmpty:
		return "empty"
	case PathSuccess:
		return "success"
	}
	return fmt.Sprintf("Path(%d)", int(p))
}

// Empty-pattern cooldown reason codes.
const (
	ReasonBlockedEmpty    = "BLOCKED_EMPTY_PATTERN"
	ReasonSuspiciousEmpty = "SUSPICIOUS_EMPTY_PATTERN"
	ReasonAbort           = "ABORTED"
)

// NoResultsReason is what fetchers report when the feed simply ran dry.
// It is not a genuine abort.
const NoResultsReason = "no_results"

const (
	baseCooldown = 10 * time.Minute
	maxCooldown  = 6 * time.Hour

	riskDecay             = 0.7
	ewmaKeep              = 0.8
	qualityUnstableStreak = 7
	qualityDegradedStreak = 3
)

// Run is what the runner observed for one task.
type Run struct {
	Fetched     int
	NewItems    int
	DurationMs  int64
	LatencyMs   int64
	Aborted     bool
	AbortReason string
	PeakRisk    int
	// Err is set when the fetch could not execute at all (including timeout).
	Err error
}

// GenuineAbort reports whether the run stopped for a real reason rather
// than running out of results.
func (r Run) GenuineAbort() bool {
	return r.Aborted && r.AbortReason != "" && r.AbortReason != NoResultsReason
}

type Input struct {
	Task model.Task
	// Target is the pre-run snapshot; zero for ad hoc tasks without one.
	Target  model.Target
	Session model.Session
	Run     Run

	OtherSessionsSucceeding bool
	Now                     time.Time
}

// Decision is the full consequence of a run. Nil Target or Session means
// the row must not be written.
type Decision struct {
	Path   Path
	Status model.TaskStatus
	Error  string

	Empty *emptyresult.Result

	Cooldown       time.Duration
	CooldownReason string

	Target        *model.Target
	Session       *model.Session
	SessionStaled bool

	Outcome model.RunOutcome
}

// Escalation returns the cooldown for the given escalation level.
func Escalation(level int) time.Duration {
	if level < 0 {
		level = 0
	}
	if level > 16 {
		return maxCooldown
	}
	d := baseCooldown * time.Duration(1<<uint(level))
	if d > maxCooldown {
		return maxCooldown
	}
	return d
}

// Decide uses PolicyV1.
func Decide(in Input) Decision {
	return DecideWith(emptyresult.PolicyV1, in)
}

// DecideWith is pure: it reads the snapshots in Input and returns new ones.
func DecideWith(policy emptyresult.Policy, in Input) Decision {
	run := in.Run
	now := in.Now
	d := Decision{}

	var target *model.Target
	if in.Target.ID != "" {
		t := in.Target
		target = &t
	}
	var sess *model.Session
	if in.Session.ID != "" {
		s := in.Session
		sess = &s
	}

	switch {
	case run.Err != nil:
		d.Path = PathFailed
		d.Status = model.TaskFailed
		d.Error = run.Err.Error()
		if target != nil {
			target.TotalRuns++
			target.LastRunAt = now
			target.LastError = d.Error
		}
		// the session did nothing wrong that we can prove
		sess = nil

	case run.GenuineAbort():
		d.Path = PathAborted
		if run.Fetched > 0 {
			d.Status = model.TaskPartial
		} else {
			d.Status = model.TaskFailed
		}
		d.Error = run.AbortReason
		if target != nil {
			recordRun(target, run.Fetched, now)
			target.LastError = run.AbortReason
			if target.CooldownTaskID != in.Task.ID {
				d.Cooldown = Escalation(target.CooldownLevel)
				d.CooldownReason = fmt.Sprintf("%s: %s", ReasonAbort, run.AbortReason)
				target.CooldownLevel++
				startCooldown(target, in.Task.ID, d.Cooldown, d.CooldownReason, now)
			}
			target.Quality = quality(target.EmptyStreak, nil)
		}
		if sess != nil {
			if sess.LastAbortTaskID != in.Task.ID {
				if sess.Status == model.SessionOK {
					sess.Status = model.SessionStale
					d.SessionStaled = true
				}
				sess.StaleReason = run.AbortReason
				sess.LastAbortAt = now
				sess.LastAbortTaskID = in.Task.ID
				sess.RiskScore = max(sess.RiskScore, run.PeakRisk)
				sess.SuccessRate = ewma(sess.SuccessRate, 0)
			}
			observeLatency(sess, run.LatencyMs)
		}

	case run.Fetched == 0:
		d.Path = PathEmpty
		d.Status = model.TaskDone
		res := policy.Interpret(in.Target.Metrics(), emptyresult.Observation{
			DurationMs:              run.DurationMs,
			OtherSessionsSucceeding: in.OtherSessionsSucceeding,
		}, now)
		d.Empty = &res
		if target != nil {
			recordRun(target, 0, now)
			target.LastError = ""
			if cd := policy.Cooldown(res); cd > 0 && target.CooldownTaskID != in.Task.ID {
				code := ReasonSuspiciousEmpty
				if res.Verdict == emptyresult.EmptyBlocked {
					code = ReasonBlockedEmpty
				}
				d.Cooldown = cd
				d.CooldownReason = fmt.Sprintf("%s: confidence %d, empty streak %d", code, res.Confidence, target.EmptyStreak)
				d.Status = model.TaskCooldown
				startCooldown(target, in.Task.ID, cd, d.CooldownReason, now)
			}
			target.Quality = quality(target.EmptyStreak, &res)
		}
		if sess != nil {
			sample := 1.0
			if res.Verdict != emptyresult.EmptyOK {
				sample = 0
			}
			sess.SuccessRate = ewma(sess.SuccessRate, sample)
			observeLatency(sess, run.LatencyMs)
		}

	default:
		d.Path = PathSuccess
		d.Status = model.TaskDone
		if target != nil {
			recordRun(target, run.Fetched, now)
			target.LastError = ""
			target.CooldownLevel = 0
			target.Quality = quality(0, nil)
		}
		if sess != nil {
			sess.RiskScore = int(math.Floor(float64(sess.RiskScore) * riskDecay))
			sess.LastSuccessAt = now
			sess.SuccessRate = ewma(sess.SuccessRate, 1)
			observeLatency(sess, run.LatencyMs)
		}
	}

	if sess != nil {
		sess.UpdatedAt = now
	}
	if target != nil {
		target.UpdatedAt = now
	}
	d.Target = target
	d.Session = sess

	d.Outcome = model.RunOutcome{
		TaskID:      in.Task.ID,
		OwnerID:     in.Task.OwnerID,
		TargetID:    in.Task.TargetID,
		SessionID:   in.Session.ID,
		Status:      d.Status,
		Fetched:     run.Fetched,
		DurationMs:  run.DurationMs,
		Aborted:     run.Aborted,
		AbortReason: run.AbortReason,
		PeakRisk:    run.PeakRisk,
		CreatedAt:   now,
	}
	if d.Empty != nil {
		d.Outcome.Verdict = d.Empty.Verdict.String()
	}
	return d
}

// recordRun updates the rolling quality snapshot. A non-empty run is the
// only thing that resets the empty streak.
func recordRun(t *model.Target, fetched int, now time.Time) {
	t.AvgFetched = (t.AvgFetched*float64(t.FetchSamples) + float64(fetched)) / float64(t.FetchSamples+1)
	t.FetchSamples++
	t.TotalRuns++
	t.TotalFetched += fetched
	t.LastRunAt = now
	if fetched > 0 {
		t.EmptyStreak = 0
		t.LastNonEmptyAt = now
	} else {
		t.EmptyStreak++
	}
}

func startCooldown(t *model.Target, taskID string, d time.Duration, reason string, now time.Time) {
	t.CooldownUntil = now.Add(d)
	t.CooldownReason = reason
	t.CooldownTaskID = taskID
}

func quality(streak int, res *emptyresult.Result) model.Quality {
	switch {
	case streak >= qualityUnstableStreak, res != nil && res.Verdict == emptyresult.EmptyBlocked:
		return model.QualityUnstable
	case streak >= qualityDegradedStreak, res != nil && res.Verdict == emptyresult.EmptySuspicious:
		return model.QualityDegraded
	}
	return model.QualityHealthy
}

func ewma(prev, sample float64) float64 {
	return prev*ewmaKeep + sample*(1-ewmaKeep)
}

func observeLatency(s *model.Session, latencyMs int64) {
	if latencyMs <= 0 {
		return
	}
	if s.AvgLatencyMs == 0 {
		s.AvgLatencyMs = latencyMs
		return
	}
	s.AvgLatencyMs = int64(math.Round(float64(s.AvgLatencyMs)*ewmaKeep + float64(latencyMs)*(1-ewmaKeep)))
}
