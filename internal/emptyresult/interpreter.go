// Package emptyresult decides whether a run that fetched nothing means the
// feed was quiet or that the session is being filtered.
package emptyresult

import (
	"fmt"
	"time"

	"feedcrawler/internal/model"
)

type Verdict int

const (
	EmptyOK Verdict = iota
	EmptySuspicious
	EmptyBlocked
)

func (v Verdict) String() string {
	switch v {
	case EmptyOK:
		return "EMPTY_OK"
	case EmptySuspicious:
		return "EMPTY_SUSPICIOUS"
	case EmptyBlocked:
		return "EMPTY_BLOCKED"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Policy is a frozen scoring table. Changing any value means a new version,
// never an edit of an existing one.
type Policy struct {
	Version string

	ThinHistoryRuns       int
	ThinHistoryConfidence int

	BlockedStreak       int
	BlockedStreakPts    int
	SevereStreak        int
	SevereStreakPts     int
	SuspiciousStreak    int
	SuspiciousStreakPts int

	FastResponseMs  int64
	FastResponsePts int

	HighActivityAvg float64
	HighActivityPts int

	OthersSucceedingStreak int
	OthersSucceedingPts    int

	SilenceWindow time.Duration
	SilencePts    int

	BlockedThreshold         int
	SuspiciousThreshold      int
	BlockedLeaningThreshold  int
	BlockedConfidenceCap     int
	SuspiciousConfidenceCap  int
	OKConfidenceCeiling      int
	OKConfidenceFloor        int
	SuspiciousCooldownStreak int
	SuspiciousCooldown       time.Duration
	BlockedCooldown          time.Duration
}

var PolicyV1 = Policy{
	Version: "v1",

	ThinHistoryRuns:       2,
	ThinHistoryConfidence: 60,

	BlockedStreak:       7,
	BlockedStreakPts:    40,
	SevereStreak:        10,
	SevereStreakPts:     15,
	SuspiciousStreak:    3,
	SuspiciousStreakPts: 25,

	FastResponseMs:  2000,
	FastResponsePts: 15,

	HighActivityAvg: 10,
	HighActivityPts: 20,

	OthersSucceedingStreak: 2,
	OthersSucceedingPts:    30,

	SilenceWindow: 24 * time.Hour,
	SilencePts:    25,

	BlockedThreshold:         50,
	SuspiciousThreshold:      30,
	BlockedLeaningThreshold:  25,
	BlockedConfidenceCap:     90,
	SuspiciousConfidenceCap:  80,
	OKConfidenceCeiling:      90,
	OKConfidenceFloor:        50,
	SuspiciousCooldownStreak: 4,
	SuspiciousCooldown:       15 * time.Minute,
	BlockedCooldown:          60 * time.Minute,
}

// Observation describes the empty run being judged.
type Observation struct {
	DurationMs              int64
	OtherSessionsSucceeding bool
}

type Result struct {
	Verdict         Verdict  `json:"verdict"`
	Confidence      int      `json:"confidence"`
	BlockedScore    int      `json:"blockedScore"`
	SuspiciousScore int      `json:"suspiciousScore"`
	Reasons         []string `json:"reasons,omitempty"`
	PolicyVersion   string   `json:"policyVersion"`
	// EmptyStreak is copied from the input for the cooldown rule.
	EmptyStreak int `json:"emptyStreak"`
}

// Interpret uses PolicyV1.
func Interpret(m model.Metrics, obs Observation, now time.Time) Result {
	return PolicyV1.Interpret(m, obs, now)
}

// Interpret scores a zero-fetch outcome against the target's prior quality
// snapshot. Rules are evaluated independently and summed per bucket.
func (p Policy) Interpret(m model.Metrics, obs Observation, now time.Time) Result {
	res := Result{PolicyVersion: p.Version, EmptyStreak: m.EmptyStreak}

	if m.RunsTotal <= p.ThinHistoryRuns {
		res.Verdict = EmptyOK
		res.Confidence = p.ThinHistoryConfidence
		res.Reasons = []string{"thin_history"}
		return res
	}

	blocked, suspicious := 0, 0
	hit := func(bucket *int, pts int, reason string) {
		*bucket += pts
		res.Reasons = append(res.Reasons, reason)
	}

	if m.EmptyStreak >= p.BlockedStreak {
		hit(&blocked, p.BlockedStreakPts, "long_empty_streak")
	}
	if m.EmptyStreak >= p.SevereStreak {
		hit(&blocked, p.SevereStreakPts, "severe_empty_streak")
	}
	if m.EmptyStreak >= p.SuspiciousStreak {
		hit(&suspicious, p.SuspiciousStreakPts, "empty_streak")
	}
	if obs.DurationMs < p.FastResponseMs && m.EmptyStreak > 1 {
		hit(&suspicious, p.FastResponsePts, "fast_empty_response")
	}
	if m.AvgFetched > p.HighActivityAvg && m.EmptyStreak > 1 {
		hit(&suspicious, p.HighActivityPts, "high_activity_target_silent")
	}
	if obs.OtherSessionsSucceeding && m.EmptyStreak >= p.OthersSucceedingStreak {
		hit(&blocked, p.OthersSucceedingPts, "other_sessions_succeeding")
	}
	if !m.LastNonEmptyAt.IsZero() && now.Sub(m.LastNonEmptyAt) > p.SilenceWindow {
		hit(&blocked, p.SilencePts, "silent_over_24h")
	}

	res.BlockedScore = blocked
	res.SuspiciousScore = suspicious

	switch {
	case blocked >= p.BlockedThreshold:
		res.Verdict = EmptyBlocked
		res.Confidence = min(p.BlockedConfidenceCap, blocked)
	case suspicious >= p.SuspiciousThreshold || blocked >= p.BlockedLeaningThreshold:
		res.Verdict = EmptySuspicious
		res.Confidence = min(p.SuspiciousConfidenceCap, max(suspicious, blocked))
	default:
		res.Verdict = EmptyOK
		res.Confidence = max(p.OKConfidenceFloor, p.OKConfidenceCeiling-(blocked+suspicious))
	}
	return res
}

// Cooldown is the recommended target pause for the result; zero means none.
func (r Result) Cooldown() time.Duration {
	return PolicyV1.Cooldown(r)
}

func (p Policy) Cooldown(r Result) time.Duration {
	switch r.Verdict {
	case EmptyBlocked:
		return p.BlockedCooldown
	case EmptySuspicious:
		if r.EmptyStreak >= p.SuspiciousCooldownStreak {
			return p.SuspiciousCooldown
		}
		return 0
	case EmptyOK:
		return 0
	}
	return 0
}
