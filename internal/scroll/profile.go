package scroll

import (
	"fmt"
	"time"
)

type ProfileName string

const (
	Safe       ProfileName = "SAFE"
	Normal     ProfileName = "NORMAL"
	Aggressive ProfileName = "AGGRESSIVE"
)

func (p ProfileName) Valid() bool {
	switch p {
	case Safe, Normal, Aggressive:
		return true
	}
	return false
}

type Profile struct {
	Name                ProfileName   `json:"name"`
	MinDelay            time.Duration `json:"minDelay"`
	MaxDelay            time.Duration `json:"maxDelay"`
	MinDistance         int           `json:"minDistance"`
	MaxDistance         int           `json:"maxDistance"`
	BatchSize           int           `json:"batchSize"`
	MaxScrollsPerMinute int           `json:"maxScrollsPerMinute"`
	// ExpectedPostsPerMinute is the throughput the planner can count on.
	ExpectedPostsPerMinute int `json:"expectedPostsPerMinute"`
}

var profiles = map[ProfileName]Profile{
	Safe: {
		Name:                   Safe,
		MinDelay:               3000 * time.Millisecond,
		MaxDelay:               6000 * time.Millisecond,
		MinDistance:            300,
		MaxDistance:            600,
		BatchSize:              10,
		MaxScrollsPerMinute:    20,
		ExpectedPostsPerMinute: 20,
	},
	Normal: {
		Name:                   Normal,
		MinDelay:               2000 * time.Millisecond,
		MaxDelay:               4000 * time.Millisecond,
		MinDistance:            500,
		MaxDistance:            900,
		BatchSize:              20,
		MaxScrollsPerMinute:    30,
		ExpectedPostsPerMinute: 40,
	},
	Aggressive: {
		Name:                   Aggressive,
		MinDelay:               1000 * time.Millisecond,
		MaxDelay:               2500 * time.Millisecond,
		MinDistance:            800,
		MaxDistance:            1400,
		BatchSize:              40,
		MaxScrollsPerMinute:    60,
		ExpectedPostsPerMinute: 80,
	},
}

// Lookup panics on an unknown name; names come from the constants above or
// from Parse.
func Lookup(name ProfileName) Profile {
	p, ok := profiles[name]
	if !ok {
		panic(fmt.Sprintf("scroll: unknown profile %q", name))
	}
	return p
}

func Parse(s string) (ProfileName, error) {
	p := ProfileName(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown scroll profile %q", s)
	}
	return p, nil
}

// Downgrade steps one tier down. There is nothing below SAFE and no upgrade.
func Downgrade(p ProfileName) (ProfileName, bool) {
	switch p {
	case Aggressive:
		return Normal, true
	case Normal:
		return Safe, true
	case Safe:
		return "", false
	}
	return "", false
}

// History is what is known about the session that will run the task.
type History struct {
	SuccessRate  float64
	AvgLatencyMs int64
	LastAbortAt  time.Time
}

const (
	abortRecency       = 6 * time.Hour
	normalMinSuccess   = 0.9
	normalMaxLatencyMs = 2000
)

// SelectInitial picks the starting profile of a new task. A manual override
// wins; otherwise a recent abort forces SAFE and only a healthy history earns
// NORMAL. AGGRESSIVE is reachable only by override.
func SelectInitial(h History, override ProfileName, now time.Time) ProfileName {
	if override.Valid() {
		return override
	}
	if !h.LastAbortAt.IsZero() && now.Sub(h.LastAbortAt) < abortRecency {
		return Safe
	}
	if h.SuccessRate > normalMinSuccess && h.AvgLatencyMs < normalMaxLatencyMs {
		return Normal
	}
	return Safe
}
