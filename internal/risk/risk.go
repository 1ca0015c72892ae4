// Package risk scores a single fetch's telemetry.
package risk

import "fmt"

type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Sample is one telemetry reading taken while a fetch scrolls.
type Sample struct {
	LatencyMs        int64   `json:"latencyMs"`
	XHRErrors        int     `json:"xhrErrors"`
	CaptchaSeen      bool    `json:"captchaSeen"`
	RateLimitSeen    bool    `json:"rateLimitSeen"`
	EmptyResponses   int     `json:"emptyResponses"`
	ScrollsPerMinute float64 `json:"scrollsPerMinute"`
}

type Assessment struct {
	Score   int      `json:"score"`
	Level   Level    `json:"level"`
	Factors []string `json:"factors,omitempty"`
}

func (a Assessment) ShouldDowngrade() bool { return a.Level >= High }

func (a Assessment) ShouldAbort() bool { return a.Level == Critical }

type threshold struct {
	name         string
	warn, danger float64
	warnPts      int
	dangerPts    int
}

func (t threshold) eval(v float64) (int, string) {
	switch {
	case v >= t.danger:
		return t.dangerPts, t.name + "_danger"
	case v >= t.warn:
		return t.warnPts, t.name + "_warn"
	}
	return 0, ""
}

// Danger points always exceed warn points, which keeps the score monotone in
// every factor.
var (
	latency   = threshold{name: "latency", warn: 3000, danger: 8000, warnPts: 10, dangerPts: 25}
	xhrErrors = threshold{name: "xhr_errors", warn: 2, danger: 5, warnPts: 10, dangerPts: 25}
	empties   = threshold{name: "empty_responses", warn: 3, danger: 6, warnPts: 10, dangerPts: 20}
	cadence   = threshold{name: "scroll_cadence", warn: 40, danger: 60, warnPts: 5, dangerPts: 15}
)

const (
	CaptchaPoints   = 50
	RateLimitPoints = 60
)

func Assess(s Sample) Assessment {
	var out Assessment
	add := func(pts int, label string) {
		if pts == 0 {
			return
		}
		out.Score += pts
		out.Factors = append(out.Factors, label)
	}

	add(latency.eval(float64(s.LatencyMs)))
	add(xhrErrors.eval(float64(s.XHRErrors)))
	if s.CaptchaSeen {
		add(CaptchaPoints, "captcha")
	}
	if s.RateLimitSeen {
		add(RateLimitPoints, "rate_limit")
	}
	add(empties.eval(float64(s.EmptyResponses)))
	add(cadence.eval(s.ScrollsPerMinute))

	if out.Score > 100 {
		out.Score = 100
	}
	if out.Score < 0 {
		out.Score = 0
	}
	out.Level = LevelOf(out.Score)
	return out
}

func LevelOf(score int) Level {
	switch {
	case score >= 70:
		return Critical
	case score >= 50:
		return High
	case score >= 25:
		return Medium
	}
	return Low
}
