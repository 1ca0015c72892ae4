package risk

import (
	"slices"
	"testing"
)

func TestAssessLevels(t *testing.T) {
	cases := []struct {
		name   string
		sample Sample
		score  int
		level  Level
	}{
		{name: "quiet", sample: Sample{LatencyMs: 800}, score: 0, level: Low},
		{name: "slow", sample: Sample{LatencyMs: 3500, XHRErrors: 2}, score: 20, level: Low},
		{name: "very slow with errors", sample: Sample{LatencyMs: 9000, XHRErrors: 2}, score: 35, level: Medium},
		{name: "captcha", sample: Sample{CaptchaSeen: true}, score: 50, level: High},
		{name: "rate limit", sample: Sample{RateLimitSeen: true}, score: 60, level: High},
		{name: "rate limit and slow", sample: Sample{RateLimitSeen: true, LatencyMs: 3000}, score: 70, level: Critical},
		{name: "everything", sample: Sample{
			LatencyMs: 10000, XHRErrors: 9, CaptchaSeen: true, RateLimitSeen: true,
			EmptyResponses: 10, ScrollsPerMinute: 90,
		}, score: 100, level: Critical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Assess(tc.sample)
			if got.Score != tc.score || got.Level != tc.level {
				t.Fatalf("Assess = %d/%s, want %d/%s", got.Score, got.Level, tc.score, tc.level)
			}
		})
	}
}

func TestAssessFactorLabels(t *testing.T) {
	got := Assess(Sample{CaptchaSeen: true, EmptyResponses: 6})
	if !slices.Contains(got.Factors, "captcha") || !slices.Contains(got.Factors, "empty_responses_danger") {
		t.Fatalf("factors = %v", got.Factors)
	}
}

func TestDowngradeAndAbortFlags(t *testing.T) {
	for score := 0; score <= 100; score++ {
		a := Assessment{Score: score, Level: LevelOf(score)}
		if a.ShouldDowngrade() != (score >= 50) {
			t.Fatalf("score %d: ShouldDowngrade = %v", score, a.ShouldDowngrade())
		}
		if a.ShouldAbort() != (score >= 70) {
			t.Fatalf("score %d: ShouldAbort = %v", score, a.ShouldAbort())
		}
	}
}

// Raising any single factor must never lower the score, and the score stays
// within [0,100].
func TestAssessMonotoneAndClamped(t *testing.T) {
	latencies := []int64{0, 2999, 3000, 7999, 8000, 20000}
	counts := []int{0, 1, 2, 3, 5, 6, 12}
	cadences := []float64{0, 39, 40, 59, 60, 120}
	bools := []bool{false, true}

	for _, c := range bools {
		for _, r := range bools {
			for _, e := range counts {
				for _, cad := range cadences {
					prev := -1
					for _, lat := range latencies {
						s := Sample{LatencyMs: lat, XHRErrors: e, CaptchaSeen: c, RateLimitSeen: r, EmptyResponses: e, ScrollsPerMinute: cad}
						got := Assess(s).Score
						if got < 0 || got > 100 {
							t.Fatalf("score %d out of range for %+v", got, s)
						}
						if got < prev {
							t.Fatalf("latency %d lowered score %d -> %d", lat, prev, got)
						}
						prev = got
					}
				}
			}
		}
	}

	for _, lat := range latencies {
		prev := -1
		for _, n := range counts {
			got := Assess(Sample{LatencyMs: lat, XHRErrors: n}).Score
			if got < prev {
				t.Fatalf("xhr %d lowered score", n)
			}
			prev = got
		}
		prev = -1
		for _, n := range counts {
			got := Assess(Sample{LatencyMs: lat, EmptyResponses: n}).Score
			if got < prev {
				t.Fatalf("empties %d lowered score", n)
			}
			prev = got
		}
		prev = -1
		for _, cad := range cadences {
			got := Assess(Sample{LatencyMs: lat, ScrollsPerMinute: cad}).Score
			if got < prev {
				t.Fatalf("cadence %v lowered score", cad)
			}
			prev = got
		}
		off := Assess(Sample{LatencyMs: lat}).Score
		if Assess(Sample{LatencyMs: lat, CaptchaSeen: true}).Score < off {
			t.Fatal("captcha lowered score")
		}
		if Assess(Sample{LatencyMs: lat, RateLimitSeen: true}).Score < off {
			t.Fatal("rate limit lowered score")
		}
	}
}

func TestLevelString(t *testing.T) {
	if Critical.String() != "CRITICAL" || Low.String() != "LOW" {
		t.Fatal("unexpected level names")
	}
}
