package scroll

import (
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"feedcrawler/internal/risk"
)

func seeded() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

var (
	quiet    = Telemetry{Sample: risk.Sample{LatencyMs: 400}}
	high     = Telemetry{Sample: risk.Sample{CaptchaSeen: true}}
	critical = Telemetry{Sample: risk.Sample{CaptchaSeen: true, RateLimitSeen: true}}
)

func TestDowngrade(t *testing.T) {
	if p, ok := Downgrade(Aggressive); !ok || p != Normal {
		t.Fatalf("Downgrade(AGGRESSIVE) = %q, %v", p, ok)
	}
	if p, ok := Downgrade(Normal); !ok || p != Safe {
		t.Fatalf("Downgrade(NORMAL) = %q, %v", p, ok)
	}
	for i := 0; i < 2; i++ {
		if p, ok := Downgrade(Safe); ok || p != "" {
			t.Fatalf("Downgrade(SAFE) = %q, %v", p, ok)
		}
	}
}

func TestSelectInitial(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	good := History{SuccessRate: 0.95, AvgLatencyMs: 1200}

	cases := []struct {
		name     string
		h        History
		override ProfileName
		want     ProfileName
	}{
		{name: "healthy history", h: good, want: Normal},
		{name: "recent abort", h: History{SuccessRate: 0.99, AvgLatencyMs: 500, LastAbortAt: now.Add(-5 * time.Hour)}, want: Safe},
		{name: "old abort", h: History{SuccessRate: 0.99, AvgLatencyMs: 500, LastAbortAt: now.Add(-7 * time.Hour)}, want: Normal},
		{name: "exactly 0.9", h: History{SuccessRate: 0.9, AvgLatencyMs: 500}, want: Safe},
		{name: "slow", h: History{SuccessRate: 0.99, AvgLatencyMs: 2000}, want: Safe},
		{name: "no history", want: Safe},
		{name: "override", h: History{LastAbortAt: now}, override: Aggressive, want: Aggressive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SelectInitial(tc.h, tc.override, now); got != tc.want {
				t.Fatalf("SelectInitial = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestHintWithinProfileBounds(t *testing.T) {
	for _, name := range []ProfileName{Safe, Normal, Aggressive} {
		e := New(Options{Profile: name, Rand: seeded()})
		p := Lookup(name)
		for i := 0; i < 200; i++ {
			h := e.Hint()
			if h.Delay < p.MinDelay || h.Delay > p.MaxDelay {
				t.Fatalf("%s delay %v outside [%v,%v]", name, h.Delay, p.MinDelay, p.MaxDelay)
			}
			if h.Distance < p.MinDistance || h.Distance > p.MaxDistance {
				t.Fatalf("%s distance %d outside bounds", name, h.Distance)
			}
			if h.BatchSize != p.BatchSize || h.Profile != name {
				t.Fatalf("%s hint = %+v", name, h)
			}
			if perMinute := int(time.Minute / h.Delay); perMinute > p.MaxScrollsPerMinute {
				t.Fatalf("%s cadence %d/min above %d", name, perMinute, p.MaxScrollsPerMinute)
			}
		}
	}
}

func TestCriticalStopsAtAnyProfile(t *testing.T) {
	for _, name := range []ProfileName{Safe, Normal, Aggressive} {
		e := New(Options{Profile: name, PlannedPosts: 100, Rand: seeded()})
		d := e.Observe(critical)
		if !d.ShouldStop || d.Action != Aborted {
			t.Fatalf("%s: decision = %+v", name, d)
		}
		st := e.State()
		if !st.Aborted || !strings.HasPrefix(st.AbortReason, ReasonCriticalRisk) {
			t.Fatalf("%s: state = %+v", name, st)
		}
		if st.PeakRisk != 100 {
			t.Fatalf("peak risk = %d", st.PeakRisk)
		}
	}
}

func TestSustainedHighRiskWalksDownThenAborts(t *testing.T) {
	e := New(Options{Profile: Aggressive, PlannedPosts: 1000, Rand: seeded()})

	d := e.Observe(high)
	if d.Action != Downgraded || d.ShouldStop || e.State().Profile != Normal {
		t.Fatalf("first high: %+v state %+v", d, e.State())
	}
	if d.Hint.Profile != Normal {
		t.Fatalf("hint should use the new profile, got %s", d.Hint.Profile)
	}

	d = e.Observe(high)
	if d.Action != Downgraded || e.State().Profile != Safe {
		t.Fatalf("second high: %+v state %+v", d, e.State())
	}

	d = e.Observe(high)
	if d.Action != Aborted || !d.ShouldStop {
		t.Fatalf("high at SAFE must abort, got %+v", d)
	}
	st := e.State()
	if !st.Aborted || st.Downgrades != 2 || !strings.HasPrefix(st.AbortReason, ReasonHighRiskAtSafe) {
		t.Fatalf("state = %+v", st)
	}

	d = e.Observe(quiet)
	if !d.ShouldStop {
		t.Fatal("an aborted engine must keep saying stop")
	}
	if e.State().Scrolls != 3 {
		t.Fatalf("scrolls after stop = %d", e.State().Scrolls)
	}
}

func TestCompletesWhenPlannedReached(t *testing.T) {
	e := New(Options{Profile: Normal, PlannedPosts: 30, Rand: seeded()})
	d := e.Observe(Telemetry{Sample: quiet.Sample, NewItems: 20})
	if d.ShouldStop || d.Action != Continue {
		t.Fatalf("first batch: %+v", d)
	}
	d = e.Observe(Telemetry{Sample: quiet.Sample, NewItems: 15})
	if !d.ShouldStop || d.Action != Completed || d.Reason != ReasonPlannedReached {
		t.Fatalf("second batch: %+v", d)
	}
	if st := e.State(); st.Fetched != 35 || st.Aborted {
		t.Fatalf("state = %+v", st)
	}
}

func TestScrollBudget(t *testing.T) {
	e := New(Options{Profile: Safe, PlannedPosts: 100, MaxScrolls: 2, Rand: seeded()})
	e.Observe(quiet)
	d := e.Observe(quiet)
	if d.Action != Completed || d.Reason != ReasonScrollBudget {
		t.Fatalf("decision = %+v", d)
	}
}

func TestMarkEndedEarlySetsFlagWithoutReason(t *testing.T) {
	e := New(Options{Profile: Safe, Rand: seeded()})
	e.MarkEndedEarly()
	st := e.State()
	if !st.Aborted || st.AbortReason != "" {
		t.Fatalf("state = %+v", st)
	}
}

func TestParse(t *testing.T) {
	if p, err := Parse("NORMAL"); err != nil || p != Normal {
		t.Fatalf("Parse = %q, %v", p, err)
	}
	if _, err := Parse("turbo"); err == nil {
		t.Fatal("expected error")
	}
}
