package selector

import (
	"errors"
	"testing"
	"time"

	"feedcrawler/internal/model"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func acct(id string) model.Account {
	return model.Account{ID: id, OwnerID: "u1", Handle: id, Enabled: true}
}

func sess(id, accountID string, st model.SessionStatus) model.Session {
	return model.Session{ID: id, AccountID: accountID, OwnerID: "u1", Version: 1, Status: st, SuccessRate: 0.8, AvgLatencyMs: 1500, SyncedAt: now.Add(-time.Hour)}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a selection error", err)
	}
	return se.Reason
}

func TestFailureReasons(t *testing.T) {
	expiredAt := sess("s-exp", "a1", model.SessionOK)
	expiredAt.ExpiresAt = now.Add(-time.Minute)

	disabled := acct("a1")
	disabled.Enabled = false

	superseded := sess("s-old", "a1", model.SessionOK)
	superseded.Superseded = true

	cases := []struct {
		name     string
		accounts []model.Account
		sessions []model.Session
		opts     Options
		want     Reason
	}{
		{name: "no accounts", want: NoAccounts},
		{name: "only disabled accounts", accounts: []model.Account{disabled}, sessions: []model.Session{sess("s1", "a1", model.SessionOK)}, want: NoAccounts},
		{name: "account without sessions", accounts: []model.Account{acct("a1")}, want: NoSessions},
		{name: "only superseded", accounts: []model.Account{acct("a1")}, sessions: []model.Session{superseded}, want: NoSessions},
		{name: "all invalid", accounts: []model.Account{acct("a1"), acct("a2")}, sessions: []model.Session{sess("s1", "a1", model.SessionInvalid), sess("s2", "a2", model.SessionInvalid)}, want: AllSessionsInvalid},
		{name: "expired by status", accounts: []model.Account{acct("a1")}, sessions: []model.Session{sess("s1", "a1", model.SessionExpired), sess("s2", "a1", model.SessionInvalid)}, want: SessionExpired},
		{name: "expired by time", accounts: []model.Account{acct("a1")}, sessions: []model.Session{expiredAt}, want: SessionExpired},
		{name: "no proxy", accounts: []model.Account{acct("a1")}, sessions: []model.Session{sess("s1", "a1", model.SessionOK)}, opts: Options{RequireProxy: true}, want: NoProxyAvailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Select("u1", tc.accounts, tc.sessions, tc.opts, now)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := reasonOf(t, err); got != tc.want {
				t.Fatalf("reason = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRemediationsAreDistinct(t *testing.T) {
	seen := map[string]Reason{}
	for _, r := range []Reason{NoAccounts, NoSessions, AllSessionsInvalid, SessionExpired, NoProxyAvailable} {
		rem := r.Remediation()
		if prev, ok := seen[rem]; ok {
			t.Fatalf("%s and %s share remediation %s", prev, r, rem)
		}
		seen[rem] = r
	}
}

func TestRanking(t *testing.T) {
	okSlow := sess("ok-slow", "a1", model.SessionOK)
	okSlow.AvgLatencyMs = 3000

	okFast := sess("ok-fast", "a2", model.SessionOK)
	okFast.AvgLatencyMs = 900

	stale := sess("stale", "a3", model.SessionStale)
	stale.SuccessRate = 1

	okBetterRate := sess("ok-rate", "a4", model.SessionOK)
	okBetterRate.SuccessRate = 0.95
	okBetterRate.AvgLatencyMs = 5000

	accounts := []model.Account{acct("a1"), acct("a2"), acct("a3"), acct("a4")}

	cases := []struct {
		name     string
		sessions []model.Session
		want     string
	}{
		{name: "ok beats stale", sessions: []model.Session{stale, okSlow}, want: "ok-slow"},
		{name: "success rate first", sessions: []model.Session{okFast, okBetterRate}, want: "ok-rate"},
		{name: "latency breaks rate tie", sessions: []model.Session{okSlow, okFast}, want: "ok-fast"},
		{name: "stale when nothing else", sessions: []model.Session{stale, sess("bad", "a1", model.SessionInvalid)}, want: "stale"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc, err := Select("u1", accounts, tc.sessions, Options{}, now)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if rc.Session.ID != tc.want {
				t.Fatalf("picked %s, want %s", rc.Session.ID, tc.want)
			}
		})
	}
}

func TestFresherSyncWinsFullTie(t *testing.T) {
	older := sess("older", "a1", model.SessionOK)
	newer := sess("newer", "a2", model.SessionOK)
	newer.SyncedAt = now.Add(-time.Minute)
	rc, err := Select("u1", []model.Account{acct("a1"), acct("a2")}, []model.Session{older, newer}, Options{}, now)
	if err != nil || rc.Session.ID != "newer" {
		t.Fatalf("got %s, %v", rc.Session.ID, err)
	}
}

func TestProxyResolution(t *testing.T) {
	withProxy := acct("a1")
	withProxy.Proxy = "http://10.0.0.1:3128"
	rc, err := Select("u1", []model.Account{withProxy}, []model.Session{sess("s1", "a1", model.SessionOK)}, Options{GlobalProxy: "http://global:1", RequireProxy: true}, now)
	if err != nil || rc.Proxy != "http://10.0.0.1:3128" {
		t.Fatalf("proxy = %q, %v", rc.Proxy, err)
	}

	rc, err = Select("u1", []model.Account{acct("a1")}, []model.Session{sess("s1", "a1", model.SessionOK)}, Options{GlobalProxy: "http://global:1", RequireProxy: true}, now)
	if err != nil || rc.Proxy != "http://global:1" {
		t.Fatalf("proxy = %q, %v", rc.Proxy, err)
	}
}

func TestSelectDoesNotMutateInputs(t *testing.T) {
	sessions := []model.Session{sess("b", "a1", model.SessionStale), sess("a", "a1", model.SessionOK)}
	_, _ = Select("u1", []model.Account{acct("a1")}, sessions, Options{}, now)
	if sessions[0].ID != "b" || sessions[1].ID != "a" {
		t.Fatal("input slice was reordered")
	}
}

func TestOtherOwnersIgnored(t *testing.T) {
	foreign := acct("a9")
	foreign.OwnerID = "u2"
	_, err := Select("u1", []model.Account{foreign}, []model.Session{sess("s", "a9", model.SessionOK)}, Options{}, now)
	if reasonOf(t, err) != NoAccounts {
		t.Fatal("foreign accounts must not count")
	}
}
