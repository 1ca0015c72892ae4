// Package selector picks which borrowed session serves the next fetch.
package selector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"feedcrawler/internal/model"
)

type Reason string

const (
	NoAccounts         Reason = "NO_ACCOUNTS"
	NoSessions         Reason = "NO_SESSIONS"
	AllSessionsInvalid Reason = "ALL_SESSIONS_INVALID"
	SessionExpired     Reason = "SESSION_EXPIRED"
	NoProxyAvailable   Reason = "NO_PROXY_AVAILABLE"
)

// Remediation is the caller-facing state each failure maps to.
func (r Reason) Remediation() string {
	switch r {
	case NoAccounts:
		return "CONNECT_ACCOUNT"
	case NoSessions:
		return "SYNC_SESSION"
	case AllSessionsInvalid:
		return "RESYNC_SESSION"
	case SessionExpired:
		return "REFRESH_SESSION"
	case NoProxyAvailable:
		return "CONFIGURE_PROXY"
	}
	return "UNKNOWN"
}

// Error is returned when no session can serve the owner. Selection failures
// need user action and are never retried automatically.
type Error struct {
	Reason  Reason
	OwnerID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("session selection for owner %q: %s", e.OwnerID, e.Reason)
}

type Options struct {
	// GlobalProxy is used for accounts without their own proxy.
	GlobalProxy  string
	RequireProxy bool
}

type candidate struct {
	session model.Session
	account model.Account
	proxy   string
}

// Select ranks the owner's usable sessions and returns the best one. It only
// reads its inputs. Sessions of other owners and superseded versions are
// ignored.
func Select(ownerID string, accounts []model.Account, sessions []model.Session, opts Options, now time.Time) (model.RuntimeConfig, error) {
	fail := func(r Reason) (model.RuntimeConfig, error) {
		return model.RuntimeConfig{}, &Error{Reason: r, OwnerID: ownerID}
	}

	enabled := make(map[string]model.Account)
	for _, a := range accounts {
		if a.OwnerID != ownerID || !a.Enabled {
			continue
		}
		enabled[a.ID] = a
	}
	if len(enabled) == 0 {
		return fail(NoAccounts)
	}

	var current []candidate
	for _, s := range sessions {
		acc, ok := enabled[s.AccountID]
		if !ok || s.Superseded || s.OwnerID != ownerID {
			continue
		}
		current = append(current, candidate{session: s, account: acc})
	}
	if len(current) == 0 {
		return fail(NoSessions)
	}

	valid := current[:0:0]
	for _, c := range current {
		if c.session.Status != model.SessionInvalid {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		return fail(AllSessionsInvalid)
	}

	live := valid[:0:0]
	for _, c := range valid {
		if !c.session.Expired(now) {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return fail(SessionExpired)
	}

	routable := live[:0:0]
	for _, c := range live {
		c.proxy = strings.TrimSpace(c.account.Proxy)
		if c.proxy == "" {
			c.proxy = strings.TrimSpace(opts.GlobalProxy)
		}
		if opts.RequireProxy && c.proxy == "" {
			continue
		}
		routable = append(routable, c)
	}
	if len(routable) == 0 {
		return fail(NoProxyAvailable)
	}

	sort.SliceStable(routable, func(i, j int) bool {
		return better(routable[i].session, routable[j].session)
	})
	best := routable[0]
	return model.RuntimeConfig{
		Session:   best.session,
		Account:   best.account,
		Proxy:     best.proxy,
		UserAgent: best.account.UserAgent,
	}, nil
}

func statusRank(s model.SessionStatus) int {
	switch s {
	case model.SessionOK:
		return 0
	case model.SessionStale:
		return 1
	case model.SessionExpired, model.SessionInvalid:
		return 2
	}
	return 3
}

func better(a, b model.Session) bool {
	if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
		return ra < rb
	}
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	if a.AvgLatencyMs != b.AvgLatencyMs {
		return a.AvgLatencyMs < b.AvgLatencyMs
	}
	if !a.SyncedAt.Equal(b.SyncedAt) {
		return a.SyncedAt.After(b.SyncedAt)
	}
	return a.ID < b.ID
}
