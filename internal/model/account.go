package model

import "time"

// Account is a social account a user has connected. Sessions hang off it.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Handle    string    `json:"handle"`
	Proxy     string    `json:"proxy,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SessionStatus string

const (
	SessionOK      SessionStatus = "OK"
	SessionStale   SessionStatus = "STALE"
	SessionExpired SessionStatus = "EXPIRED"
	SessionInvalid SessionStatus = "INVALID"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionOK, SessionStale, SessionExpired, SessionInvalid:
		return true
	}
	return false
}

// Session is one synced credential bundle of an account. A re-sync creates a
// new version and supersedes the older ones; rows are never reactivated.
type Session struct {
	ID              string        `json:"id"`
	AccountID       string        `json:"accountId"`
	OwnerID         string        `json:"ownerId"`
	Version         int           `json:"version"`
	Status          SessionStatus `json:"status"`
	Superseded      bool          `json:"superseded"`
	RiskScore       int           `json:"riskScore"`
	SuccessRate     float64       `json:"successRate"`
	AvgLatencyMs    int64         `json:"avgLatencyMs"`
	Cookies         []Cookie      `json:"cookies,omitempty"`
	SyncedAt        time.Time     `json:"syncedAt"`
	ExpiresAt       time.Time     `json:"expiresAt,omitempty"`
	LastSuccessAt   time.Time     `json:"lastSuccessAt,omitempty"`
	LastAbortAt     time.Time     `json:"lastAbortAt,omitempty"`
	LastAbortTaskID string        `json:"lastAbortTaskId,omitempty"`
	StaleReason     string        `json:"staleReason,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Expired reports whether the session is unusable because of its age,
// regardless of the stored status.
func (s Session) Expired(now time.Time) bool {
	if s.Status == SessionExpired {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// RuntimeConfig is what a single task runs with. Recomputed per task.
type RuntimeConfig struct {
	Session   Session `json:"session"`
	Account   Account `json:"account"`
	Proxy     string  `json:"proxy,omitempty"`
	UserAgent string  `json:"userAgent,omitempty"`
}
