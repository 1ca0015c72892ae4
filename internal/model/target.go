package model

import "time"

type TargetKind string

const (
	TargetKeyword TargetKind = "KEYWORD"
	TargetAccount TargetKind = "ACCOUNT"
)

func (k TargetKind) Valid() bool {
	return k == TargetKeyword || k == TargetAccount
}

type Quality string

const (
	QualityHealthy  Quality = "HEALTHY"
	QualityDegraded Quality = "DEGRADED"
	QualityUnstable Quality = "UNSTABLE"
)

type Target struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	Kind           TargetKind `json:"kind"`
	Value          string     `json:"value"`
	Enabled        bool       `json:"enabled"`
	Priority       int        `json:"priority"`
	MaxPostsPerRun int        `json:"maxPostsPerRun"`

	CooldownUntil  time.Time `json:"cooldownUntil,omitempty"`
	CooldownReason string    `json:"cooldownReason,omitempty"`
	CooldownLevel  int       `json:"cooldownLevel"`
	CooldownTaskID string    `json:"cooldownTaskId,omitempty"`

	TotalRuns      int       `json:"totalRuns"`
	TotalFetched   int       `json:"totalFetched"`
	LastRunAt      time.Time `json:"lastRunAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	EmptyStreak    int       `json:"emptyStreak"`
	AvgFetched     float64   `json:"avgFetched"`
	FetchSamples   int       `json:"fetchSamples"` // completed runs behind AvgFetched
	LastNonEmptyAt time.Time `json:"lastNonEmptyAt,omitempty"`
	Quality        Quality   `json:"quality"`
	LastVariantID  string    `json:"lastVariantId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (t Target) InCooldown(now time.Time) bool {
	return !t.CooldownUntil.IsZero() && now.Before(t.CooldownUntil)
}

// Metrics is the rolling quality snapshot the empty-result interpreter reads.
func (t Target) Metrics() Metrics {
	return Metrics{
		RunsTotal:      t.TotalRuns,
		EmptyStreak:    t.EmptyStreak,
		AvgFetched:     t.AvgFetched,
		LastNonEmptyAt: t.LastNonEmptyAt,
	}
}

type Metrics struct {
	RunsTotal      int       `json:"runsTotal"`
	EmptyStreak    int       `json:"emptyStreak"`
	AvgFetched     float64   `json:"avgFetched"`
	LastNonEmptyAt time.Time `json:"lastNonEmptyAt,omitempty"`
}

// Item is a single fetched post.
type Item struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"targetId"`
	OwnerID   string    `json:"ownerId"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	URL       string    `json:"url,omitempty"`
	PostedAt  time.Time `json:"postedAt,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}
