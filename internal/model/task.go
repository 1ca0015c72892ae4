package model

import "time"

type TaskKind string

const (
	TaskSearch  TaskKind = "SEARCH"
	TaskAccount TaskKind = "ACCOUNT"
	TaskThread  TaskKind = "THREAD"
)

type TaskScope string

const (
	ScopeUser   TaskScope = "USER"
	ScopeSystem TaskScope = "SYSTEM"
)

type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskRunning  TaskStatus = "RUNNING"
	TaskDone     TaskStatus = "DONE"
	TaskPartial  TaskStatus = "PARTIAL"
	TaskFailed   TaskStatus = "FAILED"
	TaskCooldown TaskStatus = "COOLDOWN"
)

// Terminal statuses are written once and never overwritten.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskDone, TaskPartial, TaskFailed, TaskCooldown:
		return true
	case TaskPending, TaskRunning:
		return false
	}
	return false
}

type Task struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"ownerId"`
	Scope        TaskScope   `json:"scope"`
	Kind         TaskKind    `json:"kind"`
	TargetID     string      `json:"targetId,omitempty"`
	Query        string      `json:"query,omitempty"`
	Status       TaskStatus  `json:"status"`
	Priority     int         `json:"priority"`
	PlannedPosts int         `json:"plannedPosts"`
	Attempts     int         `json:"attempts"`
	SessionID    string      `json:"sessionId,omitempty"`
	ClaimedBy    string      `json:"claimedBy,omitempty"`
	Result       *TaskResult `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	StartedAt    time.Time   `json:"startedAt,omitempty"`
	FinishedAt   time.Time   `json:"finishedAt,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// TaskResult is the engine summary written with the terminal status.
type TaskResult struct {
	Fetched        int    `json:"fetched"`
	NewItems       int    `json:"newItems"`
	DurationMs     int64  `json:"durationMs"`
	Aborted        bool   `json:"aborted"`
	AbortReason    string `json:"abortReason,omitempty"`
	PeakRisk       int    `json:"peakRisk"`
	InitialProfile string `json:"initialProfile,omitempty"`
	FinalProfile   string `json:"finalProfile,omitempty"`
	Downgrades     int    `json:"downgrades"`
	Scrolls        int    `json:"scrolls"`
	VariantID      string `json:"variantId,omitempty"`
	Verdict        string `json:"verdict,omitempty"`
	Confidence     int    `json:"confidence,omitempty"`
}

// RunOutcome is the append-only quality record of one finished run.
type RunOutcome struct {
	TaskID      string     `json:"taskId"`
	OwnerID     string     `json:"ownerId"`
	TargetID    string     `json:"targetId"`
	SessionID   string     `json:"sessionId"`
	Status      TaskStatus `json:"status"`
	Fetched     int        `json:"fetched"`
	DurationMs  int64      `json:"durationMs"`
	Aborted     bool       `json:"aborted"`
	AbortReason string     `json:"abortReason,omitempty"`
	PeakRisk    int        `json:"peakRisk"`
	Verdict     string     `json:"verdict,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type EngineState struct {
	Running  bool     `json:"running"`
	WorkerID string   `json:"workerId"`
	InFlight []string `json:"inFlight"`
}

// RunCommit is everything a finished run writes. It is applied atomically
// and only while the task is still RUNNING under the same claim.
//
// When Derive is set the store reads TargetID and SessionID inside the
// commit transaction and lets Derive fill Status, Result, Error, Target,
// Session and Outcome from those rows, so concurrent runs never write back
// a stale snapshot. A missing row is passed as the zero value.
type RunCommit struct {
	TaskID    string
	ClaimedBy string
	Attempt   int
	Status    TaskStatus
	Result    *TaskResult
	Error     string
	Target    *Target
	Session   *Session
	Outcome   RunOutcome
	At        time.Time

	TargetID  string
	SessionID string
	Derive    func(c *RunCommit, target Target, sess Session)
}
