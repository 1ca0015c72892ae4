package notify

import (
	"context"

	"feedcrawler/internal/logbus"
)

type Kind string

const (
	KindNewContent     Kind = "new-content"
	KindSessionExpired Kind = "session-expired"
	KindTargetCooldown Kind = "target-cooldown"
	KindHighRisk       Kind = "high-risk"
	KindParseAborted   Kind = "parse-aborted"
)

type Event struct {
	Kind      Kind   `json:"kind"`
	At        int64  `json:"atMs"`
	OwnerID   string `json:"ownerId"`
	TaskID    string `json:"taskId,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	Target    string `json:"target,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Count     int    `json:"count,omitempty"`
	RiskScore int    `json:"riskScore,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Until     int64  `json:"untilMs,omitempty"`
}

// Notifier must not block the caller for long; slow sinks queue.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// BusNotifier republishes events on the log bus for websocket clients.
type BusNotifier struct {
	Bus *logbus.Bus
}

func (n BusNotifier) Notify(_ context.Context, evt Event) {
	if n.Bus == nil {
		return
	}
	n.Bus.Publish(logbus.TypeEvent, evt)
}

// Multi fans an event out to every notifier in order. Nil entries are skipped.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}
