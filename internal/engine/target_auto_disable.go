package engine

import (
	"context"
	"strings"
	"time"
)

func (e *Engine) disableTarget(targetID string, reason string, fields map[string]any) {
	targetID = strings.TrimSpace(targetID)
	if e == nil || targetID == "" {
		return
	}

	out := map[string]any{"targetId": targetID}
	if strings.TrimSpace(reason) != "" {
		out["reason"] = strings.TrimSpace(reason)
	}
	for k, v := range fields {
		if strings.TrimSpace(k) == "" || v == nil {
			continue
		}
		out[k] = v
	}
	e.bus.Log("info", "目标已自动停用", out)
	if e.bus != nil {
		e.bus.Publish("target_disabled", out)
	}

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := e.store.SetTargetEnabled(ctx, targetID, false); err != nil {
			e.bus.Log("warn", "停用目标失败", map[string]any{"targetId": targetID, "error": err.Error()})
		}
		cancel()
	}
}
