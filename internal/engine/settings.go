package engine

import (
	"context"

	"feedcrawler/internal/model"
)

func DefaultNotifySettings() model.NotifySettings {
	return model.NotifySettings{
		MinRiskScore: 70,
		NewContent:   true,
	}
}

func normalizeNotifySettings(in model.NotifySettings) model.NotifySettings {
	out := in
	if out.MinRiskScore < 0 {
		out.MinRiskScore = 0
	}
	if out.MinRiskScore > 100 {
		out.MinRiskScore = 100
	}
	return out
}

func (e *Engine) NotifySettings() model.NotifySettings {
	if e == nil {
		return DefaultNotifySettings()
	}
	v := e.notifySettings.Load()
	if v == nil {
		return DefaultNotifySettings()
	}
	if s, ok := v.(model.NotifySettings); ok {
		return normalizeNotifySettings(s)
	}
	return DefaultNotifySettings()
}

func (e *Engine) SetNotifySettings(next model.NotifySettings) model.NotifySettings {
	next = normalizeNotifySettings(next)
	if e == nil {
		return next
	}
	e.notifySettings.Store(next)
	return next
}

func normalizeLimits(in model.LimitsSettings) model.LimitsSettings {
	out := in
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = 4
	}
	if out.MaxInFlight > 64 {
		out.MaxInFlight = 64
	}
	if out.SessionQPS <= 0 {
		out.SessionQPS = 0.5
	}
	return out
}

// Limits are read on every paced call, so a new session QPS applies at once.
// MaxInFlight applies on the next start.
func (e *Engine) Limits() model.LimitsSettings {
	if v, ok := e.limits.Load().(model.LimitsSettings); ok {
		return v
	}
	return normalizeLimits(model.LimitsSettings{})
}

func (e *Engine) SetLimits(next model.LimitsSettings) model.LimitsSettings {
	next = normalizeLimits(next)
	e.limits.Store(next)
	return next
}

// loadSettings overlays settings saved through the API on the file config.
func (e *Engine) loadSettings(ctx context.Context) {
	if e.store == nil {
		return
	}
	if v, ok, err := e.store.GetLimitsSettings(ctx); err != nil {
		e.bus.Log("warn", "读取限流配置失败", map[string]any{"error": err.Error()})
	} else if ok {
		e.SetLimits(v)
	}
	if v, ok, err := e.store.GetNotifySettings(ctx); err != nil {
		e.bus.Log("warn", "读取通知配置失败", map[string]any{"error": err.Error()})
	} else if ok {
		e.SetNotifySettings(v)
	}
}
