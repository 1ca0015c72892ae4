package cooldown

import (
	"context"
	"fmt"

	"feedcrawler/internal/emptyresult"
	"feedcrawler/internal/logbus"
	"feedcrawler/internal/model"
)

type Store interface {
	// CommitRun returns false when the task had already left RUNNING, in
	// which case nothing is written.
	CommitRun(ctx context.Context, c model.RunCommit) (bool, error)
}

// Service is the persistence boundary around Decide.
type Service struct {
	store  Store
	policy emptyresult.Policy
	bus    *logbus.Bus
}

func NewService(store Store, bus *logbus.Bus) *Service {
	return &Service{store: store, policy: emptyresult.PolicyV1, bus: bus}
}

// Apply decides the run and commits it. applied is false when a previous
// Apply for the same task already won. The decision is re-taken inside the
// commit against the current target and session rows, so runs that finish
// concurrently on the same session or target build on each other.
func (s *Service) Apply(ctx context.Context, in Input, result model.TaskResult) (d Decision, applied bool, err error) {
	d = DecideWith(s.policy, in)

	applied, err = s.store.CommitRun(ctx, model.RunCommit{
		TaskID:    in.Task.ID,
		ClaimedBy: in.Task.ClaimedBy,
		Attempt:   in.Task.Attempts,
		TargetID:  in.Target.ID,
		SessionID: in.Session.ID,
		At:        in.Now,
		Derive: func(c *model.RunCommit, target model.Target, sess model.Session) {
			fresh := in
			if in.Target.ID != "" {
				if in.Target.LastVariantID != "" {
					target.LastVariantID = in.Target.LastVariantID
				}
				fresh.Target = target
			}
			if in.Session.ID != "" {
				fresh.Session = sess
			}
			d = DecideWith(s.policy, fresh)
			d.Outcome.SessionID = in.Session.ID

			res := result
			if d.Empty != nil {
				res.Verdict = d.Empty.Verdict.String()
				res.Confidence = d.Empty.Confidence
			}
			res.Aborted = in.Run.Aborted
			res.AbortReason = in.Run.AbortReason

			c.Status = d.Status
			c.Result = &res
			c.Error = d.Error
			c.Target = d.Target
			c.Session = d.Session
			c.Outcome = d.Outcome
		},
	})
	if err != nil {
		return d, false, fmt.Errorf("commit run %s: %w", in.Task.ID, err)
	}
	if !applied {
		s.bus.Log("warn", "运行结果已写入，忽略重复提交", map[string]any{"taskId": in.Task.ID})
		return d, false, nil
	}

	fields := map[string]any{
		"taskId": in.Task.ID,
		"path":   d.Path.String(),
		"status": string(d.Status),
	}
	if d.Empty != nil {
		fields["verdict"] = d.Empty.Verdict.String()
		fields["confidence"] = d.Empty.Confidence
	}
	if d.Cooldown > 0 {
		fields["cooldown"] = d.Cooldown.String()
		fields["reason"] = d.CooldownReason
		s.bus.Log("warn", "目标进入冷却", fields)
	} else {
		s.bus.Log("info", "任务运行结束", fields)
	}
	return d, true, nil
}
