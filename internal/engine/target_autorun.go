package engine

import (
	"context"
	"errors"
)

// AutoRunByStore starts the engine when some owner has enabled targets and
// stops it once none do, so toggling a target takes effect without a manual
// start.
func (e *Engine) AutoRunByStore(ctx context.Context) error {
	if e == nil || e.store == nil {
		return errors.New("store unavailable")
	}
	owners, err := e.store.ListPlannableOwners(ctx)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		if e.IsRunning() {
			pending, err := e.store.ListPending(ctx, 1)
			if err != nil {
				return err
			}
			// ad hoc work still queued keeps the worker alive
			if len(pending) == 0 && len(e.State().InFlight) == 0 {
				return e.StopAll(ctx)
			}
		}
		return nil
	}
	if !e.IsRunning() {
		return e.StartAll(ctx)
	}
	return nil
}
