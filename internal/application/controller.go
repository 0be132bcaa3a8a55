package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// Controller is the reconciliation loop for one deployment. Each tick
// runs as a workflow through the engine: observe, plan, apply, persist.
// The loop wakes on store change notifications and on a fallback resync
// timer, and the tick body is identical regardless of the wake source.
type Controller struct {
	Name   domain.DeploymentName
	Runner domain.ReconcileRunner
	// Resync is the fallback poll interval, a safety net against missed
	// events. Zero means 15s.
	Resync time.Duration
	Log    logr.Logger

	wakeOnce sync.Once
	wake     chan struct{}
}

func (c *Controller) resync() time.Duration {
	if c.Resync > 0 {
		return c.Resync
	}
	return 15 * time.Second
}

func (c *Controller) wakeCh() chan struct{} {
	c.wakeOnce.Do(func() { c.wake = make(chan struct{}, 1) })
	return c.wake
}

// Notify wakes the loop for an immediate tick. Coalesced: notifying an
// already-woken loop is a no-op.
func (c *Controller) Notify() {
	select {
	case c.wakeCh() <- struct{}{}:
	default:
	}
}

// Run drives the loop until the context is cancelled. Tick failures are
// logged and absorbed; the loop itself only stops with its context.
func (c *Controller) Run(ctx context.Context) {
	log := c.Log.WithValues("deployment", c.Name)
	timer := time.NewTimer(0) // first tick immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wakeCh():
		case <-timer.C:
		}

		if err := c.Tick(ctx); err != nil {
			switch {
			case errors.Is(err, domain.ErrPlannerInvariant):
				// Defect guard: the tick was aborted before applying.
				log.Error(err, "tick aborted")
			case errors.Is(err, domain.ErrNotFound):
				log.V(1).Info("deployment not ready for reconciliation")
			case ctx.Err() == nil:
				log.Error(err, "tick failed")
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.resync())
	}
}

// Tick runs one reconcile workflow to completion. The next tick cannot
// start until this one's status write is durably recorded.
func (c *Controller) Tick(ctx context.Context) error {
	handle, err := c.Runner.Run(ctx, c.Name)
	if err != nil {
		return err
	}
	result, err := handle.AwaitResult(ctx)
	if err != nil {
		return err
	}
	if result.Applied {
		c.Log.V(1).Info("tick applied",
			"deployment", c.Name,
			"state", result.Status.State,
			"updated", result.Status.Updated,
			"readyUpdated", result.Status.ReadyUpdated,
			"old", result.Status.Old)
	}
	return nil
}
