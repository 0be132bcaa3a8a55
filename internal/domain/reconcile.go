package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LoadResult is everything one tick needs from the store.
type LoadResult struct {
	Spec    DeploymentSpec `json:"spec"`
	Desired Revision       `json:"desired"`
	Status  RolloutStatus  `json:"status"`
}

// ScaleInput instructs the fleet to bring one revision to a target
// count. Template is carried for scale-up; scale-down needs none.
type ScaleInput struct {
	Deployment DeploymentName    `json:"deployment"`
	Revision   int64             `json:"revision"`
	Target     int32             `json:"target"`
	Template   *InstanceTemplate `json:"template,omitempty"`
}

// ScaleResult reports the runtime operations one scale step issued.
type ScaleResult struct {
	Created    int `json:"created"`
	Terminated int `json:"terminated"`
}

// PersistResult reports whether the tick's status write took effect.
type PersistResult struct {
	// Superseded is set when an operator command won the write race;
	// the tick's derived status was discarded and the command's state
	// governs the next tick.
	Superseded bool `json:"superseded,omitempty"`
}

// TickResult is the outcome of one reconcile tick.
type TickResult struct {
	Status     RolloutStatus `json:"status"`
	Applied    bool          `json:"applied"` // whether any scaling was attempted
	Superseded bool          `json:"superseded,omitempty"`
}

// ReconcileWorkflow is one observe-plan-apply tick of the control loop,
// expressed as a durable workflow. All I/O happens in activities so a
// durable engine can replay the body deterministically; planning and
// status derivation are pure. A tick is not complete until its status
// write is durably recorded, which is what lets the loop guarantee that
// tick n+1 never starts before tick n's mutations are persisted.
type ReconcileWorkflow struct {
	Specs     SpecRepository
	Revisions RevisionRepository
	Statuses  StatusRepository
	Fleets    *FleetSet

	// ProgressDeadline fails the rollout when ReadyUpdated has not
	// increased for this long. Zero means 10 minutes.
	ProgressDeadline time.Duration
}

// Name returns the stable workflow name used for engine registration.
func (wf *ReconcileWorkflow) Name() string { return "reconcile-tick" }

func (wf *ReconcileWorkflow) progressDeadline() time.Duration {
	if wf.ProgressDeadline > 0 {
		return wf.ProgressDeadline
	}
	return 10 * time.Minute
}

// LoadDeployment reads the spec, the latest revision, and the previous
// status from the store.
func (wf *ReconcileWorkflow) LoadDeployment() Activity[DeploymentName, LoadResult] {
	return NewActivity("load-deployment", func(ctx context.Context, name DeploymentName) (LoadResult, error) {
		spec, err := wf.Specs.Get(ctx, name)
		if err != nil {
			return LoadResult{}, fmt.Errorf("load spec: %w", err)
		}
		desired, err := wf.Revisions.Latest(ctx, name)
		if err != nil {
			return LoadResult{}, fmt.Errorf("load latest revision: %w", err)
		}
		status, err := wf.Statuses.Get(ctx, name)
		if err != nil {
			return LoadResult{}, fmt.Errorf("load status: %w", err)
		}
		return LoadResult{Spec: spec, Desired: desired, Status: status}, nil
	})
}

// ObserveFleet takes one consistent snapshot of the instance set.
func (wf *ReconcileWorkflow) ObserveFleet() Activity[DeploymentName, Observation] {
	return NewActivity("observe-fleet", func(ctx context.Context, name DeploymentName) (Observation, error) {
		return wf.Fleets.Fleet(name).Observe(ctx), nil
	})
}

// ScaleRevision applies one scale target through the fleet manager.
func (wf *ReconcileWorkflow) ScaleRevision() Activity[ScaleInput, ScaleResult] {
	return NewActivity("scale-revision", func(ctx context.Context, in ScaleInput) (ScaleResult, error) {
		fleet := wf.Fleets.Fleet(in.Deployment)
		if in.Template != nil {
			fleet.SetTemplate(in.Revision, *in.Template)
		}
		created, terminated, err := fleet.ScaleTo(ctx, in.Revision, in.Target)
		if err != nil {
			return ScaleResult{}, err
		}
		return ScaleResult{Created: created, Terminated: terminated}, nil
	})
}

// PersistStatus durably records the tick's derived status. The write
// carries the generation the tick loaded; if an operator command wrote
// in between, the conflict drops the derived status rather than
// clobbering the command.
func (wf *ReconcileWorkflow) PersistStatus() Activity[RolloutStatus, PersistResult] {
	return NewActivity("persist-status", func(ctx context.Context, status RolloutStatus) (PersistResult, error) {
		err := wf.Statuses.Put(ctx, status)
		if errors.Is(err, ErrConflict) {
			return PersistResult{Superseded: true}, nil
		}
		return PersistResult{}, err
	})
}

// Run is the workflow body: observe, plan, apply, persist. It must stay
// deterministic given the recorded activity results; time comes from the
// observation, never from the wall clock.
func (wf *ReconcileWorkflow) Run(runner DurableRunner, name DeploymentName) (TickResult, error) {
	load, err := RunActivity(runner, wf.LoadDeployment(), name)
	if err != nil {
		return TickResult{}, err
	}
	obs, err := RunActivity(runner, wf.ObserveFleet(), name)
	if err != nil {
		return TickResult{}, err
	}

	status, plan, apply, err := wf.decide(load, obs)
	if err != nil {
		// Planner invariant violation: abort the tick without applying
		// or persisting anything.
		return TickResult{}, err
	}

	if apply {
		up := ScaleInput{
			Deployment: name,
			Revision:   plan.New.Revision,
			Target:     plan.New.Target,
			Template:   &load.Desired.Template,
		}
		if _, err := RunActivity(runner, wf.ScaleRevision(), up); err != nil {
			return TickResult{}, err
		}
		for _, old := range plan.Old {
			down := ScaleInput{Deployment: name, Revision: old.Revision, Target: old.Target}
			if _, err := RunActivity(runner, wf.ScaleRevision(), down); err != nil {
				return TickResult{}, err
			}
		}
	}

	persist, err := RunActivity(runner, wf.PersistStatus(), status)
	if err != nil {
		return TickResult{}, err
	}
	return TickResult{Status: status, Applied: apply, Superseded: persist.Superseded}, nil
}

// decide derives the next status and whether to apply the plan. Pure.
func (wf *ReconcileWorkflow) decide(load LoadResult, obs Observation) (RolloutStatus, PlanResult, bool, error) {
	prev := load.Status
	desired := load.Desired.Sequence
	counts := obs.Count(desired)

	status := RolloutStatus{
		Deployment:      load.Spec.Name,
		DesiredRevision: desired,
		Updated:         counts.New,
		ReadyUpdated:    counts.ReadyNew,
		Old:             counts.Old,
		Unavailable:     unavailable(load.Spec.Replicas, counts),
		LastComplete:    prev.LastComplete,
		LastProgress:    prev.LastProgress,
		UpdatedAt:       obs.ObservedAt,
		Generation:      prev.Generation,
	}

	// Paused holds everything until an explicit resume, even across new
	// revision submissions. Counts still refresh.
	if prev.State == RolloutPaused {
		status.State = RolloutPaused
		return status, PlanResult{}, false, nil
	}

	// Failed is terminal for the revision that failed. A newer revision
	// restarts the machine.
	if prev.State == RolloutFailed && prev.DesiredRevision == desired {
		status.State = RolloutFailed
		status.Message = prev.Message
		return status, PlanResult{}, false, nil
	}

	// Create retries exhausted for the desired revision: fail and hold
	// scaling so a broken image cannot compound unavailability. Stalls
	// of superseded revisions do not bind; the new revision proceeds.
	if reason, stalled := obs.Stalls[desired]; stalled {
		status.State = RolloutFailed
		status.Message = reason
		return status, PlanResult{}, false, nil
	}

	plan, err := Plan(load.Spec, desired, obs)
	if err != nil {
		return RolloutStatus{}, PlanResult{}, false, err
	}

	if plan.Complete {
		status.State = RolloutComplete
		status.LastComplete = desired
		status.LastProgress = obs.ObservedAt
		return status, plan, false, nil
	}

	// Forward progress is a ReadyUpdated increase or a revision change.
	if prev.DesiredRevision != desired || counts.ReadyNew > prev.ReadyUpdated || prev.LastProgress.IsZero() {
		status.LastProgress = obs.ObservedAt
	}
	if obs.ObservedAt.Sub(status.LastProgress) > wf.progressDeadline() {
		status.State = RolloutFailed
		status.Message = fmt.Sprintf("%v: no ready instances of revision %d for %s",
			ErrDeadlineExceeded, desired, wf.progressDeadline())
		return status, PlanResult{}, false, nil
	}

	status.State = RolloutProgressing
	return status, plan, true, nil
}

func unavailable(replicas int32, c Counts) int32 {
	u := replicas - (c.ReadyNew + c.ReadyOld)
	if u < 0 {
		return 0
	}
	return u
}
