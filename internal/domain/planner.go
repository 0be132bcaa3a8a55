package domain

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/intstr"
)

// ScaleTarget is one scaling instruction: bring the given revision to
// the given instance count.
type ScaleTarget struct {
	Revision int64 `json:"revision"`
	Target   int32 `json:"target"`
}

// PlanResult is the output of one planning step.
type PlanResult struct {
	// New is the target for the desired revision.
	New ScaleTarget `json:"new"`
	// Old holds targets for every prior revision still present,
	// ascending by sequence. Revisions not listed are already at zero.
	Old []ScaleTarget `json:"old,omitempty"`
	// Complete is set when the rollout has converged: the desired
	// revision serves all replicas and nothing old remains.
	Complete bool `json:"complete"`
}

// OldTotal sums the old-revision targets.
func (p PlanResult) OldTotal() int32 {
	var total int32
	for _, t := range p.Old {
		total += t.Target
	}
	return total
}

// ResolveFenceposts converts the strategy's integer-or-percentage
// budgets into absolute counts against the replica total. Surge rounds
// up and unavailability rounds down: surging slightly past the budget
// is tolerable, dipping below availability is not.
func ResolveFenceposts(strategy Strategy, replicas int32) (surge, unavailable int32, err error) {
	s, err := intstr.GetScaledValueFromIntOrPercent(&strategy.MaxSurge, int(replicas), true)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve maxSurge: %w", err)
	}
	u, err := intstr.GetScaledValueFromIntOrPercent(&strategy.MaxUnavailable, int(replicas), false)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve maxUnavailable: %w", err)
	}
	if s < 0 || u < 0 {
		return 0, 0, fmt.Errorf("negative budget: surge %d, unavailable %d", s, u)
	}
	return int32(s), int32(u), nil
}

// Plan computes the next scaling step for a rollout toward the desired
// revision. It is a pure function of the spec and one fleet observation.
//
// Growth comes first: the desired revision is raised by the largest step
// that keeps the total at or under replicas+surge. Old revisions shrink
// only as far as newly ready capacity covers: non-ready old instances
// may always go, ready ones only while readyNew+readyOld stays at or
// above replicas-unavailable. Old revisions drain oldest first.
func Plan(spec DeploymentSpec, desired int64, obs Observation) (PlanResult, error) {
	surge, unavailable, err := ResolveFenceposts(spec.Strategy, spec.Replicas)
	if err != nil {
		return PlanResult{}, fmt.Errorf("%w: %v", ErrPlannerInvariant, err)
	}
	if spec.Replicas > 0 && surge == 0 && unavailable == 0 {
		// Rejected at submission; reaching here means a spec bypassed
		// validation and would deadlock the loop.
		return PlanResult{}, fmt.Errorf("%w: both budgets are zero", ErrPlannerInvariant)
	}

	c := obs.Count(desired)
	ceiling := spec.Replicas + surge
	floorReady := spec.Replicas - unavailable

	// Scale up the desired revision within the ceiling.
	newTarget := c.New
	if newTarget < spec.Replicas {
		headroom := ceiling - (c.New + c.Old)
		if headroom > 0 {
			newTarget = min32(spec.Replicas, c.New+headroom)
		}
	} else {
		newTarget = spec.Replicas
	}

	// Scale down old revisions as far as availability allows. Victim
	// selection removes non-ready instances first, so the removable
	// budget is every non-ready old instance plus whatever ready ones
	// the floor can spare.
	available := c.ReadyNew + c.ReadyOld
	spareReady := available - floorReady
	if spareReady < 0 {
		spareReady = 0
	}
	removable := (c.Old - c.ReadyOld) + spareReady
	if removable > c.Old {
		removable = c.Old
	}
	oldTotal := c.Old - removable

	result := PlanResult{
		New: ScaleTarget{Revision: desired, Target: newTarget},
		Old: distributeOld(obs.OldRevisions(desired), oldTotal),
	}
	result.Complete = c.New == spec.Replicas && c.Old == 0 && c.ReadyNew == spec.Replicas &&
		newTarget == spec.Replicas && oldTotal == 0

	if err := result.check(spec.Replicas, surge, unavailable, c); err != nil {
		return PlanResult{}, err
	}
	return result, nil
}

// distributeOld assigns the aggregate old target across the old
// revisions, draining the oldest sequences first.
func distributeOld(olds []RevisionCount, total int32) []ScaleTarget {
	remove := int32(0)
	for _, rc := range olds {
		remove += rc.Count
	}
	remove -= total // instances to shed overall

	targets := make([]ScaleTarget, 0, len(olds))
	for _, rc := range olds {
		take := min32(rc.Count, remove)
		remove -= take
		targets = append(targets, ScaleTarget{Revision: rc.Revision, Target: rc.Count - take})
	}
	return targets
}

// check guards the planner's own output against the budgets. A violation
// is an internal defect: the tick is aborted without applying anything.
func (p PlanResult) check(replicas, surge, unavailable int32, c Counts) error {
	if p.New.Target+p.OldTotal() > replicas+surge {
		return fmt.Errorf("%w: planned total %d exceeds ceiling %d",
			ErrPlannerInvariant, p.New.Target+p.OldTotal(), replicas+surge)
	}
	// Removing down to the old targets must not take ready capacity
	// below the floor. Non-ready old instances are removed first, and a
	// fleet already under the floor may still shed them: the bound is on
	// what the plan removes, not on the state it inherited.
	readyRemoved := (c.Old - p.OldTotal()) - (c.Old - c.ReadyOld)
	if readyRemoved < 0 {
		readyRemoved = 0
	}
	spare := c.ReadyNew + c.ReadyOld - (replicas - unavailable)
	if spare < 0 {
		spare = 0
	}
	if readyRemoved > spare {
		return fmt.Errorf("%w: planned removals drop ready capacity below floor %d",
			ErrPlannerInvariant, replicas-unavailable)
	}
	return nil
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
