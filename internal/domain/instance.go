package domain

import (
	"sort"
	"time"
)

// InstanceID identifies a running (or terminating) instance.
type InstanceID string

// InstancePhase is the lifecycle phase of one instance.
type InstancePhase string

const (
	PhasePending     InstancePhase = "Pending"
	PhaseRunning     InstancePhase = "Running"
	PhaseReady       InstancePhase = "Ready"
	PhaseTerminating InstancePhase = "Terminating"
	PhaseFailed      InstancePhase = "Failed"
)

// Instance is one running unit of a revision. Instances are owned
// exclusively by the replica set manager; probes only drive the
// Ready/Running transition.
type Instance struct {
	ID        InstanceID    `json:"id"`
	Revision  int64         `json:"revision"`
	Phase     InstancePhase `json:"phase"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Counted reports whether the instance occupies a replica slot. Failed
// instances no longer count toward totals; terminating ones are already
// on their way out.
func (i Instance) Counted() bool {
	switch i.Phase {
	case PhasePending, PhaseRunning, PhaseReady:
		return true
	default:
		return false
	}
}

// terminationRank orders instances for scale-down: the least useful go
// first. Failed before Pending before Running before Ready.
func terminationRank(p InstancePhase) int {
	switch p {
	case PhaseFailed:
		return 0
	case PhasePending:
		return 1
	case PhaseRunning:
		return 2
	case PhaseReady:
		return 3
	default:
		return 4
	}
}

// SortForTermination sorts instances into victim order: least-ready
// first, then oldest CreatedAt, then ID as a stable tie-break. The
// ordering is deterministic for a given snapshot.
func SortForTermination(instances []Instance) {
	sort.SliceStable(instances, func(a, b int) bool {
		ra, rb := terminationRank(instances[a].Phase), terminationRank(instances[b].Phase)
		if ra != rb {
			return ra < rb
		}
		if !instances[a].CreatedAt.Equal(instances[b].CreatedAt) {
			return instances[a].CreatedAt.Before(instances[b].CreatedAt)
		}
		return instances[a].ID < instances[b].ID
	})
}
