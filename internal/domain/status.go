package domain

import (
	"sort"
	"time"
)

// RolloutState is the lifecycle state of the active rollout.
type RolloutState string

const (
	RolloutProgressing RolloutState = "Progressing"
	RolloutPaused      RolloutState = "Paused"
	RolloutComplete    RolloutState = "Complete"
	RolloutFailed      RolloutState = "Failed"
)

// RolloutStatus is the persisted, derived view of a rollout. Counts are
// recomputed from the live instance set on every tick and never edited
// by hand.
type RolloutStatus struct {
	Deployment      DeploymentName `json:"deployment"`
	DesiredRevision int64          `json:"desiredRevision"`
	State           RolloutState   `json:"state"`
	// Message carries the human-readable condition on Failed.
	Message string `json:"message,omitempty"`

	Updated      int32 `json:"updated"`      // instances of the desired revision
	ReadyUpdated int32 `json:"readyUpdated"` // of those, Ready
	Old          int32 `json:"old"`          // instances of prior revisions
	Unavailable  int32 `json:"unavailable"`  // replica slots with no Ready instance

	// LastComplete is the sequence of the most recent revision that
	// finished a rollout. Abort falls back to it.
	LastComplete int64 `json:"lastComplete,omitempty"`

	// LastProgress is when ReadyUpdated last increased (or the desired
	// revision changed). The progress deadline measures from here.
	LastProgress time.Time `json:"lastProgress"`
	UpdatedAt    time.Time `json:"updatedAt"`

	// Generation is the write version of the persisted row. A Put
	// succeeds only when it carries the stored generation, so a tick
	// that raced an operator command loses instead of clobbering it.
	Generation int64 `json:"generation"`
}

// Observation is a single consistent snapshot of the instance fleet,
// taken at one point in time.
type Observation struct {
	Instances  []Instance `json:"instances"`
	ObservedAt time.Time  `json:"observedAt"`
	// Stalls maps each revision whose instance creation exhausted its
	// retry budget to the reason. A stall binds only its own revision;
	// newer revisions scale normally.
	Stalls map[int64]string `json:"stalls,omitempty"`
}

// Counts aggregates the observation against a desired revision.
type Counts struct {
	New      int32
	ReadyNew int32
	Old      int32
	ReadyOld int32
}

// Count tallies counted instances split by desired vs prior revisions.
func (o Observation) Count(desired int64) Counts {
	var c Counts
	for _, inst := range o.Instances {
		if !inst.Counted() {
			continue
		}
		if inst.Revision == desired {
			c.New++
			if inst.Phase == PhaseReady {
				c.ReadyNew++
			}
		} else {
			c.Old++
			if inst.Phase == PhaseReady {
				c.ReadyOld++
			}
		}
	}
	return c
}

// OldRevisions returns the distinct prior revision sequences present in
// the observation, ascending, with their counted instance totals.
func (o Observation) OldRevisions(desired int64) []RevisionCount {
	counts := map[int64]int32{}
	for _, inst := range o.Instances {
		if inst.Revision != desired && inst.Counted() {
			counts[inst.Revision]++
		}
	}
	out := make([]RevisionCount, 0, len(counts))
	for seq, n := range counts {
		out = append(out, RevisionCount{Revision: seq, Count: n})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Revision < out[b].Revision })
	return out
}

// RevisionCount pairs a revision sequence with its counted instances.
type RevisionCount struct {
	Revision int64
	Count    int32
}
