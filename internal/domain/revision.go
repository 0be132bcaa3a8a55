package domain

import "time"

// Revision is an immutable snapshot of an instance template, sequence
// numbered per deployment. Revisions are totally ordered by Sequence;
// the current revision is the one the active rollout targets. History is
// append only: a rollback re-submits an old template as a new revision.
type Revision struct {
	Deployment DeploymentName
	Sequence   int64
	Template   InstanceTemplate
	CreatedAt  time.Time
}

// RevisionRetention bounds how much revision history is kept. Zero
// values disable the corresponding bound.
type RevisionRetention struct {
	// KeepCount keeps at most this many revisions, newest first.
	KeepCount int
	// KeepAge keeps revisions younger than this.
	KeepAge time.Duration
}

// Prunable returns the sequences that retention allows deleting, given
// the full history in ascending sequence order. The active revision and
// the last completed one are always kept so that rollback stays possible.
func (r RevisionRetention) Prunable(history []Revision, active, lastComplete int64, now time.Time) []int64 {
	if r.KeepCount <= 0 && r.KeepAge <= 0 {
		return nil
	}
	var prunable []int64
	for i, rev := range history {
		if rev.Sequence == active || rev.Sequence == lastComplete {
			continue
		}
		fromNewest := len(history) - i // 1-based position counted from the newest end
		if r.KeepCount > 0 && fromNewest <= r.KeepCount {
			continue
		}
		if r.KeepAge > 0 && now.Sub(rev.CreatedAt) <= r.KeepAge {
			continue
		}
		prunable = append(prunable, rev.Sequence)
	}
	return prunable
}
