package domain

import "context"

// SpecRepository persists the current desired spec per deployment.
type SpecRepository interface {
	Put(ctx context.Context, spec DeploymentSpec) error
	Get(ctx context.Context, name DeploymentName) (DeploymentSpec, error)
	List(ctx context.Context) ([]DeploymentSpec, error)
	Delete(ctx context.Context, name DeploymentName) error
}

// RevisionRepository persists the append-only revision history. Append
// assigns the next sequence number; history is never rewritten, only
// pruned under the retention policy.
type RevisionRepository interface {
	Append(ctx context.Context, name DeploymentName, template InstanceTemplate) (Revision, error)
	Get(ctx context.Context, name DeploymentName, sequence int64) (Revision, error)
	Latest(ctx context.Context, name DeploymentName) (Revision, error)
	List(ctx context.Context, name DeploymentName) ([]Revision, error)
	Delete(ctx context.Context, name DeploymentName, sequence int64) error
}

// StatusRepository persists the single current rollout status per
// deployment. Put is a compare-and-swap on [RolloutStatus.Generation]:
// it succeeds only when the given generation matches the stored one
// (zero for a missing row), stores the status with the generation
// advanced by one, and returns [ErrConflict] on a mismatch. Readers
// always see the last fully committed write.
type StatusRepository interface {
	Put(ctx context.Context, status RolloutStatus) error
	Get(ctx context.Context, name DeploymentName) (RolloutStatus, error)
}
