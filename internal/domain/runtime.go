package domain

import "context"

// RuntimePhase is what the runtime reports for one instance. It is
// coarser than [InstancePhase]: readiness is layered on top by probes.
type RuntimePhase string

const (
	RuntimeStarting RuntimePhase = "Starting"
	RuntimeRunning  RuntimePhase = "Running"
	RuntimeStopped  RuntimePhase = "Stopped"
	RuntimeFailed   RuntimePhase = "Failed"
)

// InstanceRuntime is the port through which instances are started,
// stopped, and inspected. The real implementation drives a container
// runtime; the recording implementation keeps instances in the database
// for local development and tests.
type InstanceRuntime interface {
	Create(ctx context.Context, id InstanceID, template InstanceTemplate) error
	Terminate(ctx context.Context, id InstanceID) error
	Inspect(ctx context.Context, id InstanceID) (RuntimePhase, error)
}
