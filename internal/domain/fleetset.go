package domain

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// FleetSet hands out one [ReplicaSetManager] per deployment. Deployments
// reconcile independently and share no mutable state, so each gets its
// own manager, lazily created on first use.
type FleetSet struct {
	Runtime InstanceRuntime
	Probe   HealthProbe
	// MaxCreateAttempts is passed through to each manager.
	MaxCreateAttempts int
	Log               logr.Logger
	Now               func() time.Time

	mu     sync.Mutex
	fleets map[DeploymentName]*ReplicaSetManager
}

// Fleet returns the manager for one deployment, creating it if needed.
func (fs *FleetSet) Fleet(name DeploymentName) *ReplicaSetManager {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.fleets == nil {
		fs.fleets = make(map[DeploymentName]*ReplicaSetManager)
	}
	m, ok := fs.fleets[name]
	if !ok {
		m = &ReplicaSetManager{
			Runtime:           fs.Runtime,
			Probe:             fs.Probe,
			MaxCreateAttempts: fs.MaxCreateAttempts,
			Log:               fs.Log.WithValues("deployment", name),
			Now:               fs.Now,
		}
		fs.fleets[name] = m
	}
	return m
}
