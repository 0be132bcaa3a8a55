package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// Manager runs one [Controller] per deployment. Loops start lazily on
// the first notification for a deployment and stop with the manager's
// context. It implements [Notifier] so the rollout service can wake
// loops on spec and command writes.
type Manager struct {
	Specs     domain.SpecRepository
	Revisions domain.RevisionRepository
	Statuses  domain.StatusRepository
	Fleets    *domain.FleetSet
	Engine    domain.WorkflowEngine

	// ProgressDeadline and Resync are passed to every loop.
	ProgressDeadline time.Duration
	Resync           time.Duration
	Log              logr.Logger

	mu      sync.Mutex
	ctx     context.Context
	wg      sync.WaitGroup
	runner  domain.ReconcileRunner
	loops   map[domain.DeploymentName]*Controller
	started bool
}

// Start binds the manager to a context and registers the reconcile
// workflow with the engine. Must be called before Notify or Ensure.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}

	wf := &domain.ReconcileWorkflow{
		Specs:            m.Specs,
		Revisions:        m.Revisions,
		Statuses:         m.Statuses,
		Fleets:           m.Fleets,
		ProgressDeadline: m.ProgressDeadline,
	}
	runner, err := m.Engine.ReconcileRunner(wf)
	if err != nil {
		return fmt.Errorf("create reconcile runner: %w", err)
	}

	m.ctx = ctx
	m.runner = runner
	m.loops = make(map[domain.DeploymentName]*Controller)
	m.started = true
	return nil
}

// Ensure starts the loop for a deployment if it is not already running.
func (m *Manager) Ensure(name domain.DeploymentName) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, fmt.Errorf("manager not started")
	}
	if ctrl, ok := m.loops[name]; ok {
		return ctrl, nil
	}

	ctrl := &Controller{
		Name:   name,
		Runner: m.runner,
		Resync: m.Resync,
		Log:    m.Log,
	}
	m.loops[name] = ctrl
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctrl.Run(m.ctx)
	}()
	return ctrl, nil
}

// Notify wakes (and if needed starts) the loop for a deployment.
func (m *Manager) Notify(name domain.DeploymentName) {
	ctrl, err := m.Ensure(name)
	if err != nil {
		m.Log.Error(err, "notify dropped", "deployment", name)
		return
	}
	ctrl.Notify()
}

// Wait blocks until every loop has observed the manager context's
// cancellation and returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
