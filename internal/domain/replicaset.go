package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ReplicaSetManager owns the instance set for one deployment across all
// of its revisions. All instance mutation goes through it; observers get
// point-in-time snapshots, never a view torn across concurrent changes.
type ReplicaSetManager struct {
	Runtime InstanceRuntime
	Probe   HealthProbe
	// Debounce stabilizes probe results. Nil means default thresholds.
	Debounce *Debouncer
	// MaxCreateAttempts bounds retries for one instance creation.
	// Exhausting it stalls the revision: its rollout must fail and no
	// further scale-up of it is applied. Defaults to 5.
	MaxCreateAttempts int
	// CreateBackoff overrides the default retry schedule (exponential
	// from 1s, capped at 60s, with 20% jitter). Zero value keeps the default.
	CreateBackoff wait.Backoff
	// Log defaults to logr.Discard.
	Log logr.Logger
	// Now is the clock, injectable for tests.
	Now func() time.Time

	mu        sync.Mutex
	templates map[int64]InstanceTemplate
	instances map[InstanceID]*Instance
	// stalls records, per revision, why create retries were exhausted.
	// A stall outlives the revision's instances but never blocks other
	// revisions, so a fixed image submitted later rolls out normally.
	stalls   map[int64]string
	initOnce sync.Once
}

func (m *ReplicaSetManager) init() {
	m.initOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.templates == nil {
			m.templates = make(map[int64]InstanceTemplate)
		}
		if m.instances == nil {
			m.instances = make(map[InstanceID]*Instance)
		}
		if m.stalls == nil {
			m.stalls = make(map[int64]string)
		}
		if m.Debounce == nil {
			m.Debounce = &Debouncer{}
		}
		if m.Log.GetSink() == nil {
			m.Log = logr.Discard()
		}
	})
}

func (m *ReplicaSetManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *ReplicaSetManager) maxCreateAttempts() int {
	if m.MaxCreateAttempts > 0 {
		return m.MaxCreateAttempts
	}
	return 5
}

func (m *ReplicaSetManager) createBackoff() wait.Backoff {
	if m.CreateBackoff.Duration > 0 {
		b := m.CreateBackoff
		if b.Steps == 0 {
			b.Steps = m.maxCreateAttempts()
		}
		return b
	}
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2,
		Jitter:   0.2,
		Cap:      60 * time.Second,
		Steps:    m.maxCreateAttempts(),
	}
}

// SetTemplate registers the template instances of a revision are created
// from. ScaleTo for an unknown revision can only scale down.
func (m *ReplicaSetManager) SetTemplate(revision int64, template InstanceTemplate) {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[revision] = template
}

// ScaleTo drives the instance count of one revision toward target. It is
// idempotent: the delta is computed against current state, so repeating
// the same call issues no additional runtime operations. Creates are
// started asynchronously and not waited on; terminations pick the
// least-ready, oldest instances first.
func (m *ReplicaSetManager) ScaleTo(ctx context.Context, revision int64, target int32) (created, terminated int, err error) {
	m.init()
	if target < 0 {
		return 0, 0, fmt.Errorf("scale revision %d: negative target %d", revision, target)
	}

	m.mu.Lock()
	var current []Instance
	for _, inst := range m.instances {
		if inst.Revision == revision && inst.Counted() {
			current = append(current, *inst)
		}
	}
	delta := int(target) - len(current)

	switch {
	case delta > 0:
		// A stalled revision admits no further creates; scale-down
		// still works so it can be drained.
		if msg, ok := m.stalls[revision]; ok {
			m.mu.Unlock()
			return 0, 0, fmt.Errorf("%w: %s", ErrRolloutFailed, msg)
		}
		template, ok := m.templates[revision]
		if !ok {
			m.mu.Unlock()
			return 0, 0, fmt.Errorf("scale revision %d: %w: no template registered", revision, ErrNotFound)
		}
		starts := make([]InstanceID, 0, delta)
		for i := 0; i < delta; i++ {
			id := InstanceID(uuid.NewString())
			m.instances[id] = &Instance{
				ID:        id,
				Revision:  revision,
				Phase:     PhasePending,
				CreatedAt: m.now(),
			}
			starts = append(starts, id)
		}
		m.mu.Unlock()
		for _, id := range starts {
			go m.createWithRetry(ctx, id, revision, template)
		}
		return delta, 0, nil

	case delta < 0:
		SortForTermination(current)
		victims := current[:-delta]
		m.mu.Unlock()
		for _, v := range victims {
			if err := m.terminate(ctx, v.ID); err != nil {
				return 0, terminated, err
			}
			terminated++
		}
		return 0, terminated, nil

	default:
		m.mu.Unlock()
		return 0, 0, nil
	}
}

func (m *ReplicaSetManager) terminate(ctx context.Context, id InstanceID) error {
	m.mu.Lock()
	var prev InstancePhase
	if inst, ok := m.instances[id]; ok {
		prev = inst.Phase
		inst.Phase = PhaseTerminating
	}
	m.mu.Unlock()

	if err := m.Runtime.Terminate(ctx, id); err != nil {
		// Transient runtime failure: restore the phase so the next
		// scale-down selects the instance again instead of leaking it.
		m.mu.Lock()
		if inst, ok := m.instances[id]; ok && inst.Phase == PhaseTerminating {
			inst.Phase = prev
		}
		m.mu.Unlock()
		m.Log.Error(err, "terminate instance", "instance", id)
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	m.Debounce.Forget(id)
	return nil
}

// createWithRetry runs the asynchronous create for one instance,
// retrying transient runtime failures. Exhausting the attempt budget
// marks the instance Failed and stalls its revision; cancellation
// abandons the instance so a later tick plans a replacement.
func (m *ReplicaSetManager) createWithRetry(ctx context.Context, id InstanceID, revision int64, template InstanceTemplate) {
	backoff := m.createBackoff()
	var lastErr error
	for attempt := 1; attempt <= m.maxCreateAttempts(); attempt++ {
		if m.gone(id) {
			return // terminated while still retrying
		}
		lastErr = m.Runtime.Create(ctx, id, template)
		if lastErr == nil {
			return
		}
		if ctx.Err() != nil {
			m.abandon(id)
			return
		}
		m.Log.Info("instance create failed, will retry",
			"instance", id, "revision", revision, "attempt", attempt, "error", lastErr.Error())
		if attempt == m.maxCreateAttempts() {
			break
		}
		select {
		case <-ctx.Done():
			m.abandon(id)
			return
		case <-time.After(backoff.Step()):
		}
	}

	m.mu.Lock()
	if inst, ok := m.instances[id]; ok {
		inst.Phase = PhaseFailed
	}
	m.stalls[revision] = fmt.Sprintf("instance %s of revision %d: create attempts exhausted: %v", id, revision, lastErr)
	m.mu.Unlock()
	m.Log.Error(lastErr, "instance create attempts exhausted", "instance", id, "revision", revision)
}

// abandon removes an instance whose create never reached the runtime.
// Without this a cancelled create would leave a phantom Pending
// instance counted toward the target forever.
func (m *ReplicaSetManager) abandon(id InstanceID) {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	m.Debounce.Forget(id)
}

func (m *ReplicaSetManager) gone(id InstanceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return !ok || inst.Phase == PhaseTerminating
}

// Observe refreshes every instance's phase from the runtime and probes, then
// returns one consistent snapshot. Probes for different instances run
// concurrently; a slow probe delays only its own instance.
func (m *ReplicaSetManager) Observe(ctx context.Context) Observation {
	m.init()

	m.mu.Lock()
	ids := make([]InstanceID, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	type probed struct {
		id    InstanceID
		phase RuntimePhase
		err   error
		ready bool
	}
	results := make([]probed, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id InstanceID) {
			defer wg.Done()
			phase, err := m.Runtime.Inspect(ctx, id)
			ready := false
			if err == nil && (phase == RuntimeRunning) {
				// The probe performs its own bounded check against
				// the runtime, so a running instance is inspected a
				// second time here; a hung runtime then reads as
				// unhealthy instead of wedging the whole snapshot.
				ready = m.Debounce.Observe(id, m.Probe.Check(ctx, id))
			}
			results[i] = probed{id: id, phase: phase, err: err, ready: ready}
		}(i, id)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		inst, ok := m.instances[r.id]
		if !ok || inst.Phase == PhaseTerminating || inst.Phase == PhaseFailed {
			continue
		}
		if r.err != nil {
			// Transient inspect failure: keep the last known phase.
			m.Log.Info("inspect failed", "instance", r.id, "error", r.err.Error())
			continue
		}
		switch r.phase {
		case RuntimeStarting:
			inst.Phase = PhasePending
		case RuntimeRunning:
			if r.ready {
				inst.Phase = PhaseReady
			} else {
				inst.Phase = PhaseRunning
			}
		case RuntimeFailed, RuntimeStopped:
			inst.Phase = PhaseFailed
		}
	}

	obs := Observation{
		Instances:  make([]Instance, 0, len(m.instances)),
		ObservedAt: m.now(),
	}
	if len(m.stalls) > 0 {
		obs.Stalls = make(map[int64]string, len(m.stalls))
		for rev, msg := range m.stalls {
			obs.Stalls[rev] = msg
		}
	}
	for _, inst := range m.instances {
		obs.Instances = append(obs.Instances, *inst)
	}
	return obs
}
