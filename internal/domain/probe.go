package domain

import (
	"context"
	"sync"
	"time"
)

// ProbeResult is a single health observation for one instance.
type ProbeResult string

const (
	ProbeHealthy   ProbeResult = "Healthy"
	ProbeUnhealthy ProbeResult = "Unhealthy"
	ProbeUnknown   ProbeResult = "Unknown"
)

// HealthProbe evaluates the health of one instance. A check that times
// out is fatal to that check only and counts as Unhealthy; it must never
// propagate an error to the caller's control flow.
type HealthProbe interface {
	Check(ctx context.Context, id InstanceID) ProbeResult
}

// RuntimeHealthProbe derives health from the runtime-reported phase: an
// instance is healthy exactly when the runtime says it is running.
type RuntimeHealthProbe struct {
	Runtime InstanceRuntime
	// Timeout bounds a single check. Zero means 5s.
	Timeout time.Duration
}

func (p *RuntimeHealthProbe) Check(ctx context.Context, id InstanceID) ProbeResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	phase, err := p.Runtime.Inspect(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ProbeUnhealthy
		}
		return ProbeUnknown
	}
	if phase == RuntimeRunning {
		return ProbeHealthy
	}
	return ProbeUnhealthy
}

// Debouncer turns raw probe results into stable readiness transitions.
// An instance becomes not-ready only after UnhealthyThreshold consecutive
// unhealthy observations, and ready only after HealthyThreshold
// consecutive healthy ones, so a flapping probe cannot stall a rollout.
// Unknown results reset neither counter.
//
// Safe for concurrent use; probes for different instances record
// observations independently.
type Debouncer struct {
	// UnhealthyThreshold defaults to 3.
	UnhealthyThreshold int
	// HealthyThreshold defaults to 1.
	HealthyThreshold int

	mu     sync.Mutex
	states map[InstanceID]*debounceState
}

type debounceState struct {
	ready     bool
	healthy   int
	unhealthy int
}

func (d *Debouncer) unhealthyThreshold() int {
	if d.UnhealthyThreshold > 0 {
		return d.UnhealthyThreshold
	}
	return 3
}

func (d *Debouncer) healthyThreshold() int {
	if d.HealthyThreshold > 0 {
		return d.HealthyThreshold
	}
	return 1
}

// Observe records one probe result and returns the debounced readiness.
func (d *Debouncer) Observe(id InstanceID, result ProbeResult) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.states == nil {
		d.states = make(map[InstanceID]*debounceState)
	}
	st, ok := d.states[id]
	if !ok {
		st = &debounceState{}
		d.states[id] = st
	}

	switch result {
	case ProbeHealthy:
		st.healthy++
		st.unhealthy = 0
		if !st.ready && st.healthy >= d.healthyThreshold() {
			st.ready = true
		}
	case ProbeUnhealthy:
		st.unhealthy++
		st.healthy = 0
		if st.ready && st.unhealthy >= d.unhealthyThreshold() {
			st.ready = false
		}
	case ProbeUnknown:
		// No signal; hold the current state and counters.
	}
	return st.ready
}

// Forget drops tracked state for an instance that no longer exists.
func (d *Debouncer) Forget(id InstanceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, id)
}
