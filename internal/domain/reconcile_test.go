package domain_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// memStore implements the spec, revision, and status repositories in
// memory for workflow tests.
type memStore struct {
	mu       sync.Mutex
	specs    map[domain.DeploymentName]domain.DeploymentSpec
	revs     map[domain.DeploymentName][]domain.Revision
	statuses map[domain.DeploymentName]domain.RolloutStatus
}

func newMemStore() *memStore {
	return &memStore{
		specs:    make(map[domain.DeploymentName]domain.DeploymentSpec),
		revs:     make(map[domain.DeploymentName][]domain.Revision),
		statuses: make(map[domain.DeploymentName]domain.RolloutStatus),
	}
}

func (s *memStore) PutSpec(spec domain.DeploymentSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Name] = spec
}

func (s *memStore) Specs() domain.SpecRepository         { return specRepo{s} }
func (s *memStore) Revisions() domain.RevisionRepository { return revRepo{s} }
func (s *memStore) Statuses() domain.StatusRepository    { return statusRepo{s} }

type specRepo struct{ s *memStore }

func (r specRepo) Put(_ context.Context, spec domain.DeploymentSpec) error {
	r.s.PutSpec(spec)
	return nil
}

func (r specRepo) Get(_ context.Context, name domain.DeploymentName) (domain.DeploymentSpec, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	spec, ok := r.s.specs[name]
	if !ok {
		return domain.DeploymentSpec{}, domain.ErrNotFound
	}
	return spec, nil
}

func (r specRepo) List(_ context.Context) ([]domain.DeploymentSpec, error) { return nil, nil }
func (r specRepo) Delete(_ context.Context, name domain.DeploymentName) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.specs, name)
	return nil
}

type revRepo struct{ s *memStore }

func (r revRepo) Append(_ context.Context, name domain.DeploymentName, template domain.InstanceTemplate) (domain.Revision, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rev := domain.Revision{
		Deployment: name,
		Sequence:   int64(len(r.s.revs[name]) + 1),
		Template:   template,
		CreatedAt:  time.Now(),
	}
	r.s.revs[name] = append(r.s.revs[name], rev)
	return rev, nil
}

func (r revRepo) Get(_ context.Context, name domain.DeploymentName, sequence int64) (domain.Revision, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rev := range r.s.revs[name] {
		if rev.Sequence == sequence {
			return rev, nil
		}
	}
	return domain.Revision{}, domain.ErrNotFound
}

func (r revRepo) Latest(_ context.Context, name domain.DeploymentName) (domain.Revision, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	revs := r.s.revs[name]
	if len(revs) == 0 {
		return domain.Revision{}, domain.ErrNotFound
	}
	return revs[len(revs)-1], nil
}

func (r revRepo) List(_ context.Context, name domain.DeploymentName) ([]domain.Revision, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.Revision(nil), r.s.revs[name]...), nil
}

func (r revRepo) Delete(_ context.Context, name domain.DeploymentName, sequence int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	revs := r.s.revs[name]
	for i, rev := range revs {
		if rev.Sequence == sequence {
			r.s.revs[name] = append(revs[:i:i], revs[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

type statusRepo struct{ s *memStore }

func (r statusRepo) Put(_ context.Context, status domain.RolloutStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := r.s.statuses[status.Deployment]
	if status.Generation != stored.Generation {
		return domain.ErrConflict
	}
	status.Generation++
	r.s.statuses[status.Deployment] = status
	return nil
}

func (r statusRepo) Get(_ context.Context, name domain.DeploymentName) (domain.RolloutStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	status, ok := r.s.statuses[name]
	if !ok {
		return domain.RolloutStatus{}, domain.ErrNotFound
	}
	return status, nil
}

// syncRunnerImpl runs activities synchronously (no durability).
type syncRunnerImpl struct {
	ctx context.Context
}

func (s *syncRunnerImpl) ID() string               { return "test-sync" }
func (s *syncRunnerImpl) Context() context.Context { return s.ctx }
func (s *syncRunnerImpl) Run(activity domain.Activity[any, any], in any) (any, error) {
	return activity.Run(s.ctx, in)
}

// recordingRunner records activity names (and scale inputs) in order so
// tests can assert execution sequence.
type recordingRunner struct {
	delegate domain.DurableRunner
	names    []string
	scales   []domain.ScaleInput
}

func (r *recordingRunner) ID() string               { return r.delegate.ID() }
func (r *recordingRunner) Context() context.Context { return r.delegate.Context() }
func (r *recordingRunner) Run(activity domain.Activity[any, any], in any) (any, error) {
	r.names = append(r.names, activity.Name())
	if scale, ok := in.(domain.ScaleInput); ok {
		r.scales = append(r.scales, scale)
	}
	return r.delegate.Run(activity, in)
}

type harness struct {
	store *memStore
	rt    *fakeRuntime
	wf    *domain.ReconcileWorkflow
	now   time.Time
}

func newHarness(t *testing.T, spec domain.DeploymentSpec) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		rt:    newFakeRuntime(),
		now:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	fleets := &domain.FleetSet{
		Runtime:           h.rt,
		Probe:             &domain.RuntimeHealthProbe{Runtime: h.rt},
		MaxCreateAttempts: 2,
		Now:               func() time.Time { return h.now },
	}
	h.wf = &domain.ReconcileWorkflow{
		Specs:     h.store.Specs(),
		Revisions: h.store.Revisions(),
		Statuses:  h.store.Statuses(),
		Fleets:    fleets,
	}
	h.store.PutSpec(spec)
	if _, err := h.store.Revisions().Append(context.Background(), spec.Name, spec.Template); err != nil {
		t.Fatalf("append revision: %v", err)
	}
	if err := h.store.Statuses().Put(context.Background(), domain.RolloutStatus{
		Deployment:      spec.Name,
		DesiredRevision: 1,
		State:           domain.RolloutProgressing,
		LastProgress:    h.now,
	}); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	return h
}

func (h *harness) tick(t *testing.T) domain.TickResult {
	t.Helper()
	result, err := h.wf.Run(&syncRunnerImpl{ctx: context.Background()}, "web")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return result
}

// settle waits for in-flight creates to quiesce, marks all runtime
// instances running, and advances the clock one second.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	prev, _ := h.rt.counts()
	for time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		cur, _ := h.rt.counts()
		if cur == prev {
			break
		}
		prev = cur
	}
	h.rt.setAll(domain.RuntimeRunning)
	h.now = h.now.Add(time.Second)
}

func rollingSpec(replicas int32) domain.DeploymentSpec {
	return domain.DeploymentSpec{
		Name:     "web",
		Replicas: replicas,
		Strategy: domain.Strategy{
			MaxSurge:       intstr.FromInt32(1),
			MaxUnavailable: intstr.FromInt32(0),
		},
		Template: domain.InstanceTemplate{Image: "web:1"},
	}
}

func TestReconcile_RolloutToCompletion(t *testing.T) {
	h := newHarness(t, rollingSpec(2))

	// Drive the initial revision to Complete.
	for i := 0; i < 10; i++ {
		result := h.tick(t)
		if result.Status.State == domain.RolloutComplete {
			break
		}
		h.settle(t)
	}
	status, err := h.store.Statuses().Get(context.Background(), "web")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.State != domain.RolloutComplete {
		t.Fatalf("State = %q after rollout, want Complete", status.State)
	}
	if status.Updated != 2 || status.ReadyUpdated != 2 || status.Old != 0 {
		t.Fatalf("counts = %+v, want updated=2 readyUpdated=2 old=0", status)
	}
	if status.LastComplete != 1 {
		t.Errorf("LastComplete = %d, want 1", status.LastComplete)
	}
}

func TestReconcile_RollingUpdateRespectsBudgets(t *testing.T) {
	h := newHarness(t, rollingSpec(2))

	// Bring revision 1 fully up first.
	for i := 0; i < 10; i++ {
		if h.tick(t).Status.State == domain.RolloutComplete {
			break
		}
		h.settle(t)
	}

	// Submit revision 2.
	spec := rollingSpec(2)
	spec.Template.Image = "web:2"
	h.store.PutSpec(spec)
	if _, err := h.store.Revisions().Append(context.Background(), "web", spec.Template); err != nil {
		t.Fatalf("append revision 2: %v", err)
	}

	for i := 0; i < 20; i++ {
		result := h.tick(t)

		obs := h.wf.Fleets.Fleet("web").Observe(context.Background())
		c := obs.Count(2)
		if total := c.New + c.Old; total > 3 {
			t.Fatalf("tick %d: %d instances exceed ceiling 3", i, total)
		}
		if result.Status.State == domain.RolloutProgressing && result.Status.Unavailable > 0 {
			t.Fatalf("tick %d: unavailable = %d with maxUnavailable=0", i, result.Status.Unavailable)
		}
		if result.Status.State == domain.RolloutComplete && result.Status.DesiredRevision == 2 {
			break
		}
		h.settle(t)
	}

	status, _ := h.store.Statuses().Get(context.Background(), "web")
	if status.State != domain.RolloutComplete || status.DesiredRevision != 2 {
		t.Fatalf("status = %+v, want Complete at revision 2", status)
	}
	if c := h.wf.Fleets.Fleet("web").Observe(context.Background()).Count(2); c.Old != 0 || c.New != 2 {
		t.Fatalf("fleet = %+v after rollout, want 2 new, 0 old", c)
	}
}

func TestReconcile_ActivityOrder(t *testing.T) {
	h := newHarness(t, rollingSpec(2))
	recorder := &recordingRunner{delegate: &syncRunnerImpl{ctx: context.Background()}}

	if _, err := h.wf.Run(recorder, "web"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"load-deployment", "observe-fleet", "scale-revision", "persist-status"}
	if len(recorder.names) != len(want) {
		t.Fatalf("activities = %v, want %v", recorder.names, want)
	}
	for i, name := range want {
		if recorder.names[i] != name {
			t.Fatalf("activity %d = %q, want %q", i, recorder.names[i], name)
		}
	}
	if len(recorder.scales) != 1 || recorder.scales[0].Revision != 1 || recorder.scales[0].Target != 2 {
		t.Fatalf("scale inputs = %+v, want revision 1 to target 2", recorder.scales)
	}
	if recorder.scales[0].Template == nil {
		t.Error("scale-up input carries no template")
	}
}

func TestReconcile_PausedAppliesNothing(t *testing.T) {
	h := newHarness(t, rollingSpec(2))
	ctx := context.Background()

	status, _ := h.store.Statuses().Get(ctx, "web")
	status.State = domain.RolloutPaused
	_ = h.store.Statuses().Put(ctx, status)

	result := h.tick(t)
	if result.Applied {
		t.Error("paused tick applied scaling")
	}
	if result.Status.State != domain.RolloutPaused {
		t.Errorf("State = %q, want Paused", result.Status.State)
	}
	if creates, _ := h.rt.counts(); creates != 0 {
		t.Errorf("runtime saw %d creates while paused", creates)
	}
}

func TestReconcile_ProgressDeadlineFailsRollout(t *testing.T) {
	h := newHarness(t, rollingSpec(2))
	h.wf.ProgressDeadline = 10 * time.Minute

	// First tick scales up; instances never become ready.
	h.tick(t)
	waitCreates(t, h.rt, 2)

	// Short of the deadline: still progressing.
	h.now = h.now.Add(9 * time.Minute)
	if result := h.tick(t); result.Status.State != domain.RolloutProgressing {
		t.Fatalf("State = %q before deadline, want Progressing", result.Status.State)
	}

	// Past it: failed, with a condition message.
	h.now = h.now.Add(2 * time.Minute)
	result := h.tick(t)
	if result.Status.State != domain.RolloutFailed {
		t.Fatalf("State = %q past deadline, want Failed", result.Status.State)
	}
	if !strings.Contains(result.Status.Message, "progress deadline") {
		t.Errorf("Message = %q, want progress deadline condition", result.Status.Message)
	}

	// Failed is terminal: no further scale-up is attempted.
	creates, _ := h.rt.counts()
	h.tick(t)
	if c, _ := h.rt.counts(); c != creates {
		t.Errorf("scale-up attempted after Failed: creates %d -> %d", creates, c)
	}
}

func TestReconcile_NewRevisionResetsFailed(t *testing.T) {
	h := newHarness(t, rollingSpec(2))
	h.wf.ProgressDeadline = time.Minute
	ctx := context.Background()

	h.tick(t)
	waitCreates(t, h.rt, 2)
	h.now = h.now.Add(2 * time.Minute)
	if result := h.tick(t); result.Status.State != domain.RolloutFailed {
		t.Fatalf("State = %q, want Failed", result.Status.State)
	}

	// A new revision restarts the state machine.
	spec := rollingSpec(2)
	spec.Template.Image = "web:2"
	h.store.PutSpec(spec)
	if _, err := h.store.Revisions().Append(ctx, "web", spec.Template); err != nil {
		t.Fatalf("append: %v", err)
	}
	result := h.tick(t)
	if result.Status.State != domain.RolloutProgressing {
		t.Fatalf("State = %q after new revision, want Progressing", result.Status.State)
	}
	if result.Status.DesiredRevision != 2 {
		t.Errorf("DesiredRevision = %d, want 2", result.Status.DesiredRevision)
	}
}

func TestReconcile_StalledFleetFailsRollout(t *testing.T) {
	h := newHarness(t, rollingSpec(1))
	h.rt.failCreates = 10
	fleet := h.wf.Fleets.Fleet("web")
	fleet.CreateBackoff = wait.Backoff{Duration: time.Millisecond, Factor: 1}

	h.tick(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fleet.Observe(context.Background()).Stalls) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	result := h.tick(t)
	if result.Status.State != domain.RolloutFailed {
		t.Fatalf("State = %q after stall, want Failed", result.Status.State)
	}
	if !strings.Contains(result.Status.Message, "create attempts exhausted") {
		t.Errorf("Message = %q, want create exhaustion condition", result.Status.Message)
	}
	if result.Applied {
		t.Error("stalled tick applied scaling")
	}
}

func TestReconcile_NewRevisionRecoversFromStall(t *testing.T) {
	h := newHarness(t, rollingSpec(1))
	h.rt.failCreates = 2 // exactly the attempt budget
	fleet := h.wf.Fleets.Fleet("web")
	fleet.CreateBackoff = wait.Backoff{Duration: time.Millisecond, Factor: 1}
	ctx := context.Background()

	h.tick(t)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fleet.Observe(ctx).Stalls) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if result := h.tick(t); result.Status.State != domain.RolloutFailed {
		t.Fatalf("State = %q after stall, want Failed", result.Status.State)
	}

	// A fixed image arrives as revision 2; the old stall must not bind it.
	spec := rollingSpec(1)
	spec.Template.Image = "web:fixed"
	h.store.PutSpec(spec)
	if _, err := h.store.Revisions().Append(ctx, "web", spec.Template); err != nil {
		t.Fatalf("append: %v", err)
	}

	result := h.tick(t)
	if result.Status.State != domain.RolloutProgressing {
		t.Fatalf("State = %q after fixed revision, want Progressing", result.Status.State)
	}
	if result.Status.DesiredRevision != 2 {
		t.Fatalf("DesiredRevision = %d, want 2", result.Status.DesiredRevision)
	}

	for i := 0; i < 10; i++ {
		if result.Status.State == domain.RolloutComplete {
			break
		}
		h.settle(t)
		result = h.tick(t)
	}
	if result.Status.State != domain.RolloutComplete || result.Status.ReadyUpdated != 1 {
		t.Fatalf("fixed revision never rolled out: %+v", result.Status)
	}
	if creates, _ := h.rt.counts(); creates < 3 {
		t.Errorf("runtime saw %d creates, want the fixed revision's create after the stall", creates)
	}
}

// pausingRunner injects an operator pause between the scale and persist
// activities of one tick, the narrowest window for losing a command.
type pausingRunner struct {
	delegate domain.DurableRunner
	statuses domain.StatusRepository
	t        *testing.T
}

func (r *pausingRunner) ID() string               { return r.delegate.ID() }
func (r *pausingRunner) Context() context.Context { return r.delegate.Context() }
func (r *pausingRunner) Run(activity domain.Activity[any, any], in any) (any, error) {
	if activity.Name() == "persist-status" {
		ctx := context.Background()
		status, err := r.statuses.Get(ctx, "web")
		if err != nil {
			r.t.Fatalf("get status mid-tick: %v", err)
		}
		status.State = domain.RolloutPaused
		if err := r.statuses.Put(ctx, status); err != nil {
			r.t.Fatalf("pause mid-tick: %v", err)
		}
	}
	return r.delegate.Run(activity, in)
}

func TestReconcile_PauseWinsOverInFlightTick(t *testing.T) {
	h := newHarness(t, rollingSpec(2))
	ctx := context.Background()

	runner := &pausingRunner{
		delegate: &syncRunnerImpl{ctx: ctx},
		statuses: h.store.Statuses(),
		t:        t,
	}
	result, err := h.wf.Run(runner, "web")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Superseded {
		t.Fatal("tick reported its status write as applied although a pause landed first")
	}

	status, err := h.store.Statuses().Get(ctx, "web")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.State != domain.RolloutPaused {
		t.Fatalf("State = %q after racing tick, want Paused", status.State)
	}

	// The next tick honors the pause.
	waitCreates(t, h.rt, 2)
	creates, _ := h.rt.counts()
	next := h.tick(t)
	if next.Applied || next.Status.State != domain.RolloutPaused {
		t.Fatalf("paused tick = %+v, want held", next)
	}
	if c, _ := h.rt.counts(); c != creates {
		t.Errorf("scaling applied while paused: creates %d -> %d", creates, c)
	}
}

func TestReconcile_SupersedingRevisionRetargets(t *testing.T) {
	h := newHarness(t, rollingSpec(2))
	ctx := context.Background()

	// Revision 1 rollout in flight.
	h.tick(t)
	h.settle(t)

	// Revisions 2 then 3 land before it completes.
	for _, image := range []string{"web:2", "web:3"} {
		spec := rollingSpec(2)
		spec.Template.Image = image
		h.store.PutSpec(spec)
		if _, err := h.store.Revisions().Append(ctx, "web", spec.Template); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	result := h.tick(t)
	if result.Status.DesiredRevision != 3 {
		t.Fatalf("DesiredRevision = %d, want 3 (newest wins without finishing 2 first)", result.Status.DesiredRevision)
	}

	for i := 0; i < 20; i++ {
		if result.Status.State == domain.RolloutComplete && result.Status.DesiredRevision == 3 {
			break
		}
		h.settle(t)
		result = h.tick(t)
	}
	if result.Status.State != domain.RolloutComplete {
		t.Fatalf("rollout to revision 3 never completed: %+v", result.Status)
	}
}
