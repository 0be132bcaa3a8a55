package goworkflows_test

import (
	"context"
	"testing"
	"time"

	"github.com/cschleiden/go-workflows/backend"
	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/fleetshift/rollout-controller/internal/domain"
	"github.com/fleetshift/rollout-controller/internal/infrastructure/goworkflows"
	"github.com/fleetshift/rollout-controller/internal/infrastructure/sqlite"
)

func startWorker(t *testing.T, b backend.Backend) *worker.Worker {
	t.Helper()
	w := worker.New(b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.WaitForCompletion()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	return w
}

func TestReconcile_GoWorkflows(t *testing.T) {
	b := wfsqlite.NewInMemoryBackend()
	w := startWorker(t, b)
	c := client.New(b)

	db := sqlite.OpenTestDB(t)
	specs := &sqlite.SpecRepo{DB: db}
	revisions := &sqlite.RevisionRepo{DB: db}
	statuses := &sqlite.StatusRepo{DB: db}
	runtime := &sqlite.RecordingRuntime{DB: db}

	wf := &domain.ReconcileWorkflow{
		Specs:     specs,
		Revisions: revisions,
		Statuses:  statuses,
		Fleets: &domain.FleetSet{
			Runtime: runtime,
			Probe:   &domain.RuntimeHealthProbe{Runtime: runtime},
		},
	}

	engine := &goworkflows.Engine{Worker: w, Client: c, Timeout: 10 * time.Second}
	runner, err := engine.ReconcileRunner(wf)
	if err != nil {
		t.Fatalf("ReconcileRunner: %v", err)
	}

	ctx := context.Background()

	spec := domain.DeploymentSpec{
		Name:     "web",
		Replicas: 2,
		Strategy: domain.Strategy{
			MaxSurge:       intstr.FromInt32(1),
			MaxUnavailable: intstr.FromInt32(0),
		},
		Template: domain.InstanceTemplate{Image: "web:1"},
	}
	if err := specs.Put(ctx, spec); err != nil {
		t.Fatalf("put spec: %v", err)
	}
	if _, err := revisions.Append(ctx, "web", spec.Template); err != nil {
		t.Fatalf("append revision: %v", err)
	}
	if err := statuses.Put(ctx, domain.RolloutStatus{
		Deployment:      "web",
		DesiredRevision: 1,
		State:           domain.RolloutProgressing,
		LastProgress:    time.Now(),
	}); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	// Tick as workflow instances until the rollout completes. Each tick
	// is a separate durable execution.
	deadline := time.Now().Add(15 * time.Second)
	var result domain.TickResult
	for time.Now().Before(deadline) {
		handle, err := runner.Run(ctx, "web")
		if err != nil {
			t.Fatalf("run workflow: %v", err)
		}
		result, err = handle.AwaitResult(ctx)
		if err != nil {
			t.Fatalf("await result: %v", err)
		}
		if result.Status.State == domain.RolloutComplete {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if result.Status.State != domain.RolloutComplete {
		t.Fatalf("rollout never completed; last status %+v", result.Status)
	}
	if result.Status.ReadyUpdated != 2 {
		t.Errorf("ReadyUpdated = %d, want 2", result.Status.ReadyUpdated)
	}

	persisted, err := statuses.Get(ctx, "web")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if persisted.State != domain.RolloutComplete || persisted.LastComplete != 1 {
		t.Errorf("persisted status = %+v, want Complete with LastComplete 1", persisted)
	}
}
