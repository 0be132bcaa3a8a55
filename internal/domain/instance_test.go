package domain_test

import (
	"testing"
	"time"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

func TestSortForTermination_LeastReadyThenOldestThenID(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	instances := []domain.Instance{
		{ID: "ready-new", Phase: domain.PhaseReady, CreatedAt: t0.Add(3 * time.Minute)},
		{ID: "ready-old", Phase: domain.PhaseReady, CreatedAt: t0},
		{ID: "pending", Phase: domain.PhasePending, CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "running", Phase: domain.PhaseRunning, CreatedAt: t0.Add(1 * time.Minute)},
		{ID: "failed", Phase: domain.PhaseFailed, CreatedAt: t0.Add(4 * time.Minute)},
	}

	domain.SortForTermination(instances)

	want := []domain.InstanceID{"failed", "pending", "running", "ready-old", "ready-new"}
	for i, id := range want {
		if instances[i].ID != id {
			t.Fatalf("position %d: got %s, want %s", i, instances[i].ID, id)
		}
	}
}

func TestSortForTermination_TieBreakByID(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	instances := []domain.Instance{
		{ID: "b", Phase: domain.PhaseReady, CreatedAt: t0},
		{ID: "a", Phase: domain.PhaseReady, CreatedAt: t0},
	}
	domain.SortForTermination(instances)
	if instances[0].ID != "a" {
		t.Errorf("equal phase and age must break ties by ID: got %s first", instances[0].ID)
	}
}
