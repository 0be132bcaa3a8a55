// Package statusrepotest provides contract tests for
// [domain.StatusRepository] implementations.
package statusrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// Factory creates a fresh [domain.StatusRepository] for each test invocation.
type Factory func(t *testing.T) domain.StatusRepository

// Run exercises the [domain.StatusRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("PutAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

		status := domain.RolloutStatus{
			Deployment:      "web",
			DesiredRevision: 3,
			State:           domain.RolloutProgressing,
			Updated:         2,
			ReadyUpdated:    1,
			Old:             1,
			Unavailable:     1,
			LastComplete:    2,
			LastProgress:    now,
			UpdatedAt:       now,
		}
		if err := repo.Put(ctx, status); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != domain.RolloutProgressing {
			t.Errorf("State = %q, want Progressing", got.State)
		}
		if got.DesiredRevision != 3 || got.LastComplete != 2 {
			t.Errorf("revisions = %d/%d, want 3/2", got.DesiredRevision, got.LastComplete)
		}
		if got.Updated != 2 || got.ReadyUpdated != 1 || got.Old != 1 || got.Unavailable != 1 {
			t.Errorf("counts = %+v, want updated=2 ready=1 old=1 unavailable=1", got)
		}
		if !got.LastProgress.Equal(now) {
			t.Errorf("LastProgress = %v, want %v", got.LastProgress, now)
		}
		if got.Generation != 1 {
			t.Errorf("Generation = %d after first write, want 1", got.Generation)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		first := domain.RolloutStatus{Deployment: "web", DesiredRevision: 1, State: domain.RolloutProgressing}
		if err := repo.Put(ctx, first); err != nil {
			t.Fatalf("first Put: %v", err)
		}
		second, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		second.State = domain.RolloutComplete
		second.LastComplete = 1
		if err := repo.Put(ctx, second); err != nil {
			t.Fatalf("second Put: %v", err)
		}

		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != domain.RolloutComplete || got.LastComplete != 1 {
			t.Errorf("status = %+v after overwrite, want Complete at 1", got)
		}
		if got.Generation != 2 {
			t.Errorf("Generation = %d after second write, want 2", got.Generation)
		}
	})

	t.Run("PutRejectsStaleGeneration", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		base := domain.RolloutStatus{Deployment: "web", DesiredRevision: 1, State: domain.RolloutProgressing}
		if err := repo.Put(ctx, base); err != nil {
			t.Fatalf("seed Put: %v", err)
		}
		current, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}

		// An operator command lands first.
		paused := current
		paused.State = domain.RolloutPaused
		if err := repo.Put(ctx, paused); err != nil {
			t.Fatalf("paused Put: %v", err)
		}

		// A writer still holding the pre-command status must lose.
		stale := current
		stale.State = domain.RolloutComplete
		if err := repo.Put(ctx, stale); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("stale Put: got %v, want ErrConflict", err)
		}

		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != domain.RolloutPaused {
			t.Errorf("State = %q after rejected write, want Paused", got.State)
		}
	})

	t.Run("PutRejectsStaleFirstWrite", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		first := domain.RolloutStatus{Deployment: "web", DesiredRevision: 1, State: domain.RolloutProgressing}
		if err := repo.Put(ctx, first); err != nil {
			t.Fatalf("first Put: %v", err)
		}
		// A second zero-generation write races the first and must lose.
		if err := repo.Put(ctx, first); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("repeated zero-generation Put: got %v, want ErrConflict", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("FailureMessageSurvives", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		status := domain.RolloutStatus{
			Deployment:      "web",
			DesiredRevision: 2,
			State:           domain.RolloutFailed,
			Message:         "progress deadline exceeded: no ready instances of revision 2 for 10m0s",
		}
		if err := repo.Put(ctx, status); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Message != status.Message {
			t.Errorf("Message = %q, want %q", got.Message, status.Message)
		}
	})
}
