// Package revisionrepotest provides contract tests for
// [domain.RevisionRepository] implementations.
package revisionrepotest

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// Factory creates a fresh [domain.RevisionRepository] for each test invocation.
type Factory func(t *testing.T) domain.RevisionRepository

func template(image string) domain.InstanceTemplate {
	return domain.InstanceTemplate{
		Image:         image,
		RestartPolicy: domain.RestartAlways,
	}
}

// Run exercises the [domain.RevisionRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("AppendAssignsSequences", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for i, image := range []string{"web:1", "web:2", "web:3"} {
			rev, err := repo.Append(ctx, "web", template(image))
			if err != nil {
				t.Fatalf("Append %s: %v", image, err)
			}
			if want := int64(i + 1); rev.Sequence != want {
				t.Errorf("Sequence = %d, want %d", rev.Sequence, want)
			}
			if rev.CreatedAt.IsZero() {
				t.Error("CreatedAt is zero")
			}
		}
	})

	t.Run("SequencesArePerDeployment", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if _, err := repo.Append(ctx, "web", template("web:1")); err != nil {
			t.Fatal(err)
		}
		rev, err := repo.Append(ctx, "api", template("api:1"))
		if err != nil {
			t.Fatal(err)
		}
		if rev.Sequence != 1 {
			t.Errorf("Sequence = %d for first api revision, want 1", rev.Sequence)
		}
	})

	t.Run("GetBySequence", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if _, err := repo.Append(ctx, "web", template("web:1")); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.Append(ctx, "web", template("web:2")); err != nil {
			t.Fatal(err)
		}

		rev, err := repo.Get(ctx, "web", 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rev.Template.Image != "web:1" {
			t.Errorf("Template.Image = %q, want %q", rev.Template.Image, "web:1")
		}
		if rev.Deployment != "web" {
			t.Errorf("Deployment = %q, want %q", rev.Deployment, "web")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "web", 42)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Latest", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if _, err := repo.Latest(ctx, "web"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Latest on empty history: want ErrNotFound")
		}

		for _, image := range []string{"web:1", "web:2"} {
			if _, err := repo.Append(ctx, "web", template(image)); err != nil {
				t.Fatal(err)
			}
		}
		rev, err := repo.Latest(ctx, "web")
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if rev.Sequence != 2 || rev.Template.Image != "web:2" {
			t.Errorf("Latest = seq %d image %q, want seq 2 image web:2", rev.Sequence, rev.Template.Image)
		}
	})

	t.Run("ListAscending", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for _, image := range []string{"web:1", "web:2", "web:3"} {
			if _, err := repo.Append(ctx, "web", template(image)); err != nil {
				t.Fatal(err)
			}
		}

		revs, err := repo.List(ctx, "web")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(revs) != 3 {
			t.Fatalf("List: got %d revisions, want 3", len(revs))
		}
		for i, rev := range revs {
			if want := int64(i + 1); rev.Sequence != want {
				t.Errorf("revs[%d].Sequence = %d, want %d", i, rev.Sequence, want)
			}
		}
	})

	t.Run("DeleteDoesNotRenumber", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for _, image := range []string{"web:1", "web:2"} {
			if _, err := repo.Append(ctx, "web", template(image)); err != nil {
				t.Fatal(err)
			}
		}
		if err := repo.Delete(ctx, "web", 1); err != nil {
			t.Fatalf("Delete: %v", err)
		}

		// The next append continues past the highest kept sequence.
		rev, err := repo.Append(ctx, "web", template("web:3"))
		if err != nil {
			t.Fatal(err)
		}
		if rev.Sequence != 3 {
			t.Errorf("Sequence = %d after pruning, want 3", rev.Sequence)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Delete(context.Background(), "web", 42)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Delete: got %v, want ErrNotFound", err)
		}
	})
}
