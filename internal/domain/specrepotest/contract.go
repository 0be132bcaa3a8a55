// Package specrepotest provides contract tests for [domain.SpecRepository]
// implementations.
package specrepotest

import (
	"context"
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// Factory creates a fresh [domain.SpecRepository] for each test invocation.
type Factory func(t *testing.T) domain.SpecRepository

func spec(name domain.DeploymentName, image string) domain.DeploymentSpec {
	return domain.DeploymentSpec{
		Name:     name,
		Replicas: 3,
		Strategy: domain.Strategy{
			MaxSurge:       intstr.FromInt32(1),
			MaxUnavailable: intstr.FromInt32(0),
		},
		Template: domain.InstanceTemplate{
			Image: image,
			Ports: []domain.PortSpec{{Name: "http", ContainerPort: 8080, Protocol: "TCP"}},
			Env:   []domain.EnvVar{{Name: "MODE", Value: "prod"}},
		},
		Selector: map[string]string{"app": string(name)},
	}
}

// Run exercises the [domain.SpecRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("PutAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Put(ctx, spec("web", "web:1")); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Template.Image != "web:1" {
			t.Errorf("Template.Image = %q, want %q", got.Template.Image, "web:1")
		}
		if got.Replicas != 3 {
			t.Errorf("Replicas = %d, want 3", got.Replicas)
		}
		if got.Strategy.MaxSurge.IntValue() != 1 {
			t.Errorf("MaxSurge = %v, want 1", got.Strategy.MaxSurge)
		}
		if got.Selector["app"] != "web" {
			t.Errorf("Selector[app] = %q, want %q", got.Selector["app"], "web")
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Put(ctx, spec("web", "web:1")); err != nil {
			t.Fatalf("first Put: %v", err)
		}
		if err := repo.Put(ctx, spec("web", "web:2")); err != nil {
			t.Fatalf("second Put: %v", err)
		}

		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Template.Image != "web:2" {
			t.Errorf("Template.Image = %q after overwrite, want %q", got.Template.Image, "web:2")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for _, s := range []domain.DeploymentSpec{spec("web", "web:1"), spec("api", "api:1")} {
			if err := repo.Put(ctx, s); err != nil {
				t.Fatalf("Put %s: %v", s.Name, err)
			}
		}

		got, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List: got %d, want 2", len(got))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Put(ctx, spec("web", "web:1")); err != nil {
			t.Fatal(err)
		}
		if err := repo.Delete(ctx, "web"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, err := repo.Get(ctx, "web")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Delete(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Delete: got %v, want ErrNotFound", err)
		}
	})
}
