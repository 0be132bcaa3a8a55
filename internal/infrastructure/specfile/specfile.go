// Package specfile parses the desired-state document submitted by
// operators into a validated [domain.DeploymentSpec].
package specfile

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// Parse decodes a YAML (or JSON) desired-state document, applies
// defaults, and validates the result. Strategy budgets accept absolute
// counts or percentages; resource quantities use the usual suffix forms
// ("250m" CPU, "64Mi" memory).
func Parse(data []byte) (domain.DeploymentSpec, error) {
	var spec domain.DeploymentSpec
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return domain.DeploymentSpec{}, fmt.Errorf("%w: %v", domain.ErrInvalidSpec, err)
	}
	applyDefaults(&spec)
	if err := spec.Validate(); err != nil {
		return domain.DeploymentSpec{}, err
	}
	return spec, nil
}

func applyDefaults(spec *domain.DeploymentSpec) {
	if spec.Template.RestartPolicy == "" {
		spec.Template.RestartPolicy = domain.RestartAlways
	}
	if spec.Template.ImagePullPolicy == "" {
		spec.Template.ImagePullPolicy = domain.PullIfNotPresent
	}
	for i := range spec.Template.Ports {
		if spec.Template.Ports[i].Protocol == "" {
			spec.Template.Ports[i].Protocol = "TCP"
		}
	}
}
