package domain

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// DeploymentName identifies a deployment.
type DeploymentName string

// RestartPolicy controls when the runtime restarts a stopped instance.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "Always"
	RestartOnFailure RestartPolicy = "OnFailure"
	RestartNever     RestartPolicy = "Never"
)

// ImagePullPolicy controls when the runtime pulls the instance image.
type ImagePullPolicy string

const (
	PullAlways       ImagePullPolicy = "Always"
	PullIfNotPresent ImagePullPolicy = "IfNotPresent"
	PullNever        ImagePullPolicy = "Never"
)

// PortSpec declares a port exposed by an instance.
type PortSpec struct {
	Name          string `json:"name,omitempty"`
	ContainerPort int32  `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"` // defaults to TCP
}

// EnvVar binds an environment variable to a literal value or to a key in
// an external secret store. Secret resolution happens in the runtime; the
// controller only carries the reference.
type EnvVar struct {
	Name      string     `json:"name"`
	Value     string     `json:"value,omitempty"`
	SecretRef *SecretRef `json:"secretRef,omitempty"`
}

// SecretRef names a key in an external secret.
type SecretRef struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// ResourceName identifies a compute resource kind.
type ResourceName string

const (
	ResourceCPU    ResourceName = "cpu"
	ResourceMemory ResourceName = "memory"
)

// Requirements declares the compute resources an instance requests and
// the limits it must stay under.
type Requirements struct {
	Requests map[ResourceName]resource.Quantity `json:"requests,omitempty"`
	Limits   map[ResourceName]resource.Quantity `json:"limits,omitempty"`
}

// InstanceTemplate describes how to start one instance. It is the unit
// snapshotted into a [Revision]: two revisions differ exactly when their
// templates differ.
type InstanceTemplate struct {
	Image           string          `json:"image"`
	Ports           []PortSpec      `json:"ports,omitempty"`
	Env             []EnvVar        `json:"env,omitempty"`
	Resources       Requirements    `json:"resources,omitempty"`
	RestartPolicy   RestartPolicy   `json:"restartPolicy,omitempty"`
	ImagePullPolicy ImagePullPolicy `json:"imagePullPolicy,omitempty"`
}

// Strategy bounds how far a rolling update may deviate from the desired
// replica count. Both fields accept an absolute count or a percentage of
// the replica count.
type Strategy struct {
	MaxSurge       intstr.IntOrString `json:"maxSurge"`
	MaxUnavailable intstr.IntOrString `json:"maxUnavailable"`
}

// DeploymentSpec is the desired state for one deployment. It is immutable
// once submitted; submitting a changed spec creates a new [Revision].
type DeploymentSpec struct {
	Name     DeploymentName     `json:"name"`
	Replicas int32              `json:"replicas"`
	Strategy Strategy           `json:"strategy"`
	Template InstanceTemplate   `json:"template"`
	Selector map[string]string  `json:"selector,omitempty"`
}

// Validate rejects specs that must never enter the control loop. In
// particular a strategy where both budgets resolve to zero would leave
// the planner unable to add or remove anything.
func (s DeploymentSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: deployment name is required", ErrInvalidSpec)
	}
	if s.Replicas < 0 {
		return fmt.Errorf("%w: replicas must not be negative", ErrInvalidSpec)
	}
	if s.Template.Image == "" {
		return fmt.Errorf("%w: template image is required", ErrInvalidSpec)
	}
	for _, p := range s.Template.Ports {
		if p.ContainerPort <= 0 || p.ContainerPort > 65535 {
			return fmt.Errorf("%w: container port %d out of range", ErrInvalidSpec, p.ContainerPort)
		}
	}
	for _, e := range s.Template.Env {
		if e.Name == "" {
			return fmt.Errorf("%w: env var name is required", ErrInvalidSpec)
		}
		if e.Value != "" && e.SecretRef != nil {
			return fmt.Errorf("%w: env var %q sets both value and secretRef", ErrInvalidSpec, e.Name)
		}
		if e.SecretRef != nil && (e.SecretRef.Name == "" || e.SecretRef.Key == "") {
			return fmt.Errorf("%w: env var %q has an incomplete secretRef", ErrInvalidSpec, e.Name)
		}
	}
	if s.Replicas > 0 {
		surge, unavailable, err := ResolveFenceposts(s.Strategy, s.Replicas)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		if surge == 0 && unavailable == 0 {
			return fmt.Errorf("%w: maxSurge and maxUnavailable must not both resolve to zero", ErrInvalidSpec)
		}
	}
	return nil
}
