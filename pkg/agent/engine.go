package agent

import (
	"context"

	"github.com/tkcreddy/dibba/pkg/ocispec"
	"github.com/tkcreddy/dibba/pkg/pod"
)

// PodEngine is the narrow slice of pod.Engine the agent drives when it
// receives a create_pod_task message. Kept as an interface, the same way
// pkg/pod's own Engine drives containerd through narrow seams, so agent_test.go
// runs against a fake instead of a live containerd + CNI stack.
type PodEngine interface {
	CreatePod(ctx context.Context, name, pauseImage string, resources ocispec.ResourceSpec, cniNetwork, cniIfName string) (*pod.Record, error)
	AddContainers(ctx context.Context, p *pod.Record, specs []pod.ContainerSpec) (map[string]pod.ContainerRecord, error)
	DeletePod(ctx context.Context, p *pod.Record, apps []string) error
}
