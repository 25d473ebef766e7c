package pod

import (
	"context"
	"syscall"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/tkcreddy/dibba/pkg/snapshot"
)

// Resolver is the subset of imageresolver.Resolver the engine calls.
type Resolver interface {
	ResolveManifest(ctx context.Context, ref string) (ocispec.Descriptor, error)
	LoadManifestAndConfig(ctx context.Context, desc ocispec.Descriptor) (ocispec.Manifest, ocispec.Image, error)
	ChainIDForImage(ctx context.Context, ref string) (string, error)
}

// SnapshotManager is the subset of snapshot.Manager the engine drives.
type SnapshotManager interface {
	EnsureUnpacked(ctx context.Context, chainIDs []string, layers []snapshot.LayerDescriptor) error
	PrepareRWSnapshot(ctx context.Context, parentChain, hint string) ([]snapshot.Mount, string, error)
	RemoveSnapshot(ctx context.Context, key string) error
}

// CNIInvoker is the subset of cnet.Invoker the engine drives.
type CNIInvoker interface {
	Add(ctx context.Context, network, containerID, netnsPath, ifName string) (*CNIResult, error)
	Del(ctx context.Context, network, containerID, netnsPath, ifName string) error
}

// CNIResult mirrors cnet.Result minimally; the engine only needs to know
// the call succeeded, not the IP assignment.
type CNIResult struct {
	IPs []struct{ Address, Gateway string }
}

// Puller is the CRI image-pull side channel used by ensureUnpacked when
// blobs are missing from the content store, per spec §4.7 step 1.
type Puller interface {
	PullImage(ctx context.Context, ref string) (resolvedRef string, err error)
}

// ContentChecker reports whether every blob in a chain is present in the
// content store, used for the bounded-retry presence check in §4.7.
type ContentChecker interface {
	HasAllBlobs(ctx context.Context, digests []string) (missing string, ok bool)
}

// ContainerCreator is the containerd Containers service surface the engine
// calls to create a container object bound to a spec + snapshot.
type ContainerCreator interface {
	Create(ctx context.Context, id string, spec *specs.Spec, snapshotKey string) (Container, error)
	Delete(ctx context.Context, id string) error
}

// Container is one created containerd container, capable of starting a task.
type Container interface {
	NewTask(ctx context.Context, rootfs []snapshot.Mount) (Task, error)
}

// Task is a running (or about to run) process inside a container.
type Task interface {
	Start(ctx context.Context) error
	Pid() uint32
	Kill(ctx context.Context, sig syscall.Signal) error
	Delete(ctx context.Context) error
	Wait(ctx context.Context) (<-chan struct{}, error)
}

// clock is overridden in tests to avoid real sleeps during the bounded
// retry loop in ensureUnpacked.
type clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
