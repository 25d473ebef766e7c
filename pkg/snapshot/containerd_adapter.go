package snapshot

import (
	"context"

	"github.com/containerd/containerd/v2/core/diff"
	"github.com/containerd/containerd/v2/core/mount"
	"github.com/containerd/containerd/v2/core/snapshots"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ContainerdSnapshotter adapts one of containerd's named snapshots.Snapshotter
// services (client.SnapshotService(name)) to Manager's narrow Snapshotter
// surface.
type ContainerdSnapshotter struct {
	Service snapshots.Snapshotter
}

func (s *ContainerdSnapshotter) Stat(ctx context.Context, key string) (Info, error) {
	info, err := s.Service.Stat(ctx, key)
	if err != nil {
		return Info{}, err
	}
	return Info{Kind: convertKind(info.Kind), Name: info.Name, Parent: info.Parent}, nil
}

func (s *ContainerdSnapshotter) Prepare(ctx context.Context, key, parent string) ([]Mount, error) {
	mounts, err := s.Service.Prepare(ctx, key, parent)
	if err != nil {
		return nil, err
	}
	return convertMounts(mounts), nil
}

func (s *ContainerdSnapshotter) Commit(ctx context.Context, name, key string) error {
	return s.Service.Commit(ctx, name, key)
}

func (s *ContainerdSnapshotter) Remove(ctx context.Context, key string) error {
	return s.Service.Remove(ctx, key)
}

func convertKind(k snapshots.Kind) Kind {
	switch k {
	case snapshots.KindActive:
		return KindActive
	case snapshots.KindCommitted:
		return KindCommitted
	default:
		return KindUnknown
	}
}

func convertMounts(in []mount.Mount) []Mount {
	out := make([]Mount, len(in))
	for i, m := range in {
		out[i] = Mount{Type: m.Type, Source: m.Source, Target: m.Target, Options: m.Options}
	}
	return out
}

func convertMountsBack(in []Mount) []mount.Mount {
	out := make([]mount.Mount, len(in))
	for i, m := range in {
		out[i] = mount.Mount{Type: m.Type, Source: m.Source, Target: m.Target, Options: m.Options}
	}
	return out
}

// ContainerdDiffer adapts containerd's Diff service (client.DiffService(),
// a diff.Comparer that also satisfies diff.Applier) to the Manager's
// narrow Differ surface: applying one compressed layer blob onto a
// prepared snapshot's mounts.
type ContainerdDiffer struct {
	Applier diff.Applier
}

func (d *ContainerdDiffer) Apply(ctx context.Context, layer LayerDescriptor, mounts []Mount) error {
	desc := ocispec.Descriptor{
		MediaType: layer.MediaType,
		Digest:    digest.Digest(layer.Digest),
	}
	_, err := d.Applier.Apply(ctx, desc, convertMountsBack(mounts))
	return err
}
