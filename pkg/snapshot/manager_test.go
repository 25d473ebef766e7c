package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"

	"github.com/tkcreddy/dibba/pkg/dibberr"
)

type fakeSnapshotter struct {
	mu        sync.Mutex
	committed map[string]bool
	prepared  map[string]bool
}

func newFakeSnapshotter() *fakeSnapshotter {
	return &fakeSnapshotter{committed: map[string]bool{}, prepared: map[string]bool{}}
}

func (f *fakeSnapshotter) Stat(_ context.Context, key string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed[key] {
		return Info{Kind: KindCommitted, Name: key}, nil
	}
	return Info{}, dibberr.New(dibberr.KindNotFound, errors.New("not found"))
}

func (f *fakeSnapshotter) Prepare(_ context.Context, key, parent string) ([]Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared[key] = true
	return []Mount{{Type: "bind", Source: "/tmp/" + key, Target: "/"}}, nil
}

func (f *fakeSnapshotter) Commit(_ context.Context, name, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed[name] {
		return dibberr.New(dibberr.KindSnapshotRace, errdefs.ErrAlreadyExists)
	}
	f.committed[name] = true
	delete(f.prepared, key)
	return nil
}

func (f *fakeSnapshotter) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prepared, key)
	return nil
}

type fakeDiffer struct {
	applyErr error
	calls    int
}

func (f *fakeDiffer) Apply(_ context.Context, _ LayerDescriptor, _ []Mount) error {
	f.calls++
	return f.applyErr
}

func TestEnsureUnpackedRejectsMismatchedLengths(t *testing.T) {
	m := &Manager{Snapshotter: newFakeSnapshotter(), Differ: &fakeDiffer{}}
	err := m.EnsureUnpacked(context.Background(), []string{"a", "b"}, []LayerDescriptor{{Digest: "x"}})
	require.Error(t, err)
}

func TestEnsureUnpackedHappyPath(t *testing.T) {
	snap := newFakeSnapshotter()
	differ := &fakeDiffer{}
	m := &Manager{Snapshotter: snap, Differ: differ}

	chainIDs := []string{"chain0", "chain1"}
	layers := []LayerDescriptor{{Digest: "sha256:aa"}, {Digest: "sha256:bb"}}

	require.NoError(t, m.EnsureUnpacked(context.Background(), chainIDs, layers))
	require.Equal(t, 2, differ.calls)
	require.True(t, snap.committed["chain0"])
	require.True(t, snap.committed["chain1"])
}

func TestEnsureUnpackedSkipsAlreadyCommittedLayers(t *testing.T) {
	snap := newFakeSnapshotter()
	snap.committed["chain0"] = true
	differ := &fakeDiffer{}
	m := &Manager{Snapshotter: snap, Differ: differ}

	chainIDs := []string{"chain0", "chain1"}
	layers := []LayerDescriptor{{Digest: "sha256:aa"}, {Digest: "sha256:bb"}}

	require.NoError(t, m.EnsureUnpacked(context.Background(), chainIDs, layers))
	require.Equal(t, 1, differ.calls) // chain0 skipped, only chain1 applied
}

func TestEnsureUnpackedIsNoopOnSecondCall(t *testing.T) {
	snap := newFakeSnapshotter()
	differ := &fakeDiffer{}
	m := &Manager{Snapshotter: snap, Differ: differ}

	chainIDs := []string{"chain0", "chain1"}
	layers := []LayerDescriptor{{Digest: "sha256:aa"}, {Digest: "sha256:bb"}}

	require.NoError(t, m.EnsureUnpacked(context.Background(), chainIDs, layers))
	require.NoError(t, m.EnsureUnpacked(context.Background(), chainIDs, layers))
	require.Equal(t, 2, differ.calls) // no new applies on the second pass
}

// racyCommitSnapshotter simulates another unpacker winning the race: by
// the time our own Commit call runs, the chain ID is already committed.
type racyCommitSnapshotter struct {
	*fakeSnapshotter
}

func (r *racyCommitSnapshotter) Prepare(ctx context.Context, key, parent string) ([]Mount, error) {
	mounts, err := r.fakeSnapshotter.Prepare(ctx, key, parent)
	r.fakeSnapshotter.mu.Lock()
	r.fakeSnapshotter.committed["chain0"] = true
	r.fakeSnapshotter.mu.Unlock()
	return mounts, err
}

func TestEnsureUnpackedConvergesOnAlreadyExistsRace(t *testing.T) {
	snap := &racyCommitSnapshotter{fakeSnapshotter: newFakeSnapshotter()}
	differ := &fakeDiffer{}
	m := &Manager{Snapshotter: snap, Differ: differ}

	err := m.EnsureUnpacked(context.Background(), []string{"chain0"}, []LayerDescriptor{{Digest: "sha256:aa"}})
	require.NoError(t, err)
	require.Equal(t, 1, differ.calls)
}

func TestEnsureUnpackedRemovesPreparedKeyOnApplyFailure(t *testing.T) {
	snap := newFakeSnapshotter()
	differ := &fakeDiffer{applyErr: errors.New("boom")}
	m := &Manager{Snapshotter: snap, Differ: differ}

	err := m.EnsureUnpacked(context.Background(), []string{"chain0"}, []LayerDescriptor{{Digest: "sha256:aa"}})
	require.Error(t, err)
	require.Empty(t, snap.prepared)
}

func TestPrepareRWSnapshot(t *testing.T) {
	snap := newFakeSnapshotter()
	m := &Manager{Snapshotter: snap, Differ: &fakeDiffer{}}

	mounts, key, err := m.PrepareRWSnapshot(context.Background(), "chain1", "pod1-pause-rootfs")
	require.NoError(t, err)
	require.NotEmpty(t, mounts)
	require.Contains(t, key, "pod1-pause-rootfs")
}

func TestRemoveSnapshotIdempotent(t *testing.T) {
	snap := newFakeSnapshotter()
	m := &Manager{Snapshotter: snap, Differ: &fakeDiffer{}}

	require.NoError(t, m.RemoveSnapshot(context.Background(), "some-key"))
	require.NoError(t, m.RemoveSnapshot(context.Background(), "some-key"))
}

func TestDetectSnapshotterCachesName(t *testing.T) {
	m := &Manager{}
	calls := 0
	probe := func(name string) bool {
		calls++
		return name == "native"
	}
	name, err := m.DetectSnapshotter(context.Background(), "", probe)
	require.NoError(t, err)
	require.Equal(t, "native", name)

	callsAfterFirst := calls
	name2, err := m.DetectSnapshotter(context.Background(), "", probe)
	require.NoError(t, err)
	require.Equal(t, "native", name2)
	require.Equal(t, callsAfterFirst, calls) // cached, no further probing
}

func TestDetectSnapshotterPrefersConfigured(t *testing.T) {
	m := &Manager{}
	name, err := m.DetectSnapshotter(context.Background(), "btrfs", func(string) bool { return false })
	require.NoError(t, err)
	require.Equal(t, "btrfs", name)
}
