package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *BoltRegistry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	r, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	rec := NodeRecord{PrivateDNS: "host-a", IP: "10.0.0.1", InstanceID: "i-1", Namespace: "ns1"}
	require.NoError(t, r.PutNode(ctx, rec.PrivateDNS, rec))

	got, err := r.GetNode(ctx, "host-a")
	require.NoError(t, err)
	require.Equal(t, rec, *got)
}

func TestGetNodeMissingReturnsNilNoError(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	got, err := r.GetNode(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListInstanceIDsInNamespace(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.PutNode(ctx, "a", NodeRecord{InstanceID: "i-1", Namespace: "ns1"}))
	require.NoError(t, r.PutNode(ctx, "b", NodeRecord{InstanceID: "i-2", Namespace: "ns1"}))
	require.NoError(t, r.PutNode(ctx, "c", NodeRecord{InstanceID: "i-3", Namespace: "ns2"}))

	ids, err := r.ListInstanceIDsInNamespace(ctx, "ns1")
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"i-1": {}, "i-2": {}}, ids)
}

func TestDeleteNodesByInstanceIDsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.PutNode(ctx, "a", NodeRecord{InstanceID: "i-1", Namespace: "ns1"}))
	require.NoError(t, r.PutNode(ctx, "b", NodeRecord{InstanceID: "i-2", Namespace: "ns1"}))

	ok, err := r.DeleteNodesByInstanceIDs(ctx, map[string]struct{}{"i-1": {}})
	require.NoError(t, err)
	require.True(t, ok)

	nodes, err := r.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Contains(t, nodes, "b")

	// Repeating the delete is still success with nothing left to remove.
	ok, err = r.DeleteNodesByInstanceIDs(ctx, map[string]struct{}{"i-1": {}})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUserHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.GetUserHash(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, r.PutUserHash(ctx, "alice", "hash123"))
	got, err := r.GetUserHash(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "hash123", *got)
}

func TestClusterHealthRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	h := ClusterHealth{Hostname: "host-a", IP: "10.0.0.1", FreeCPU: 3.5, FreeMemory: 1024}
	require.NoError(t, r.PutClusterHealth(ctx, "host-a", h))

	got, err := r.GetClusterHealth(ctx, "host-a")
	require.NoError(t, err)
	require.Equal(t, h, *got)

	all, err := r.ListClusterHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
