package ocispec

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"
)

func TestToCPUShares(t *testing.T) {
	require.Equal(t, uint64(2), ToCPUShares(0))
	require.Equal(t, uint64(1024), ToCPUShares(1000))
	require.Equal(t, uint64(512), ToCPUShares(500))
}

func TestToCPUQuota(t *testing.T) {
	require.Equal(t, int64(1000), ToCPUQuota(0))
	require.Equal(t, int64(100000), ToCPUQuota(1000))
	require.Equal(t, int64(50000), ToCPUQuota(500))
}

func TestBuildFixedMountsAndCapabilities(t *testing.T) {
	spec, err := Build(Inputs{
		Args:   []string{"/pause"},
		Env:    []string{"FOO=bar"},
		Rootfs: "/var/lib/dibba/rootfs/pod1",
		Resources: ResourceSpec{
			CPUMillicores: 500,
			MemoryBytes:   256 * 1024 * 1024,
		},
		Namespaces: []NamespaceSpec{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/pause"}, spec.Process.Args)
	require.Len(t, spec.Mounts, 6)
	require.Contains(t, spec.Process.Capabilities.Bounding, "CAP_NET_BIND_SERVICE")
	require.Len(t, spec.Linux.Namespaces, 2)
	require.Equal(t, uint64(512), *spec.Linux.Resources.CPU.Shares)
	require.Equal(t, int64(256*1024*1024), *spec.Linux.Resources.Memory.Limit)
}

func TestBuildJoinsNamespaceByPath(t *testing.T) {
	spec, err := Build(Inputs{
		Args: []string{"/bin/sh"},
		Namespaces: []NamespaceSpec{
			{Type: specs.NetworkNamespace, Path: "/proc/1234/ns/net"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/proc/1234/ns/net", spec.Linux.Namespaces[0].Path)
}

func TestWrapForRuntime(t *testing.T) {
	spec, err := Build(Inputs{Args: []string{"/pause"}})
	require.NoError(t, err)

	any, err := WrapForRuntime(spec)
	require.NoError(t, err)
	require.NotNil(t, any)
}
