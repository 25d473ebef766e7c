package imageresolver

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	digestAA = "sha256:" + strings.Repeat("a", 64)
	digestBB = "sha256:" + strings.Repeat("b", 64)
	digest11 = "sha256:" + strings.Repeat("1", 64)
	digest22 = "sha256:" + strings.Repeat("2", 64)
	digest33 = "sha256:" + strings.Repeat("3", 64)
)

func TestChainIDConcreteVector(t *testing.T) {
	// spec §8 concrete scenario 2.
	diffIDs := []string{digestAA, digestBB}

	chain0 := diffIDs[0]
	h := sha256.Sum256([]byte(digestAA + " " + digestBB))
	wantChain1 := "sha256:" + hex.EncodeToString(h[:])

	chains, err := ChainIDs(diffIDs)
	require.NoError(t, err)
	require.Equal(t, chain0, chains[0])
	require.Equal(t, wantChain1, chains[1])

	last, err := ChainID(diffIDs)
	require.NoError(t, err)
	require.Equal(t, wantChain1, last)
}

func TestChainIDSingleLayer(t *testing.T) {
	last, err := ChainID([]string{digestAA})
	require.NoError(t, err)
	require.Equal(t, digestAA, last)
}

func TestChainIDEmptyIsError(t *testing.T) {
	_, err := ChainID(nil)
	require.Error(t, err)
}

func TestChainIDDeterministic(t *testing.T) {
	diffIDs := []string{digest11, digest22, digest33}
	c1, err := ChainID(diffIDs)
	require.NoError(t, err)
	c2, err := ChainID(diffIDs)
	require.NoError(t, err)
	require.Equal(t, c1, c2)
}

func TestChainIDRejectsMalformedDigest(t *testing.T) {
	_, err := ChainID([]string{"sha256:not-hex"})
	require.Error(t, err)

	_, err = ChainIDs([]string{digestAA, "not-a-digest-at-all"})
	require.Error(t, err)
}
