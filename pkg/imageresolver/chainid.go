package imageresolver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ChainID computes the canonical snapshot chain ID for an ordered list of
// uncompressed layer digests, per spec §3's recursive definition:
//
//	chain[0] = diff_ids[0]
//	chain[i] = sha256(chain[i-1] + " " + diff_ids[i])
//
// It returns the chain ID of the full list (i.e. chain[len(diffIDs)-1]).
func ChainID(diffIDs []string) (string, error) {
	if len(diffIDs) == 0 {
		return "", fmt.Errorf("chain id: empty diff_ids")
	}
	for _, d := range diffIDs {
		if err := validateDigest(d); err != nil {
			return "", fmt.Errorf("chain id: %w", err)
		}
	}
	chain := diffIDs[0]
	for _, d := range diffIDs[1:] {
		chain = nextChainID(chain, d)
	}
	return chain, nil
}

// ChainIDs returns the full prefix sequence chain[0..len(diffIDs)-1], one
// entry per layer, in the order the Snapshot Manager (C4) walks them.
func ChainIDs(diffIDs []string) ([]string, error) {
	if len(diffIDs) == 0 {
		return nil, fmt.Errorf("chain id: empty diff_ids")
	}
	for _, d := range diffIDs {
		if err := validateDigest(d); err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
	}
	out := make([]string, len(diffIDs))
	out[0] = diffIDs[0]
	for i := 1; i < len(diffIDs); i++ {
		out[i] = nextChainID(out[i-1], diffIDs[i])
	}
	return out, nil
}

func nextChainID(prevChain, diffID string) string {
	h := sha256.New()
	h.Write([]byte(prevChain))
	h.Write([]byte(" "))
	h.Write([]byte(diffID))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// validateDigest is a light sanity check used before feeding a string into
// the chain-ID recursion; malformed digests are an image_invalid error at
// the resolver layer, not here.
func validateDigest(s string) error {
	if !strings.HasPrefix(s, "sha256:") {
		return fmt.Errorf("not a sha256 digest: %s", s)
	}
	_, err := digest.Parse(s)
	return err
}
