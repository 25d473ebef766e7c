package router

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouteKeyDeterministic(t *testing.T) {
	r, err := New("k")
	require.NoError(t, err)

	k1 := r.RouteKey("aws_interface")
	k2 := r.RouteKey("aws_interface")
	require.Equal(t, k1, k2)
	require.Len(t, k1, KeyLength)
}

func TestRouteKeyConcreteVector(t *testing.T) {
	// spec §8 scenario 1: secret "k", logical "aws_interface".
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("aws_interface"))
	want := hex.EncodeToString(mac.Sum(nil))[:KeyLength]

	require.Equal(t, want, RouteKey("k", "aws_interface"))
}

func TestRouteKeyDistinctLogicalNames(t *testing.T) {
	r, err := New("secret")
	require.NoError(t, err)

	require.NotEqual(t, r.RouteKey("host-a"), r.RouteKey("host-b"))
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrEmptySecret)
}
