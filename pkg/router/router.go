// Package router implements the keyed-hostname router (C1): a deterministic,
// length-bounded, non-reversible mapping from a logical endpoint name to the
// queue/routing key dibba uses to reach it.
package router

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// KeyLength is the fixed length, in hex characters, of a route key.
const KeyLength = 48

// ErrEmptySecret is returned when a Router is constructed with an empty
// secret; the secret is process-wide state and must be non-empty.
var ErrEmptySecret = errors.New("router: secret must be non-empty")

// Router derives route keys from a single process-wide secret established
// at startup.
type Router struct {
	secret []byte
}

// New constructs a Router from the configured shared secret. It fails
// initialization if the secret is empty, per spec §4.1.
func New(secret string) (*Router, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Router{secret: []byte(secret)}, nil
}

// RouteKey returns the first 48 hex characters of HMAC-SHA256(secret, logicalName).
// It is deterministic and reveals no plaintext about logicalName.
func (r *Router) RouteKey(logicalName string) string {
	return RouteKey(string(r.secret), logicalName)
}

// RouteKey is the free-function form, used where no Router has been
// constructed yet (e.g. the worker agent's own queue name, KeyedHash, tests
// matching spec §8 scenario 1).
func RouteKey(secret, logicalName string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(logicalName))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:KeyLength]
}
