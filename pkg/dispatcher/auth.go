// Package dispatcher implements the Task Dispatcher (C9): the HTTP control
// plane that authenticates operators, turns their requests into task
// payloads, and publishes those payloads to the queue named by the Keyed-
// Hostname Router (C1).
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tkcreddy/dibba/pkg/dibberr"
	"github.com/tkcreddy/dibba/pkg/registry"
	"github.com/tkcreddy/dibba/pkg/router"
)

// signingMethod is the one algorithm dibba issues and accepts; the token
// header still carries the algorithm identifier per spec §4.9, but the
// verifier rejects anything other than this method rather than trusting
// the header blindly.
var signingMethod = jwt.SigningMethodHS256

// Claims is the token payload: a standard registered-claims set with the
// username carried in Subject.
type Claims struct {
	jwt.RegisteredClaims
}

// isTimeValid reports whether t falls within the token's not-before/expiry
// window. A token with no expiry claim at all is never valid: dibba always
// issues one, so its absence means the token isn't ours. jwt.Parser already
// enforces this during ParseClaimsString; the method exists separately so
// callers (and tests) can check validity against an arbitrary instant
// rather than time.Now().
func (c *Claims) isTimeValid(t time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	if !t.Before(c.ExpiresAt.Time) {
		return false
	}
	if c.NotBefore != nil && t.Before(c.NotBefore.Time) {
		return false
	}
	return true
}

// keyFuncForSecret builds a jwt.Keyfunc that hands back secret only to
// callers asking for signingMethod, rejecting algorithm-substitution
// attacks.
func keyFuncForSecret(secret []byte) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if token.Method != signingMethod {
			return nil, errors.New("dispatcher: unexpected signing method")
		}
		return secret, nil
	}
}

// IssueToken signs a Claims value for subject with the given lifetime,
// starting from now.
func IssueToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(signingMethod, claims)
	return token.SignedString(secret)
}

// ParseClaimsString parses and validates a signed token string against
// keyFunc, returning the embedded claims on success.
func ParseClaimsString(ss string, keyFunc jwt.Keyfunc) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(ss, claims, keyFunc, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// KeyedHash is the §4.2/§4.9 `keyed_hash` primitive: HMAC-SHA256(secret,
// phrase) truncated to the same 48 hex characters as a route key. Used both
// to hash passwords at registration time and to verify them at login,
// following the source's `encode_phrase_with_key`.
func KeyedHash(secret, phrase string) string {
	return router.RouteKey(secret, phrase)
}

// ValidateToken parses ss, checks its signature and expiry against secret,
// and verifies the subject still resolves a user hash in reg. It returns
// the authenticated username on success.
func ValidateToken(ctx context.Context, reg registry.Registry, secret []byte, ss string) (string, error) {
	claims, err := ParseClaimsString(ss, keyFuncForSecret(secret))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", dibberr.Newf(dibberr.KindAuthExpired, "token expired")
		}
		return "", dibberr.WithStage(dibberr.KindAuthInvalid, "", "", err)
	}
	if claims.Subject == "" {
		return "", dibberr.Newf(dibberr.KindAuthInvalid, "token has no subject")
	}
	hash, err := reg.GetUserHash(ctx, claims.Subject)
	if err != nil {
		return "", dibberr.WithStage(dibberr.KindAuthInvalid, "", "", err)
	}
	if hash == nil {
		return "", dibberr.Newf(dibberr.KindAuthInvalid, "subject %q no longer resolves", claims.Subject)
	}
	return claims.Subject, nil
}
