// Package authutil inspects session tokens issued by the chat backend.
package authutil

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMalformed = errors.New("malformed token")

// Info is what the client can learn from a token without the signing key.
type Info struct {
	Username  string
	ExpiresAt time.Time
}

// Expired reports whether the token expires before now plus skew. Tokens
// without an expiry never expire client-side.
func (i Info) Expired(now time.Time, skew time.Duration) bool {
	if i.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(i.ExpiresAt)
}

// Inspect decodes the claims of tokenStr. The signature is not verified;
// the backend remains the authority and this only lets the client detect
// an expired session before making a call.
func Inspect(tokenStr string) (Info, error) {
	if tokenStr == "" {
		return Info{}, ErrMalformed
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return Info{}, errors.Join(ErrMalformed, err)
	}
	var info Info
	for _, key := range []string{"username", "name", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			info.Username = v
			break
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Info{}, errors.Join(ErrMalformed, err)
	}
	if exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// Expired is a convenience for Inspect followed by Info.Expired. Malformed
// tokens count as expired.
func Expired(tokenStr string, now time.Time) bool {
	info, err := Inspect(tokenStr)
	if err != nil {
		return true
	}
	return info.Expired(now, 5*time.Second)
}
