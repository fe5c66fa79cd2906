package authutil

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-side-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestInspectReadsClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	info, err := Inspect(sign(t, jwt.MapClaims{"username": "alice", "exp": exp.Unix()}))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Username != "alice" || !info.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Expired(time.Now(), 0) {
		t.Fatalf("token should still be valid")
	}
}

func TestExpiredDetection(t *testing.T) {
	old := sign(t, jwt.MapClaims{"username": "bob", "exp": time.Now().Add(-time.Minute).Unix()})
	if !Expired(old, time.Now()) {
		t.Fatalf("expected expired token")
	}
	forever := sign(t, jwt.MapClaims{"username": "bob"})
	if Expired(forever, time.Now()) {
		t.Fatalf("token without exp should not expire client-side")
	}
}

func TestInspectRejectsMalformed(t *testing.T) {
	if _, err := Inspect(""); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty token, got %v", err)
	}
	if _, err := Inspect("not.a.jwt"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if !Expired("garbage", time.Now()) {
		t.Fatalf("malformed tokens count as expired")
	}
}
