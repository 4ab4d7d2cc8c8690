package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/chatstream-go/storage/memory"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func signHS(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"id":       42,
		"username": "alice",
		"jti":      "tok-1",
		"iat":      now.Unix(),
		"exp":      now.Add(time.Hour).Unix(),
	}
}

func newHS(t *testing.T, cfg Config) *Authenticator {
	t.Helper()
	cfg.Secret = testSecret
	a, err := New(t.Context(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestAuthenticator_HS256HappyPath(t *testing.T) {
	a := newHS(t, Config{})
	ui, err := a.CheckAuthentication(t.Context(), signHS(t, validClaims()))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "42" {
		t.Fatalf("want id 42, got %q", ui.UserID())
	}
	var out struct {
		Username string `json:"username"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Username != "alice" {
		t.Fatalf("username roundtrip mismatch: %q", out.Username)
	}
}

func TestAuthenticator_StringID(t *testing.T) {
	a := newHS(t, Config{})
	c := validClaims()
	c["id"] = "u-7"
	ui, err := a.CheckAuthentication(t.Context(), signHS(t, c))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "u-7" {
		t.Fatalf("want id u-7, got %q", ui.UserID())
	}
}

func TestAuthenticator_Rejections(t *testing.T) {
	a := newHS(t, Config{Leeway: time.Nanosecond})

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noExp := validClaims()
	delete(noExp, "exp")

	noID := validClaims()
	delete(noID, "id")

	fractional := validClaims()
	fractional["id"] = 1.5

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("another-secret-another-secret!!"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", signHS(t, expired)},
		{"missing exp", signHS(t, noExp)},
		{"missing id", signHS(t, noID)},
		{"fractional id", signHS(t, fractional)},
		{"wrong key", wrongKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.CheckAuthentication(t.Context(), tc.tok)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestAuthenticator_AlgorithmPinned(t *testing.T) {
	a := newHS(t, Config{})
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, validClaims()).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := a.CheckAuthentication(t.Context(), tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected HS512 to be rejected, got %v", err)
	}
}

func TestAuthenticator_Issuer(t *testing.T) {
	a := newHS(t, Config{Issuer: "chat-auth"})
	c := validClaims()
	c["iss"] = "someone-else"
	if _, err := a.CheckAuthentication(t.Context(), signHS(t, c)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}
	c["iss"] = "chat-auth"
	if _, err := a.CheckAuthentication(t.Context(), signHS(t, c)); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestAuthenticator_Blacklist(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a := newHS(t, Config{Revocations: store})
	ctx := t.Context()
	tok := signHS(t, validClaims())

	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check before revocation: %v", err)
	}
	if _, err := store.SetNX(ctx, BlacklistPrefix+"tok-1", "1", time.Hour); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := a.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}

type downStore struct{ *memory.Store }

func (downStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestAuthenticator_BlacklistStoreDown(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a := newHS(t, Config{Revocations: downStore{store}})
	_, err := a.CheckAuthentication(t.Context(), signHS(t, validClaims()))
	if !errors.Is(err, ErrRevocationCheck) {
		t.Fatalf("expected ErrRevocationCheck, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("store failure must not be reported as a bad token")
	}
}

func TestNew_ConfigValidation(t *testing.T) {
	if _, err := New(t.Context(), Config{}); err == nil {
		t.Fatalf("expected error without secret or jwks url")
	}
	if _, err := New(t.Context(), Config{Secret: testSecret, JWKSURL: "http://x"}); err == nil {
		t.Fatalf("expected error with both secret and jwks url")
	}
}

func TestAuthenticator_JWKS(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	const kid = "test-key"
	set := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": kid,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pk.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pk.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, Config{JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ui, err := a.CheckAuthentication(ctx, signed)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "42" {
		t.Fatalf("want id 42, got %q", ui.UserID())
	}

	// An HMAC token must not be accepted by a JWKS-configured authenticator.
	if _, err := a.CheckAuthentication(ctx, signHS(t, validClaims())); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected HS256 token to be rejected, got %v", err)
	}
}
