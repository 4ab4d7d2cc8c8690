package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ggoodman/chatstream-go/internal/jwtauth"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = jwtauth.ErrUnauthorized

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// JWTConfig configures NewJWT.
type JWTConfig = jwtauth.Config

// NewJWT constructs a JWT Authenticator.
func NewJWT(ctx context.Context, cfg JWTConfig) (Authenticator, error) {
	a, err := jwtauth.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return jwtAdapter{a}, nil
}

type jwtAdapter struct{ a *jwtauth.Authenticator }

func (j jwtAdapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := j.a.CheckAuthentication(ctx, tok)
	if err != nil {
		return nil, err
	}
	return ui, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <tok>"
// header. It returns ErrUnauthorized if the header is missing or malformed.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrUnauthorized
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", ErrUnauthorized
	}
	return strings.TrimSpace(tok), nil
}

// IsStoreFailure reports whether err came from the revocation store rather
// than from the token itself.
func IsStoreFailure(err error) bool {
	return errors.Is(err, jwtauth.ErrRevocationCheck)
}
