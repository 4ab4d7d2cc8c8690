package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/chatstream-go/storage"
)

// BlacklistPrefix namespaces revoked token ids in the shared store.
const BlacklistPrefix = "jwt:blacklist:"

// Config controls validation behavior for bearer tokens.
//
// Exactly one of Secret or JWKSURL must be set. Secret selects HMAC
// verification (HS256 by default); JWKSURL selects asymmetric verification
// against an auto-refreshing key set (RS256 by default).
type Config struct {
	Secret  []byte
	JWKSURL string
	// Issuer, if set, must match the iss claim.
	Issuer      string
	AllowedAlgs []string
	Leeway      time.Duration
	// Revocations, if set, is consulted for BlacklistPrefix+jti on every
	// successfully verified token that carries a jti.
	Revocations storage.Store
}

// UserInfo is the internal user claims carrier for validated tokens.
type UserInfo struct {
	id     string
	claims jwt.MapClaims
}

func (u *UserInfo) UserID() string { return u.id }

func (u *UserInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// ErrUnauthorized indicates that the token failed validation (signature,
// expiry, revocation, identity) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrRevocationCheck wraps a store failure while looking up the blacklist.
var ErrRevocationCheck = errors.New("jwtauth: revocation check failed")

// Authenticator validates bearer tokens.
type Authenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// New constructs an Authenticator. When JWKSURL is set the key set is fetched
// in the background and refreshed until ctx is cancelled.
func New(ctx context.Context, cfg Config) (*Authenticator, error) {
	switch {
	case len(cfg.Secret) > 0 && cfg.JWKSURL != "":
		return nil, errors.New("jwtauth: secret and jwks url are mutually exclusive")
	case len(cfg.Secret) == 0 && cfg.JWKSURL == "":
		return nil, errors.New("jwtauth: secret or jwks url is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	a := &Authenticator{cfg: cfg}
	if len(cfg.Secret) > 0 {
		if len(cfg.AllowedAlgs) == 0 {
			cfg.AllowedAlgs = []string{"HS256"}
		}
		secret := slices.Clone(cfg.Secret)
		a.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
	} else {
		if len(cfg.AllowedAlgs) == 0 {
			cfg.AllowedAlgs = []string{"RS256"}
		}
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("jwks init failed: %w", err)
		}
		a.keyfunc = kf.Keyfunc
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	a.parser = jwt.NewParser(opts...)
	a.cfg = cfg
	return a, nil
}

// CheckAuthentication verifies tok and returns the identity it carries.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (*UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parsed, err := a.parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	id, ok := identity(claims["id"])
	if !ok {
		return nil, fmt.Errorf("%w: missing id", ErrUnauthorized)
	}

	if jti, _ := claims["jti"].(string); jti != "" && a.cfg.Revocations != nil {
		revoked, err := a.cfg.Revocations.Exists(ctx, BlacklistPrefix+jti)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRevocationCheck, err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: token revoked", ErrUnauthorized)
		}
	}

	return &UserInfo{id: id, claims: claims}, nil
}

// identity normalizes the id claim. Numeric ids decode from JSON as float64
// and must be whole numbers.
func identity(v any) (string, bool) {
	switch id := v.(type) {
	case float64:
		if id != float64(int64(id)) {
			return "", false
		}
		return strconv.FormatInt(int64(id), 10), true
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	case string:
		id = strings.TrimSpace(id)
		return id, id != ""
	default:
		return "", false
	}
}
