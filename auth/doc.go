// Package auth resolves the caller identity behind an inbound bearer token.
//
// The public surface stays small: an Authenticator validates a bearer token
// string and returns a UserInfo (or an error). The transport extracts the
// token from the Authorization header and maps ErrUnauthorized to a 401
// envelope.
//
// # JWT Authentication
//
// NewJWT validates HS256 tokens signed with a shared secret or, when a JWKS
// URL is configured, RS256 tokens whose keys are fetched and refreshed from
// that URL. The numeric or string "id" claim is the caller identity. Tokens
// whose "jti" has been revoked (a "jwt:blacklist:<jti>" key in the shared
// store) are rejected.
//
// Example:
//
//	authn, err := auth.NewJWT(ctx, auth.JWTConfig{Secret: []byte(secret), Revocations: store})
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//	userID := ui.UserID()
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, revoked,
// missing identity). Store failures while checking revocation are returned
// unwrapped so callers can fail closed with a 503.
package auth
