package server

import (
	"context"
	"log/slog"
	"net/http"
)

// IdentityVerifier validates a raw identity token.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (*IdentityClaims, error)
}

// Authenticator resolves the caller's identity from the idToken cookie.
type Authenticator struct {
	verifier IdentityVerifier
	cookies  *CookieStore
	logger   *slog.Logger
}

// NewAuthenticator builds an Authenticator around a verifier. Tokens are read through cookies.
func NewAuthenticator(verifier IdentityVerifier, cookies *CookieStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{verifier: verifier, cookies: cookies, logger: logger}
}

// Authenticate verifies the identity token carried by r. Every failure is reported as
// ErrUnauthorized; the reason only reaches the debug log.
func (a *Authenticator) Authenticate(r *http.Request) (*IdentityClaims, error) {
	raw := a.cookies.Tokens(r).IDToken
	if raw == "" {
		return nil, ErrUnauthorized
	}
	claims, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		a.logger.Debug("identity token rejected", "request_id", RequestIDFromContext(r.Context()), "error", err)
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// Middleware rejects unauthenticated requests with 401 and attaches verified claims to the
// request context otherwise.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.Authenticate(r)
			if err != nil {
				writeError(w, err)
				return
			}
			setSubject(r.Context(), claims.Subject)
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*IdentityClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*IdentityClaims)
	return claims, ok
}

type claimsKey struct{}
