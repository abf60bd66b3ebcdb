package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Provider IdentityProvider
	Verifier IdentityVerifier
	Auth     *Authenticator
	Cookies  *CookieStore
}

// NewApp discovers the provider and wires the relying party. Discovery failure is returned
// to the caller, which must not start serving.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	provider, err := DiscoverProvider(ctx, cfg.Provider, logger)
	if err != nil {
		return nil, err
	}

	md := provider.Metadata()
	keys := NewKeySet(KeySetConfig{
		Issuer:     md.Issuer,
		JWKSURL:    md.JWKSURI,
		Audience:   cfg.Provider.ClientID,
		HTTPClient: provider.HTTPClient(),
		Cooldown:   cfg.Provider.JWKSCooldown,
	})

	return NewAppWith(cfg, logger, provider, keys), nil
}

// NewAppWith wires the relying party around an already constructed provider and verifier.
func NewAppWith(cfg Config, logger *slog.Logger, provider IdentityProvider, verifier IdentityVerifier) *App {
	cookies := NewCookieStore(cfg)
	return &App{
		Config:   cfg,
		Logger:   logger,
		Provider: provider,
		Verifier: verifier,
		Auth:     NewAuthenticator(verifier, cookies, logger),
		Cookies:  cookies,
	}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle converts a returned error into the matching generic response.
func (a *App) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		attrs := []any{"request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "error", err}
		var uerr *UpstreamError
		switch {
		case errors.As(err, &uerr):
			a.Logger.Error("provider call failed", append(attrs, "op", uerr.Op)...)
		case errors.Is(err, ErrInvalidRequest):
			a.Logger.Info("rejected request", attrs...)
		case errors.Is(err, ErrUnauthorized):
			a.Logger.Debug("unauthenticated request", attrs...)
		default:
			a.Logger.Error("request failed", attrs...)
		}
		writeError(w, err)
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) error {
	req, err := NewAuthorizationRequest()
	if err != nil {
		return err
	}
	a.Cookies.Write(w, a.Cookies.Verifier(req.CodeVerifier))
	http.Redirect(w, r, a.Provider.AuthCodeURL(req.CodeChallenge), http.StatusFound)
	return nil
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		a.Logger.Info("provider returned authorization error",
			"request_id", RequestIDFromContext(r.Context()),
			"error", errCode,
			"error_description", query.Get("error_description"),
		)
	}

	codes := query["code"]
	if len(codes) != 1 || codes[0] == "" {
		return fmt.Errorf("%w: exactly one authorization code required", ErrInvalidRequest)
	}
	verifier := a.Cookies.VerifierFrom(r)
	if verifier == "" {
		return fmt.Errorf("%w: code verifier cookie missing", ErrInvalidRequest)
	}

	// The verifier is single-use whatever happens next.
	a.Cookies.Write(w, a.Cookies.ClearVerifier())

	tokens, err := a.Provider.Exchange(r.Context(), codes[0], verifier)
	if err != nil {
		return err
	}
	claims, err := a.Verifier.Verify(r.Context(), tokens.IDToken)
	if err != nil {
		return upstream("verify id token", err)
	}

	user := claims.Email
	if user == "" {
		user = claims.Subject
	}
	a.Logger.Info("user authenticated", "request_id", RequestIDFromContext(r.Context()), "user", user, "sub", claims.Subject)
	setSubject(r.Context(), claims.Subject)

	a.Cookies.Write(w, a.Cookies.Issue(tokens)...)
	http.Redirect(w, r, a.Config.Auth.LandingPath, http.StatusFound)
	return nil
}

// handleLogout ends the local session and sends the browser to the provider logout page.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) error {
	logoutURL := a.logout(w, r)
	http.Redirect(w, r, logoutURL, http.StatusFound)
	return nil
}

// handleLogoutJSON is the script-driven variant: the caller navigates to logoutUrl itself.
func (a *App) handleLogoutJSON(w http.ResponseWriter, r *http.Request) error {
	logoutURL := a.logout(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"logoutUrl": logoutURL})
	return nil
}

func (a *App) logout(w http.ResponseWriter, r *http.Request) string {
	if rt := a.Cookies.Tokens(r).RefreshToken; rt != "" {
		if err := a.Provider.Revoke(r.Context(), rt); err != nil {
			a.Logger.Warn("refresh token revocation failed",
				"request_id", RequestIDFromContext(r.Context()),
				"error", err,
			)
		}
	}
	a.Cookies.Write(w, a.Cookies.Clear()...)
	return a.Provider.LogoutURL(a.Config.LandingURL())
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) error {
	rt := a.Cookies.Tokens(r).RefreshToken
	if rt == "" {
		return ErrUnauthorized
	}

	tokens, err := a.Provider.Refresh(r.Context(), rt)
	if err != nil {
		return err
	}

	rotated := a.Config.Provider.RotateRefreshTokens && tokens.RefreshToken != "" && tokens.RefreshToken != rt
	if rotated {
		a.Logger.Info("refresh token rotated", "request_id", RequestIDFromContext(r.Context()))
	}
	a.Cookies.Write(w, a.Cookies.Rotate(tokens, rotated)...)
	http.Redirect(w, r, a.Config.Auth.LandingPath, http.StatusSeeOther)
	return nil
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) error {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return ErrUnauthorized
	}
	writeJSON(w, http.StatusOK, claims.Identity())
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	writeJSON(w, status, body)
}
