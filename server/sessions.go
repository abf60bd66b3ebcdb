package server

import (
	"net/http"
	"time"
)

// Cookie names. The browser-side cookie set is the whole session; nothing is kept server side.
const (
	VerifierCookie     = "code_verifier"
	AccessTokenCookie  = "accessToken"
	IDTokenCookie      = "idToken"
	RefreshTokenCookie = "refreshToken"
)

// Token cookie lifetimes.
const (
	AccessTokenTTL  = time.Hour
	IDTokenTTL      = time.Hour
	RefreshTokenTTL = 5 * 24 * time.Hour
)

// CookieStore decides every cookie the relying party writes. Handlers never build token
// cookies themselves.
type CookieStore struct {
	secure bool
	domain string
}

// NewCookieStore honours the dev mode and cookie domain settings.
func NewCookieStore(cfg Config) *CookieStore {
	return &CookieStore{
		secure: !cfg.Server.DevMode,
		domain: cfg.Server.CookieDomain,
	}
}

// Verifier stores the PKCE code verifier for the duration of one login.
func (cs *CookieStore) Verifier(verifier string) *http.Cookie {
	return &http.Cookie{
		Name:     VerifierCookie,
		Value:    verifier,
		Path:     "/",
		Domain:   cs.domain,
		HttpOnly: true,
		Secure:   cs.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearVerifier expires the verifier cookie.
func (cs *CookieStore) ClearVerifier() *http.Cookie {
	return cs.expired(VerifierCookie)
}

// Issue returns the three token cookies for a fresh login.
func (cs *CookieStore) Issue(tokens TokenSet) []*http.Cookie {
	return []*http.Cookie{
		cs.token(AccessTokenCookie, tokens.AccessToken, AccessTokenTTL),
		cs.token(IDTokenCookie, tokens.IDToken, IDTokenTTL),
		cs.token(RefreshTokenCookie, tokens.RefreshToken, RefreshTokenTTL),
	}
}

// Rotate returns the cookies for a refresh. The refresh cookie is only rewritten when the
// provider handed out a new refresh token.
func (cs *CookieStore) Rotate(tokens TokenSet, rotated bool) []*http.Cookie {
	cookies := []*http.Cookie{
		cs.token(AccessTokenCookie, tokens.AccessToken, AccessTokenTTL),
		cs.token(IDTokenCookie, tokens.IDToken, IDTokenTTL),
	}
	if rotated && tokens.RefreshToken != "" {
		cookies = append(cookies, cs.token(RefreshTokenCookie, tokens.RefreshToken, RefreshTokenTTL))
	}
	return cookies
}

// Clear expires all three token cookies.
func (cs *CookieStore) Clear() []*http.Cookie {
	return []*http.Cookie{
		cs.expired(AccessTokenCookie),
		cs.expired(IDTokenCookie),
		cs.expired(RefreshTokenCookie),
	}
}

// Tokens reads whatever token cookies the request carries. Missing cookies leave the
// corresponding field empty.
func (cs *CookieStore) Tokens(r *http.Request) TokenSet {
	return TokenSet{
		AccessToken:  cookieValue(r, AccessTokenCookie),
		IDToken:      cookieValue(r, IDTokenCookie),
		RefreshToken: cookieValue(r, RefreshTokenCookie),
	}
}

// VerifierFrom returns the PKCE verifier cookie value, or "" when absent.
func (cs *CookieStore) VerifierFrom(r *http.Request) string {
	return cookieValue(r, VerifierCookie)
}

// Write sets the given cookies on the response.
func (cs *CookieStore) Write(w http.ResponseWriter, cookies ...*http.Cookie) {
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
}

func (cs *CookieStore) token(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cs.domain,
		MaxAge:   int(ttl / time.Second),
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		Secure:   cs.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (cs *CookieStore) expired(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   cs.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   cs.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
