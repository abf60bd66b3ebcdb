// Package idptest runs an in-process OAuth2/OIDC provider shaped like a Cognito user pool
// for use in tests. It signs real RS256 identity tokens and enforces PKCE.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// User is the identity the provider logs in on every authorization request.
type User struct {
	Subject string
	Email   string
	Name    string
}

// Options configures the fake provider.
type Options struct {
	ClientID     string
	ClientSecret string
	User         User
	// RotateRefreshTokens makes every refresh grant return a new refresh token and
	// invalidate the presented one.
	RotateRefreshTokens bool
	// OmitRevocationEndpoint leaves revocation_endpoint out of discovery, as Cognito does.
	OmitRevocationEndpoint bool
	TokenTTL               time.Duration
}

type signingKey struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
}

type pendingCode struct {
	challenge   string
	redirectURI string
}

// Server is a running fake provider.
type Server struct {
	*httptest.Server

	opts Options

	mu             sync.Mutex
	current        signingKey
	previous       []signingKey
	codes          map[string]pendingCode
	refreshTokens  map[string]bool
	tokenRequests  map[string]int
	jwksRequests   int
	revokeRequests int
	failRevoke     bool
	failTokens     int
}

// New starts a provider and stops it when the test ends.
func New(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.ClientID == "" {
		opts.ClientID = "test-client"
	}
	if opts.User.Subject == "" {
		opts.User = User{Subject: "user-123", Email: "user@example.com", Name: "Test User"}
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = time.Hour
	}

	s := &Server{
		opts:          opts,
		codes:         make(map[string]pendingCode),
		refreshTokens: make(map[string]bool),
		tokenRequests: make(map[string]int),
	}
	if err := s.RotateKey(); err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/oauth2/authorize", s.handleAuthorize)
	r.Post("/oauth2/token", s.handleToken)
	r.Post("/oauth2/revoke", s.handleRevoke)
	r.Get("/logout", s.handleLogout)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Issuer is the issuer identifier, which is also the discovery base URL.
func (s *Server) Issuer() string {
	return s.URL
}

// ClientID is the registered client.
func (s *Server) ClientID() string {
	return s.opts.ClientID
}

// RotateKey generates a new signing key. The previous key stays published.
func (s *Server) RotateKey() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	next := signingKey{
		private: key,
		jwk:     jose.JSONWebKey{Key: key, KeyID: randomString(8), Algorithm: string(jose.RS256), Use: "sig"},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.private != nil {
		s.previous = append([]signingKey{s.current}, s.previous...)
		if len(s.previous) > 1 {
			s.previous = s.previous[:1]
		}
	}
	s.current = next
	return nil
}

// IDTokenClaims returns the claims the provider would put into an identity token for the
// configured user.
func (s *Server) IDTokenClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":              s.Issuer(),
		"sub":              s.opts.User.Subject,
		"aud":              s.opts.ClientID,
		"iat":              now.Unix(),
		"auth_time":        now.Unix(),
		"exp":              now.Add(s.opts.TokenTTL).Unix(),
		"token_use":        "id",
		"email":            s.opts.User.Email,
		"name":             s.opts.User.Name,
		"cognito:username": s.opts.User.Subject,
	}
}

// SignIDToken signs claims with the current key.
func (s *Server) SignIDToken(claims jwt.MapClaims) (string, error) {
	s.mu.Lock()
	key := s.current
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.jwk.KeyID
	return token.SignedString(key.private)
}

// IssueCode registers an authorization code as if the user had just logged in.
func (s *Server) IssueCode(challenge, redirectURI string) string {
	code := randomString(16)
	s.mu.Lock()
	s.codes[code] = pendingCode{challenge: challenge, redirectURI: redirectURI}
	s.mu.Unlock()
	return code
}

// IssueRefreshToken registers a valid refresh token.
func (s *Server) IssueRefreshToken() string {
	rt := randomString(24)
	s.mu.Lock()
	s.refreshTokens[rt] = true
	s.mu.Unlock()
	return rt
}

// RefreshTokenValid reports whether rt can still be redeemed.
func (s *Server) RefreshTokenValid(rt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshTokens[rt]
}

// TokenRequests counts token endpoint calls for a grant type.
func (s *Server) TokenRequests(grantType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests[grantType]
}

// JWKSRequests counts key set downloads.
func (s *Server) JWKSRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jwksRequests
}

// RevokeRequests counts revocation calls.
func (s *Server) RevokeRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeRequests
}

// FailRevocation makes the revocation endpoint answer 503.
func (s *Server) FailRevocation(fail bool) {
	s.mu.Lock()
	s.failRevoke = fail
	s.mu.Unlock()
}

// FailTokenRequests makes the next n token endpoint calls answer 500.
func (s *Server) FailTokenRequests(n int) {
	s.mu.Lock()
	s.failTokens = n
	s.mu.Unlock()
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := s.Issuer()
	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth2/authorize",
		"token_endpoint":                        issuer + "/oauth2/token",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "email", "profile"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	}
	if !s.opts.OmitRevocationEndpoint {
		doc["revocation_endpoint"] = issuer + "/oauth2/revoke"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.jwksRequests++
	keys := []jose.JSONWebKey{s.current.jwk.Public()}
	for _, prev := range s.previous {
		keys = append(keys, prev.jwk.Public())
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: keys})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != s.opts.ClientID || q.Get("response_type") != "code" {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	code := s.IssueCode(q.Get("code_challenge"), redirectURI)
	params := target.Query()
	params.Set("code", code)
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	grantType := r.PostForm.Get("grant_type")

	s.mu.Lock()
	s.tokenRequests[grantType]++
	failing := s.failTokens > 0
	if failing {
		s.failTokens--
	}
	s.mu.Unlock()

	if failing {
		oauthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !s.clientAuthenticated(r) {
		oauthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch grantType {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.exchangeRefresh(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")

	s.mu.Lock()
	pending, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok || pending.redirectURI != r.PostForm.Get("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != pending.challenge {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	s.writeTokens(w, s.IssueRefreshToken())
}

func (s *Server) exchangeRefresh(w http.ResponseWriter, r *http.Request) {
	presented := r.PostForm.Get("refresh_token")
	if !s.RefreshTokenValid(presented) {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	if !s.opts.RotateRefreshTokens {
		s.writeTokens(w, "")
		return
	}

	s.mu.Lock()
	delete(s.refreshTokens, presented)
	s.mu.Unlock()
	s.writeTokens(w, s.IssueRefreshToken())
}

func (s *Server) writeTokens(w http.ResponseWriter, refreshToken string) {
	idToken, err := s.SignIDToken(s.IDTokenClaims())
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := map[string]any{
		"access_token": randomString(24),
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   int(s.opts.TokenTTL / time.Second),
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.revokeRequests++
	fail := s.failRevoke
	s.mu.Unlock()

	if fail {
		oauthError(w, http.StatusServiceUnavailable, "temporarily_unavailable")
		return
	}
	if err := r.ParseForm(); err != nil || !s.clientAuthenticated(r) {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.mu.Lock()
	delete(s.refreshTokens, r.PostForm.Get("token"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != s.opts.ClientID || q.Get("logout_uri") == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	http.Redirect(w, r, q.Get("logout_uri"), http.StatusFound)
}

func (s *Server) clientAuthenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	return id == s.opts.ClientID && secret == s.opts.ClientSecret
}

func oauthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
