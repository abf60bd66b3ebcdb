package server

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"rpauth/idptest"
)

const testRedirectURI = "http://localhost:8000/auth/callback"

func newTestIDP(t *testing.T, opts idptest.Options) *idptest.Server {
	t.Helper()
	if opts.ClientSecret == "" {
		opts.ClientSecret = "secret"
	}
	return idptest.New(t, opts)
}

func providerConfigFor(idp *idptest.Server) ProviderConfig {
	return ProviderConfig{
		Issuer:       idp.Issuer(),
		ClientID:     idp.ClientID(),
		ClientSecret: "secret",
		RedirectURI:  testRedirectURI,
		Domain:       idp.URL,
		HTTPTimeout:  5 * time.Second,
		MaxRetries:   2,
	}
}

func discover(t *testing.T, idp *idptest.Server) *OIDCProvider {
	t.Helper()
	p, err := DiscoverProvider(context.Background(), providerConfigFor(idp), testLogger())
	if err != nil {
		t.Fatalf("DiscoverProvider: %v", err)
	}
	return p
}

func TestDiscoverProviderMetadata(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	p := discover(t, idp)

	md := p.Metadata()
	if md.Issuer != idp.Issuer() {
		t.Fatalf("issuer mismatch %q", md.Issuer)
	}
	if md.JWKSURI != idp.URL+"/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks uri %q", md.JWKSURI)
	}
	if md.RevocationEndpoint != idp.URL+"/oauth2/revoke" {
		t.Fatalf("unexpected revocation endpoint %q", md.RevocationEndpoint)
	}
}

func TestDiscoverProviderFallsBackToHostedRevocation(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{OmitRevocationEndpoint: true})
	p := discover(t, idp)

	if got := p.Metadata().RevocationEndpoint; got != idp.URL+"/oauth2/revoke" {
		t.Fatalf("expected revocation endpoint derived from domain, got %q", got)
	}
}

func TestDiscoverProviderFailure(t *testing.T) {
	cfg := ProviderConfig{Issuer: "http://127.0.0.1:1", HTTPTimeout: time.Second}
	if _, err := DiscoverProvider(context.Background(), cfg, testLogger()); err == nil {
		t.Fatalf("expected discovery against an unreachable issuer to fail")
	}
}

func TestAuthCodeURLCarriesPKCE(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	p := discover(t, idp)

	u, err := url.Parse(p.AuthCodeURL("challenge-value"))
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	checks := map[string]string{
		"response_type":         "code",
		"client_id":             idp.ClientID(),
		"redirect_uri":          testRedirectURI,
		"scope":                 "openid email profile",
		"code_challenge":        "challenge-value",
		"code_challenge_method": "S256",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Fatalf("%s: got %q want %q", k, got, want)
		}
	}
	if q.Has("state") {
		t.Fatalf("no state parameter expected")
	}
}

func TestExchangeWithVerifier(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	p := discover(t, idp)

	req, err := NewAuthorizationRequest()
	if err != nil {
		t.Fatalf("NewAuthorizationRequest: %v", err)
	}
	code := idp.IssueCode(req.CodeChallenge, testRedirectURI)

	tokens, err := p.Exchange(context.Background(), code, req.CodeVerifier)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("incomplete token set %+v", tokens)
	}
	if !idp.RefreshTokenValid(tokens.RefreshToken) {
		t.Fatalf("refresh token should be known to the provider")
	}
}

func TestExchangeWrongVerifierIsNotRetried(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	p := discover(t, idp)

	code := idp.IssueCode(DeriveChallenge("right-verifier-right-verifier-right-verifier"), testRedirectURI)
	_, err := p.Exchange(context.Background(), code, "wrong-verifier-wrong-verifier-wrong-verifier")

	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if got := idp.TokenRequests("authorization_code"); got != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", got)
	}
}

func TestExchangeRetriesTransientFailures(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	p := discover(t, idp)

	req, _ := NewAuthorizationRequest()
	code := idp.IssueCode(req.CodeChallenge, testRedirectURI)
	idp.FailTokenRequests(1)

	if _, err := p.Exchange(context.Background(), code, req.CodeVerifier); err != nil {
		t.Fatalf("Exchange after one transient failure: %v", err)
	}
	if got := idp.TokenRequests("authorization_code"); got != 2 {
		t.Fatalf("expected one retry, got %d attempts", got)
	}
}

func TestExchangeGivesUpAfterMaxRetries(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	cfg := providerConfigFor(idp)
	cfg.MaxRetries = 1
	p, err := DiscoverProvider(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("DiscoverProvider: %v", err)
	}

	idp.FailTokenRequests(5)
	if _, err := p.Exchange(context.Background(), "code", "verifier"); err == nil {
		t.Fatalf("expected exchange to fail")
	}
	if got := idp.TokenRequests("authorization_code"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestRefreshKeepsRefreshTokenWithoutRotation(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	p := discover(t, idp)
	rt := idp.IssueRefreshToken()

	tokens, err := p.Refresh(context.Background(), rt)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tokens.RefreshToken != rt {
		t.Fatalf("expected presented refresh token back, got %q", tokens.RefreshToken)
	}
	if tokens.IDToken == "" || tokens.AccessToken == "" {
		t.Fatalf("incomplete token set %+v", tokens)
	}
}

func TestRefreshReportsRotatedToken(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{RotateRefreshTokens: true})
	p := discover(t, idp)
	rt := idp.IssueRefreshToken()

	tokens, err := p.Refresh(context.Background(), rt)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tokens.RefreshToken == rt || tokens.RefreshToken == "" {
		t.Fatalf("expected a rotated refresh token, got %q", tokens.RefreshToken)
	}
	if idp.RefreshTokenValid(rt) {
		t.Fatalf("old refresh token should be invalidated")
	}
}

func TestRevoke(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	p := discover(t, idp)
	rt := idp.IssueRefreshToken()

	if err := p.Revoke(context.Background(), rt); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if idp.RefreshTokenValid(rt) {
		t.Fatalf("refresh token should be revoked")
	}

	idp.FailRevocation(true)
	if err := p.Revoke(context.Background(), idp.IssueRefreshToken()); err == nil {
		t.Fatalf("expected revocation failure to be reported")
	}
	if got := idp.RevokeRequests(); got != 2 {
		t.Fatalf("revocation is single attempt, got %d requests", got)
	}
}

func TestLogoutURL(t *testing.T) {
	idp := newTestIDP(t, idptest.Options{})
	p := discover(t, idp)

	u, err := url.Parse(p.LogoutURL("http://localhost:8000/me"))
	if err != nil {
		t.Fatalf("parse logout url: %v", err)
	}
	if u.Path != "/logout" || u.Query().Get("client_id") != idp.ClientID() || u.Query().Get("logout_uri") != "http://localhost:8000/me" {
		t.Fatalf("unexpected logout url %s", u)
	}
}
