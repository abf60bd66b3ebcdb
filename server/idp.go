package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider represents the minimal behaviour required from the upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier string) (TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
	Revoke(ctx context.Context, refreshToken string) error
	LogoutURL(returnTo string) string
}

// ProviderMetadata is the part of the discovery document we depend on.
type ProviderMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	ScopesSupported               []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// OIDCProvider wraps the discovered upstream IdP and our client registration.
type OIDCProvider struct {
	metadata     ProviderMetadata
	oauthConfig  *oauth2.Config
	client       *http.Client
	domain       string
	clientID     string
	clientSecret string
	maxRetries   int
	logger       *slog.Logger
}

// DiscoverProvider resolves the provider metadata once. The caller must treat an error as
// fatal: nothing can be served without it.
func DiscoverProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*OIDCProvider, error) {
	issuer := cfg.IssuerURL()
	if issuer == "" {
		return nil, errors.New("issuer required for provider")
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := &http.Client{Timeout: timeout}

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", issuer, err)
	}

	var md ProviderMetadata
	if err := op.Claims(&md); err != nil {
		return nil, fmt.Errorf("decode provider metadata: %w", err)
	}
	if md.JWKSURI == "" {
		return nil, fmt.Errorf("provider %s publishes no jwks_uri", issuer)
	}
	if len(md.CodeChallengeMethodsSupported) > 0 && !slices.Contains(md.CodeChallengeMethodsSupported, ChallengeMethodS256) {
		return nil, fmt.Errorf("provider %s does not support %s code challenges", issuer, ChallengeMethodS256)
	}
	domain := strings.TrimSuffix(cfg.Domain, "/")
	if md.RevocationEndpoint == "" {
		// Cognito serves revocation from the hosted domain and leaves it out of discovery.
		md.RevocationEndpoint = domain + "/oauth2/revoke"
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}

	logger.Info("provider discovered",
		"issuer", md.Issuer,
		"token_endpoint", md.TokenEndpoint,
		"jwks_uri", md.JWKSURI,
		"revocation_endpoint", md.RevocationEndpoint,
	)

	return &OIDCProvider{
		metadata:     md,
		oauthConfig:  oauthCfg,
		client:       client,
		domain:       domain,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		maxRetries:   cfg.MaxRetries,
		logger:       logger,
	}, nil
}

// Metadata returns the discovered provider metadata.
func (p *OIDCProvider) Metadata() ProviderMetadata {
	return p.metadata
}

// HTTPClient is the timed client used for every call to the provider.
func (p *OIDCProvider) HTTPClient() *http.Client {
	return p.client
}

// AuthCodeURL constructs the authorization request carrying the PKCE challenge.
func (p *OIDCProvider) AuthCodeURL(codeChallenge string) string {
	return p.oauthConfig.AuthCodeURL("",
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
	)
}

// Exchange redeems an authorization code together with its PKCE verifier.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (TokenSet, error) {
	var tok *oauth2.Token
	err := p.withRetry(ctx, "exchange code", func(ctx context.Context) error {
		var err error
		tok, err = p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
		return err
	})
	if err != nil {
		return TokenSet{}, err
	}
	return tokenSetFrom(tok)
}

// Refresh trades a refresh token for a new access and identity token. The returned
// RefreshToken equals the presented one unless the provider rotated it.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	var tok *oauth2.Token
	err := p.withRetry(ctx, "refresh token", func(ctx context.Context) error {
		var err error
		tok, err = p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		return err
	})
	if err != nil {
		return TokenSet{}, err
	}
	set, err := tokenSetFrom(tok)
	if err != nil {
		return TokenSet{}, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

// Revoke invalidates a refresh token at the provider. Single attempt.
func (p *OIDCProvider) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("token", refreshToken)
	form.Set("token_type_hint", "refresh_token")
	if p.clientSecret == "" {
		form.Set("client_id", p.clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.metadata.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(p.clientID), url.QueryEscape(p.clientSecret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return upstream("revoke token", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return upstream("revoke token", fmt.Errorf("provider returned %s", resp.Status))
	}
	return nil
}

// LogoutURL builds the hosted UI logout URL that ends the provider session and sends the
// browser back to returnTo.
func (p *OIDCProvider) LogoutURL(returnTo string) string {
	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("logout_uri", returnTo)
	return p.domain + "/logout?" + q.Encode()
}

func (p *OIDCProvider) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	retries := p.maxRetries
	if retries < 0 {
		retries = 0
	}

	callCtx := oidc.ClientContext(ctx, p.client)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		p.logger.Warn("provider call failed", "op", op, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
	if err != nil {
		return upstream(op, err)
	}
	return nil
}

// isTransient reports whether a token endpoint failure is worth another attempt: transport
// errors and 5xx answers are, OAuth error responses are not.
func isTransient(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.Response != nil && rerr.Response.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func tokenSetFrom(tok *oauth2.Token) (TokenSet, error) {
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return TokenSet{}, upstream("token response", errors.New("id_token missing in response"))
	}
	return TokenSet{
		AccessToken:  tok.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     time.Now(),
		Expiry:       tok.Expiry,
	}, nil
}
