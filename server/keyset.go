package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultLeeway absorbs clock skew between us and the provider.
const DefaultLeeway = 30 * time.Second

// maxJWKSBody bounds the key set document we are willing to read.
const maxJWKSBody = 1 << 20

var errKeyNotFound = errors.New("signing key not found")

// KeySetConfig configures identity token verification.
type KeySetConfig struct {
	Issuer     string
	JWKSURL    string
	Audience   string
	HTTPClient *http.Client
	Leeway     time.Duration
	// Cooldown is the minimum time between fetches caused by unknown key ids. Zero selects
	// DefaultJWKSCooldown; negative disables it.
	Cooldown time.Duration
}

// KeySet verifies provider-signed identity tokens against a lazily fetched JWKS.
// Keys are cached by kid and only ever added; a kid miss triggers one coalesced refetch,
// at most once per cooldown.
type KeySet struct {
	cfg    KeySetConfig
	client *http.Client
	parser *jwt.Parser

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time

	group singleflight.Group
}

// NewKeySet creates a verifier. Nothing is fetched until the first Verify.
func NewKeySet(cfg KeySetConfig) *KeySet {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultJWKSCooldown
	}
	return &KeySet{
		cfg:    cfg,
		client: client,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
		),
		keys: make(map[string]jose.JSONWebKey),
	}
}

// Verify checks signature, issuer, audience and expiry of an identity token and returns
// its claims.
func (k *KeySet) Verify(ctx context.Context, rawToken string) (*IdentityClaims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	claims := &IdentityClaims{}
	tok, err := k.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		return k.key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}
	if claims.TokenUse != "" && claims.TokenUse != "id" {
		return nil, fmt.Errorf("unexpected token_use %q", claims.TokenUse)
	}
	return claims, nil
}

// Len reports how many keys are cached.
func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func (k *KeySet) key(ctx context.Context, kid string) (any, error) {
	if key, ok := k.lookup(kid); ok {
		return key.Key, nil
	}
	if k.coolingDown() {
		return nil, errKeyNotFound
	}

	// Concurrent misses share one fetch. The fetch is detached from any single caller so
	// one cancelled request does not fail the others waiting on it.
	_, err, _ := k.group.Do("jwks", func() (any, error) {
		timeout := k.client.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return nil, k.fetch(fetchCtx)
	})
	if err != nil {
		return nil, err
	}

	if key, ok := k.lookup(kid); ok {
		return key.Key, nil
	}
	return nil, errKeyNotFound
}

func (k *KeySet) coolingDown() bool {
	if k.cfg.Cooldown < 0 {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return !k.fetchedAt.IsZero() && time.Since(k.fetchedAt) < k.cfg.Cooldown
}

func (k *KeySet) lookup(kid string) (jose.JSONWebKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	return key, ok
}

func (k *KeySet) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.cfg.JWKSURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return upstream("fetch jwks", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return upstream("fetch jwks", fmt.Errorf("jwks fetch failed: %s", resp.Status))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBody)).Decode(&set); err != nil {
		return upstream("fetch jwks", fmt.Errorf("decode jwks: %w", err))
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.fetchedAt = time.Now()
	for _, key := range set.Keys {
		if key.KeyID == "" || !key.Valid() || !key.IsPublic() {
			continue
		}
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		k.keys[key.KeyID] = key
	}
	return nil
}
