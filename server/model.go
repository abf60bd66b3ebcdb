package server

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSet is what the provider hands back for an authorization code or a refresh token.
// The access token is opaque to us; only the ID token is parsed.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	IssuedAt     time.Time
	Expiry       time.Time
}

// IdentityClaims are the verified ID token claims the relying party cares about.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	TokenUse string `json:"token_use,omitempty"`
	Username string `json:"cognito:username,omitempty"`
}

// Identity is the public view returned by the identity endpoint.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Identity projects the claims onto the fields exposed to the browser.
func (c *IdentityClaims) Identity() Identity {
	return Identity{ID: c.Subject, Email: c.Email, Name: c.Name}
}
