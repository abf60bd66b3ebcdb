package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// ChallengeMethodS256 is the only challenge method we send.
	ChallengeMethodS256 = "S256"

	// verifierBytes of entropy encode to a 43 character base64url verifier.
	verifierBytes = 32
)

// AuthorizationRequest holds the PKCE pair for a single login attempt.
type AuthorizationRequest struct {
	CodeVerifier    string
	CodeChallenge   string
	ChallengeMethod string
}

// GenerateVerifier returns a fresh base64url (unpadded) code verifier.
func GenerateVerifier() (string, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DeriveChallenge computes the S256 challenge for verifier.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewAuthorizationRequest generates a verifier and its challenge.
func NewAuthorizationRequest() (AuthorizationRequest, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	return AuthorizationRequest{
		CodeVerifier:    verifier,
		CodeChallenge:   DeriveChallenge(verifier),
		ChallengeMethod: ChallengeMethodS256,
	}, nil
}
