package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ChallengeMethod represents PKCE code challenge methods as defined by RFC
// 7636.
type ChallengeMethod string

const (
	// S256 is SHA-256, the only method this package sends.  See:
	// https://tools.ietf.org/html/rfc7636#section-4.2
	S256 ChallengeMethod = "S256"
)

// CreateCodeChallenge derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func CreateCodeChallenge(verifier string) (string, error) {
	return CreateCodeChallengeWithMethod(S256, verifier)
}

// CreateCodeChallengeWithMethod derives a code challenge using the given
// method.  Only S256 is supported; the "plain" method is refused since it
// sends the verifier to the provider.
func CreateCodeChallengeWithMethod(method ChallengeMethod, verifier string) (string, error) {
	const op = "pkce.CreateCodeChallengeWithMethod"
	if verifier == "" {
		return "", fmt.Errorf("%s: code verifier is empty: %w", op, ErrInvalidParameter)
	}
	if method != S256 {
		return "", fmt.Errorf("%s: %q: %w", op, method, ErrUnsupportedChallenge)
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
