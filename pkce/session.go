package pkce

import (
	"fmt"
	"strings"
)

const (
	// DefaultVerifierBytes is the entropy used for a new code verifier.  Hex
	// encoded it yields 128 characters, the RFC 7636 maximum.
	DefaultVerifierBytes = 64

	// DefaultStateBytes is the entropy used for a new state.
	DefaultStateBytes = 16

	// MinVerifierLen and MaxVerifierLen bound a code verifier's length.  See:
	// https://tools.ietf.org/html/rfc7636#section-4.1
	MinVerifierLen = 43
	MaxVerifierLen = 128
)

// Session is the pending half of one login attempt: the secret code verifier
// and the anti-CSRF state.  It only ever lives in a Store between
// Flow.Initiate and Flow.Complete.
type Session struct {
	codeVerifier string
	state        string
}

// NewSession creates a Session with a fresh verifier and state read from
// crypto/rand.
//
// Supported options: WithState, WithCodeVerifier
func NewSession(opt ...Option) (*Session, error) {
	const op = "pkce.NewSession"
	opts := getSessionOpts(opt...)

	verifier := opts.withCodeVerifier
	if verifier == "" {
		var err error
		if verifier, err = NewRandomString(DefaultVerifierBytes); err != nil {
			return nil, fmt.Errorf("%s: unable to generate code verifier: %w", op, err)
		}
	}
	if err := ValidateCodeVerifier(verifier); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	state := opts.withState
	if state == "" {
		var err error
		if state, err = NewRandomString(DefaultStateBytes); err != nil {
			return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
		}
	}
	if state == verifier {
		return nil, fmt.Errorf("%s: state and code verifier cannot be equal: %w", op, ErrInvalidParameter)
	}
	return &Session{
		codeVerifier: verifier,
		state:        state,
	}, nil
}

// CodeVerifier returns the secret code verifier.  It must only ever be sent
// to the token exchange backend.
func (s *Session) CodeVerifier() string { return s.codeVerifier }

// State returns the opaque state echoed back by the provider.
func (s *Session) State() string { return s.state }

// CodeChallenge returns the S256 challenge for the session's verifier.
func (s *Session) CodeChallenge() (string, error) {
	return CreateCodeChallenge(s.codeVerifier)
}

// String redacts the code verifier so a Session can be logged safely.
func (s *Session) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("pkce session (state %s)", shortState(s.state))
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// ValidateCodeVerifier checks the RFC 7636 length (43-128) and character
// (ALPHA / DIGIT / "-" / "." / "_" / "~") rules.
func ValidateCodeVerifier(v string) error {
	const op = "pkce.ValidateCodeVerifier"
	if len(v) < MinVerifierLen || len(v) > MaxVerifierLen {
		return fmt.Errorf("%s: code verifier length %d is not within %d-%d: %w", op, len(v), MinVerifierLen, MaxVerifierLen, ErrInvalidParameter)
	}
	if i := strings.IndexFunc(v, func(r rune) bool { return !isUnreserved(r) }); i >= 0 {
		return fmt.Errorf("%s: code verifier has an invalid character at %d: %w", op, i, ErrInvalidParameter)
	}
	return nil
}

func isUnreserved(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '.', r == '_', r == '~':
		return true
	}
	return false
}

// shortState returns a prefix of state which is safe to log.
func shortState(s string) string {
	const n = 6
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// sessionOptions is the set of available options for Session functions
type sessionOptions struct {
	withState        string
	withCodeVerifier string
}

// sessionDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func sessionDefaults() sessionOptions {
	return sessionOptions{}
}

// getSessionOpts gets the session defaults and applies the opt overrides passed in
func getSessionOpts(opt ...Option) sessionOptions {
	opts := sessionDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithState provides an optional state for a new Session instead of a random
// one.
func WithState(s string) Option {
	return func(o interface{}) {
		if o, ok := o.(*sessionOptions); ok {
			o.withState = s
		}
	}
}

// WithCodeVerifier provides an optional code verifier for a new Session
// instead of a random one.  It must satisfy ValidateCodeVerifier.
func WithCodeVerifier(v string) Option {
	return func(o interface{}) {
		if o, ok := o.(*sessionOptions); ok {
			o.withCodeVerifier = v
		}
	}
}
