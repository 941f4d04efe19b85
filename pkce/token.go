package pkce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/square/go-jose.v2/jwt"
)

// RedactedToken is the redacted string for an application token.
const RedactedToken = "[REDACTED: application token]"

// AppSession is the application session issued by the backend in exchange for
// an authorization code.
type AppSession struct {
	// Token is the opaque bearer credential issued by the backend.
	Token string `json:"token"`

	// User holds optional profile fields returned with the token.
	User map[string]interface{} `json:"user,omitempty"`

	// ExpiresIn is the optional token lifetime in seconds.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

// String redacts the token.
func (a *AppSession) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("app session (token %s)", RedactedToken)
}

// TokenStore is durable storage for the application session token.
type TokenStore interface {
	// Save persists a's token, replacing any existing one.
	Save(ctx context.Context, a *AppSession) error

	// Load returns the stored session, or nil and no error when there is
	// none.
	Load(ctx context.Context) (*AppSession, error)

	// Clear erases the stored session (logout).
	Clear(ctx context.Context) error
}

// AppTokenKey is the single key under which the token is stored.
const AppTokenKey = "APP_TOKEN"

// MemoryTokenStore is an in-memory TokenStore, mostly useful for tests.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

var _ TokenStore = (*MemoryTokenStore)(nil)

// Save implements TokenStore.Save.
func (m *MemoryTokenStore) Save(_ context.Context, a *AppSession) error {
	const op = "MemoryTokenStore.Save"
	if a == nil || a.Token == "" {
		return fmt.Errorf("%s: token is empty: %w", op, ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = a.Token
	return nil
}

// Load implements TokenStore.Load.
func (m *MemoryTokenStore) Load(_ context.Context) (*AppSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return nil, nil
	}
	return &AppSession{Token: m.token}, nil
}

// Clear implements TokenStore.Clear.
func (m *MemoryTokenStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

// FileTokenStore keeps the token in a JSON file readable only by the current
// user: {"APP_TOKEN": "<token>"}.
type FileTokenStore struct {
	mu   sync.Mutex
	path string
}

var _ TokenStore = (*FileTokenStore)(nil)

// NewFileTokenStore creates a FileTokenStore for path.  The file is created
// on the first Save.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	const op = "pkce.NewFileTokenStore"
	if path == "" {
		return nil, fmt.Errorf("%s: path is empty: %w", op, ErrInvalidParameter)
	}
	return &FileTokenStore{path: path}, nil
}

// DefaultTokenFile returns the default token file location in the user's
// config directory.
func DefaultTokenFile() (string, error) {
	const op = "pkce.DefaultTokenFile"
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return filepath.Join(dir, "pkcelogin", "token.json"), nil
}

// Path returns the file's location.
func (f *FileTokenStore) Path() string { return f.path }

// Save implements TokenStore.Save.  The file is replaced atomically.
func (f *FileTokenStore) Save(_ context.Context, a *AppSession) error {
	const op = "FileTokenStore.Save"
	if a == nil || a.Token == "" {
		return fmt.Errorf("%s: token is empty: %w", op, ErrInvalidParameter)
	}
	data, err := json.Marshal(map[string]string{AppTokenKey: a.Token})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("%s: unable to create directory: %w", op, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".token-*")
	if err != nil {
		return fmt.Errorf("%s: unable to create temp file: %w", op, err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: unable to write token: %w", op, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("%s: unable to replace token file: %w", op, err)
	}
	return nil
}

// Load implements TokenStore.Load.
func (f *FileTokenStore) Load(_ context.Context) (*AppSession, error) {
	const op = "FileTokenStore.Load"
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%s: token file %s is invalid: %w", op, f.path, err)
	}
	if stored[AppTokenKey] == "" {
		return nil, nil
	}
	return &AppSession{Token: stored[AppTokenKey]}, nil
}

// Clear implements TokenStore.Clear.
func (f *FileTokenStore) Clear(_ context.Context) error {
	const op = "FileTokenStore.Clear"
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// TokenClaims decodes the claims of a JWT formatted application token into
// claims WITHOUT verifying its signature.  It is for display only; the
// backend remains the authority on the token.
func TokenClaims(token string, claims interface{}) error {
	const op = "pkce.TokenClaims"
	if token == "" {
		return fmt.Errorf("%s: token is empty: %w", op, ErrInvalidParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims is nil: %w", op, ErrNilParameter)
	}
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return fmt.Errorf("%s: token is not a JWT: %w", op, err)
	}
	if err := parsed.UnsafeClaimsWithoutVerification(claims); err != nil {
		return fmt.Errorf("%s: unable to decode claims: %w", op, err)
	}
	return nil
}
