package pkce

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter        = errors.New("invalid parameter")
	ErrNilParameter            = errors.New("nil parameter")
	ErrInvalidCACert           = errors.New("invalid CA certificate")
	ErrNotFound                = errors.New("not found")
	ErrUnknownProvider         = errors.New("unknown provider")
	ErrMissingTabID            = errors.New("missing tab id")
	ErrUnsupportedChallenge    = errors.New("unsupported PKCE challenge method")
	ErrProviderRejected        = errors.New("provider rejected authorization")
	ErrStateMismatch           = errors.New("callback state does not match pending state")
	ErrSessionExpired          = errors.New("no pending login session")
	ErrExchangeFailed          = errors.New("token exchange failed")
	ErrInvalidExchangeResponse = errors.New("invalid token exchange response")
)

// CallbackError is returned when a callback ends in a terminal state other
// than Valid. It matches the sentinel for its State via errors.Is.
type CallbackError struct {
	// State is the terminal state the validator reached.
	State CallbackState

	// Reason is a human readable reason.  For ProviderRejected it is the
	// provider's error code verbatim.
	Reason string

	// ProviderError is set when State is ProviderRejected.
	ProviderError *ProviderError
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s: %s", e.State, e.Reason)
}

// Is implements errors.Is for the callback taxonomy sentinels.
func (e *CallbackError) Is(target error) bool {
	switch e.State {
	case ProviderRejected:
		return target == ErrProviderRejected
	case StateMismatch:
		return target == ErrStateMismatch
	case SessionExpired:
		return target == ErrSessionExpired
	}
	return false
}

// ExchangeError is returned when the backend answers the token exchange with
// a non-2xx status.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrExchangeFailed, e.StatusCode, e.Body)
}

// Is matches ErrExchangeFailed.
func (e *ExchangeError) Is(target error) bool {
	return target == ErrExchangeFailed
}

// UserMessage maps an error returned by Flow.Initiate or Flow.Complete to a
// message suitable for showing to the end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderRejected):
		var cbErr *CallbackError
		if errors.As(err, &cbErr) && cbErr.Reason != "" {
			return fmt.Sprintf("The identity provider did not authorize the login (%s). Please try again.", cbErr.Reason)
		}
		return "The identity provider did not authorize the login. Please try again."
	case errors.Is(err, ErrStateMismatch):
		return "The login response did not match this browser session and was rejected. Please start the login again."
	case errors.Is(err, ErrSessionExpired):
		return "No login is in progress for this browser session. Please start the login again."
	case errors.Is(err, ErrExchangeFailed), errors.Is(err, ErrInvalidExchangeResponse):
		return "The application could not complete the login. Please start the login again."
	case errors.Is(err, ErrUnknownProvider):
		return "That login provider is not available."
	default:
		return "Login failed unexpectedly. Please try again."
	}
}
