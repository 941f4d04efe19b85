package pkce

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// CallbackResult is the parsed form of a provider redirect.  It is one of
// CallbackSuccess, ProviderError or ValidationError.
type CallbackResult interface {
	isCallbackResult()
}

// CallbackSuccess carries the authorization code and the state echoed back by
// the provider.  It has not been checked against a pending session yet.
type CallbackSuccess struct {
	Code  string
	State string
}

// ProviderError is an OAuth2 error response.  See:
// https://www.rfc-editor.org/rfc/rfc6749#section-4.1.2.1
type ProviderError struct {
	Reason      string
	Description string
	URI         string
}

// ValidationError is a redirect that is neither a success nor a provider
// error, for example one without a code.
type ValidationError struct {
	Reason string
}

func (CallbackSuccess) isCallbackResult() {}
func (ProviderError) isCallbackResult()   {}
func (ValidationError) isCallbackResult() {}

// ParseCallback classifies a redirect's query parameters.  An error parameter
// wins over anything else in the query.
func ParseCallback(q url.Values) CallbackResult {
	if reason := q.Get("error"); reason != "" {
		return ProviderError{
			Reason:      reason,
			Description: q.Get("error_description"),
			URI:         q.Get("error_uri"),
		}
	}
	code, state := q.Get("code"), q.Get("state")
	switch {
	case code == "" && state == "":
		return ValidationError{Reason: "code and state are missing"}
	case code == "":
		return ValidationError{Reason: "code is missing"}
	case state == "":
		return ValidationError{Reason: "state is missing"}
	}
	return CallbackSuccess{Code: code, State: state}
}

// CallbackState is a state of the CallbackValidator state machine.
type CallbackState int

const (
	AwaitingRedirect CallbackState = iota
	Validating
	Valid
	ProviderRejected
	StateMismatch
	SessionExpired
)

func (s CallbackState) String() string {
	switch s {
	case AwaitingRedirect:
		return "awaiting redirect"
	case Validating:
		return "validating"
	case Valid:
		return "valid"
	case ProviderRejected:
		return "provider rejected"
	case StateMismatch:
		return "state mismatch"
	case SessionExpired:
		return "session expired"
	default:
		return fmt.Sprintf("unknown callback state %d", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s CallbackState) Terminal() bool {
	return s >= Valid
}

// Validated is what a Valid callback carries forward to the token exchange.
type Validated struct {
	Code         string
	CodeVerifier string
	State        string
}

// CallbackValidator checks one provider redirect against the pending Session
// in a Store.  A validator starts in AwaitingRedirect and is single use.
type CallbackValidator struct {
	store  Store
	logger hclog.Logger

	mu    sync.Mutex
	state CallbackState
}

// NewCallbackValidator creates a validator reading from store.
//
// Supported options: WithLogger
func NewCallbackValidator(store Store, opt ...Option) (*CallbackValidator, error) {
	const op = "pkce.NewCallbackValidator"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, ErrNilParameter)
	}
	opts := getValidatorOpts(opt...)
	return &CallbackValidator{
		store:  store,
		logger: loggerOrNull(opts.withLogger),
		state:  AwaitingRedirect,
	}, nil
}

// State returns the validator's current state.
func (v *CallbackValidator) State() CallbackState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Validate checks the redirect query q.  The pending session is taken from
// the store, so of two callbacks racing for one session only one can reach
// Valid.  On success it returns the code and the pending verifier.  Any other
// outcome leaves the store cleared and returns a *CallbackError.
func (v *CallbackValidator) Validate(ctx context.Context, q url.Values) (*Validated, error) {
	const op = "CallbackValidator.Validate"
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != AwaitingRedirect {
		return nil, fmt.Errorf("%s: validator already used (%s): %w", op, v.state, ErrInvalidParameter)
	}
	v.state = Validating

	switch r := ParseCallback(q).(type) {
	case ProviderError:
		pe := r
		return nil, v.fail(ctx, op, &CallbackError{State: ProviderRejected, Reason: r.Reason, ProviderError: &pe})
	case ValidationError:
		return nil, v.fail(ctx, op, &CallbackError{State: SessionExpired, Reason: r.Reason})
	case CallbackSuccess:
		s, err := v.store.Take(ctx)
		if err != nil {
			return nil, v.fail(ctx, op, &CallbackError{State: SessionExpired, Reason: fmt.Sprintf("unable to read pending session: %s", err)})
		}
		if s == nil {
			return nil, v.fail(ctx, op, &CallbackError{State: SessionExpired, Reason: "no pending session"})
		}
		if r.State != s.State() {
			return nil, v.fail(ctx, op, &CallbackError{State: StateMismatch, Reason: "state does not match the pending session"})
		}
		v.state = Valid
		v.logger.Debug("callback valid", "state", shortState(r.State))
		return &Validated{
			Code:         r.Code,
			CodeVerifier: s.CodeVerifier(),
			State:        r.State,
		}, nil
	default:
		return nil, fmt.Errorf("%s: unexpected callback result %T: %w", op, r, ErrInvalidParameter)
	}
}

// fail moves to the error's terminal state and clears the pending session.
func (v *CallbackValidator) fail(ctx context.Context, op string, cbErr *CallbackError) error {
	v.state = cbErr.State
	v.logger.Warn("callback rejected", "result", cbErr.State.String(), "reason", cbErr.Reason)
	if err := v.store.Clear(ctx); err != nil {
		return multierror.Append(cbErr, fmt.Errorf("%s: unable to clear pending session: %w", op, err))
	}
	return cbErr
}

// validatorOptions is the set of available options for CallbackValidator
type validatorOptions struct {
	withLogger hclog.Logger
}

func getValidatorOpts(opt ...Option) validatorOptions {
	opts := validatorOptions{}
	ApplyOpts(&opts, opt...)
	return opts
}
