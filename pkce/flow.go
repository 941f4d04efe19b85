package pkce

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Flow runs a PKCE login in two phases joined only by the Store and the
// provider's redirect:
//
//   - Initiate creates and stores a Session and returns the provider URL the
//     user agent must navigate to.
//   - Complete runs when the provider redirects back (a new page load, or a
//     new request), reads the pending Session from the Store, validates the
//     redirect and exchanges the code.
//
// Nothing is kept in memory between the two phases.
type Flow struct {
	providers map[string]*ProviderConfig
	store     Store
	exchange  Exchanger
	logger    hclog.Logger
}

// NewFlow creates a Flow.  The pending session is cleared after every
// exchange, whatever exchange does with its own store.
//
// Supported options: WithLogger
func NewFlow(store Store, exchange Exchanger, providers []*ProviderConfig, opt ...Option) (*Flow, error) {
	const op = "pkce.NewFlow"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, ErrNilParameter)
	}
	if exchange == nil {
		return nil, fmt.Errorf("%s: exchanger is nil: %w", op, ErrNilParameter)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%s: no providers: %w", op, ErrInvalidParameter)
	}
	m := make(map[string]*ProviderConfig, len(providers))
	for _, p := range providers {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if _, dup := m[p.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate provider %q: %w", op, p.Name, ErrInvalidParameter)
		}
		m[p.Name] = p
	}
	opts := getFlowOpts(opt...)
	return &Flow{
		providers: m,
		store:     store,
		exchange:  exchange,
		logger:    loggerOrNull(opts.withLogger),
	}, nil
}

// Providers returns the configured provider names, sorted.
func (f *Flow) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for n := range f.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Initiate starts a login with the named provider.  Any login already pending
// in the same Store scope is abandoned.
func (f *Flow) Initiate(ctx context.Context, provider string) (string, error) {
	const op = "Flow.Initiate"
	c, ok := f.providers[strings.ToLower(provider)]
	if !ok {
		return "", fmt.Errorf("%s: %q: %w", op, provider, ErrUnknownProvider)
	}
	s, err := NewSession()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := f.store.Put(ctx, s); err != nil {
		return "", fmt.Errorf("%s: unable to store pending session: %w", op, err)
	}
	authURL, err := AuthURL(c, s)
	if err != nil {
		if clearErr := f.store.Clear(ctx); clearErr != nil {
			f.logger.Error("unable to clear pending session", "error", clearErr)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	f.logger.Info("login initiated", "provider", c.Name, "state", shortState(s.State()))
	return authURL, nil
}

// Complete finishes a login from the provider's redirect query.  On success
// the application token has been saved and the pending session cleared.  On
// failure the pending session has been cleared too and the error matches one
// of ErrProviderRejected, ErrStateMismatch, ErrSessionExpired or
// ErrExchangeFailed (see UserMessage).
func (f *Flow) Complete(ctx context.Context, query url.Values) (*AppSession, error) {
	const op = "Flow.Complete"
	v, err := NewCallbackValidator(f.store, WithLogger(f.logger))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	validated, err := v.Validate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	session, err := f.exchange.Exchange(ctx, validated.Code, validated.CodeVerifier)
	// the exchanger may not share f.store
	if clearErr := f.store.Clear(ctx); clearErr != nil {
		err = multierror.Append(err, fmt.Errorf("%s: unable to clear pending session: %w", op, clearErr))
	}
	if err != nil {
		f.logger.Warn("login failed", "state", shortState(validated.State), "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	f.logger.Info("login completed", "state", shortState(validated.State))
	return session, nil
}

// flowOptions is the set of available options for Flow
type flowOptions struct {
	withLogger hclog.Logger
}

func getFlowOpts(opt ...Option) flowOptions {
	opts := flowOptions{}
	ApplyOpts(&opts, opt...)
	return opts
}
