package pkce

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-multierror"
	sdkhttp "github.com/hashicorp/pkcelogin/sdk/http"
	"golang.org/x/oauth2/github"
)

const (
	// GoogleProvider and GitHubProvider name the preset providers.
	GoogleProvider = "google"
	GitHubProvider = "github"

	// GoogleIssuer is Google's OIDC issuer, usable with
	// DiscoverAuthorizationEndpoint.
	GoogleIssuer = "https://accounts.google.com"

	// GoogleAuthURL is Google's authorization endpoint.
	GoogleAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
)

var (
	// GoogleScopes are requested from Google unless WithScopes is used.
	GoogleScopes = []string{"openid", "email", "profile"}

	// GitHubScopes are requested from GitHub unless WithScopes is used.
	GitHubScopes = []string{"read:user", "user:email"}
)

// reservedParams may not be overridden by ProviderConfig.AuthURLParams.
var reservedParams = map[string]struct{}{
	"client_id":             {},
	"redirect_uri":          {},
	"response_type":         {},
	"scope":                 {},
	"state":                 {},
	"code_challenge":        {},
	"code_challenge_method": {},
	"code_verifier":         {},
}

// ProviderConfig is the static, per identity provider configuration used to
// build authorization requests.  It holds no secrets: a PKCE public client
// never has a client secret.
type ProviderConfig struct {
	// Name identifies the provider (for example "google") and is used to
	// select it in Flow.Initiate.
	Name string

	// ClientID is the OAuth2 client id registered with the provider.
	ClientID string

	// RedirectURL is where the provider sends the user agent back to.
	RedirectURL string

	// Scopes is the ordered list of scopes requested.
	Scopes []string

	// AuthorizationEndpoint is the provider's authorization URL.
	AuthorizationEndpoint string

	// AuthURLParams are extra, provider specific authorization request
	// parameters (for example GitHub's allow_signup).
	AuthURLParams map[string]string
}

// NewProviderConfig composes a new config for a provider.
//
// Supported options: WithScopes, WithAuthURLParams
func NewProviderConfig(name, clientID, redirectURL, authorizationEndpoint string, opt ...Option) (*ProviderConfig, error) {
	const op = "pkce.NewProviderConfig"
	opts := getProviderConfigOpts(opt...)
	c := &ProviderConfig{
		Name:                  strings.ToLower(name),
		ClientID:              clientID,
		RedirectURL:           redirectURL,
		Scopes:                append([]string(nil), opts.withScopes...),
		AuthorizationEndpoint: authorizationEndpoint,
		AuthURLParams:         copyParams(opts.withAuthURLParams),
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// GoogleConfig returns the preset config for Google.
//
// Supported options: WithScopes, WithAuthURLParams, WithAuthorizationEndpoint
func GoogleConfig(clientID, redirectURL string, opt ...Option) (*ProviderConfig, error) {
	opts := getProviderConfigOpts(opt...)
	opt = append([]Option{WithScopes(GoogleScopes)}, opt...)
	endpoint := GoogleAuthURL
	if opts.withAuthorizationEndpoint != "" {
		endpoint = opts.withAuthorizationEndpoint
	}
	return NewProviderConfig(GoogleProvider, clientID, redirectURL, endpoint, opt...)
}

// GitHubConfig returns the preset config for GitHub, which lets new users
// sign up during the authorization (allow_signup=true).
//
// Supported options: WithScopes, WithAuthURLParams, WithAuthorizationEndpoint
func GitHubConfig(clientID, redirectURL string, opt ...Option) (*ProviderConfig, error) {
	opts := getProviderConfigOpts(opt...)
	opt = append([]Option{
		WithScopes(GitHubScopes),
		WithAuthURLParams(map[string]string{"allow_signup": "true"}),
	}, opt...)
	endpoint := github.Endpoint.AuthURL
	if opts.withAuthorizationEndpoint != "" {
		endpoint = opts.withAuthorizationEndpoint
	}
	return NewProviderConfig(GitHubProvider, clientID, redirectURL, endpoint, opt...)
}

// Validate the provider configuration.  Every problem found is reported.
func (c *ProviderConfig) Validate() error {
	const op = "ProviderConfig.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	var retErr *multierror.Error
	if c.Name == "" {
		retErr = multierror.Append(retErr, fmt.Errorf("%s: name is empty: %w", op, ErrInvalidParameter))
	}
	if c.ClientID == "" {
		retErr = multierror.Append(retErr, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter))
	}
	if err := validateURL("redirect URL", c.RedirectURL); err != nil {
		retErr = multierror.Append(retErr, fmt.Errorf("%s: %w", op, err))
	}
	if err := validateURL("authorization endpoint", c.AuthorizationEndpoint); err != nil {
		retErr = multierror.Append(retErr, fmt.Errorf("%s: %w", op, err))
	}
	if len(c.Scopes) == 0 {
		retErr = multierror.Append(retErr, fmt.Errorf("%s: scopes are empty: %w", op, ErrInvalidParameter))
	}
	for _, s := range c.Scopes {
		if s == "" || strings.ContainsAny(s, " \t\n") {
			retErr = multierror.Append(retErr, fmt.Errorf("%s: invalid scope %q: %w", op, s, ErrInvalidParameter))
		}
	}
	for k := range c.AuthURLParams {
		if _, ok := reservedParams[k]; ok {
			retErr = multierror.Append(retErr, fmt.Errorf("%s: auth URL param %q is reserved: %w", op, k, ErrInvalidParameter))
		}
	}
	return retErr.ErrorOrNil()
}

func validateURL(what, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is empty: %w", what, ErrInvalidParameter)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is invalid: %v: %w", what, raw, err, ErrInvalidParameter)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s %q scheme is not http or https: %w", what, raw, ErrInvalidParameter)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host: %w", what, raw, ErrInvalidParameter)
	}
	if u.Fragment != "" {
		return fmt.Errorf("%s %q has a fragment: %w", what, raw, ErrInvalidParameter)
	}
	return nil
}

// DiscoverAuthorizationEndpoint resolves an OIDC issuer's authorization
// endpoint via its discovery document.  This makes an http request to the
// issuer.
//
// Supported options: WithProviderCA
func DiscoverAuthorizationEndpoint(ctx context.Context, issuer string, opt ...Option) (string, error) {
	const op = "pkce.DiscoverAuthorizationEndpoint"
	if issuer == "" {
		return "", fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	opts := getProviderConfigOpts(opt...)
	client, err := sdkhttp.NewClient(opts.withProviderCA)
	if err != nil {
		if errors.Is(err, sdkhttp.ErrInvalidCertificatePem) {
			return "", fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		return "", fmt.Errorf("%s: could not get an http client: %w", op, err)
	}
	p, err := oidc.NewProvider(sdkhttp.ClientContext(ctx, client), issuer) // makes http req to issuer for discovery
	if err != nil {
		return "", fmt.Errorf("%s: unable to discover issuer %s: %w", op, issuer, err)
	}
	endpoint := p.Endpoint().AuthURL
	if endpoint == "" {
		return "", fmt.Errorf("%s: issuer %s has no authorization endpoint: %w", op, issuer, ErrNotFound)
	}
	return endpoint, nil
}

// EnvPrefix is prepended to every environment variable read by
// ProviderConfigFromEnv.
const EnvPrefix = "PKCE_"

// ProviderConfigFromEnv loads a provider's config from the environment:
//
//	PKCE_<NAME>_CLIENT_ID      required
//	PKCE_<NAME>_REDIRECT_URI   required
//	PKCE_<NAME>_SCOPES         space separated, optional for google and github
//	PKCE_<NAME>_AUTH_ENDPOINT  optional for google and github
//	PKCE_<NAME>_ISSUER         optional, discovers the auth endpoint
//
// Supported options: WithLookupEnv, WithProviderCA
func ProviderConfigFromEnv(ctx context.Context, name string, opt ...Option) (*ProviderConfig, error) {
	const op = "pkce.ProviderConfigFromEnv"
	if name == "" {
		return nil, fmt.Errorf("%s: provider name is empty: %w", op, ErrInvalidParameter)
	}
	opts := getProviderConfigOpts(opt...)
	prefix := EnvPrefix + strings.ToUpper(name) + "_"
	get := func(k string) string {
		v, _ := opts.withLookupEnv(prefix + k)
		return strings.TrimSpace(v)
	}

	var cfgOpts []Option
	if scopes := strings.Fields(get("SCOPES")); len(scopes) > 0 {
		cfgOpts = append(cfgOpts, WithScopes(scopes))
	}
	endpoint := get("AUTH_ENDPOINT")
	if issuer := get("ISSUER"); issuer != "" && endpoint == "" {
		var err error
		if endpoint, err = DiscoverAuthorizationEndpoint(ctx, issuer, WithProviderCA(opts.withProviderCA)); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if endpoint != "" {
		cfgOpts = append(cfgOpts, WithAuthorizationEndpoint(endpoint))
	}

	var (
		c   *ProviderConfig
		err error
	)
	switch strings.ToLower(name) {
	case GoogleProvider:
		c, err = GoogleConfig(get("CLIENT_ID"), get("REDIRECT_URI"), cfgOpts...)
	case GitHubProvider:
		c, err = GitHubConfig(get("CLIENT_ID"), get("REDIRECT_URI"), cfgOpts...)
	default:
		c, err = NewProviderConfig(name, get("CLIENT_ID"), get("REDIRECT_URI"), endpoint, cfgOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, prefix, err)
	}
	return c, nil
}

func copyParams(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// providerConfigOptions is the set of available options
type providerConfigOptions struct {
	withScopes                []string
	withAuthURLParams         map[string]string
	withAuthorizationEndpoint string
	withProviderCA            string
	withLookupEnv             func(string) (string, bool)
}

// providerConfigDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func providerConfigDefaults() providerConfigOptions {
	return providerConfigOptions{
		withLookupEnv: os.LookupEnv,
	}
}

// getProviderConfigOpts gets the defaults and applies the opt overrides passed
// in.
func getProviderConfigOpts(opt ...Option) providerConfigOptions {
	opts := providerConfigDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides an optional list of scopes for the provider's config
func WithScopes(scopes []string) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerConfigOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithAuthURLParams provides optional extra authorization request parameters.
// Params are merged, so presets keep their own unless overridden.
func WithAuthURLParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerConfigOptions); ok {
			if o.withAuthURLParams == nil {
				o.withAuthURLParams = map[string]string{}
			}
			for k, v := range params {
				o.withAuthURLParams[k] = v
			}
		}
	}
}

// WithAuthorizationEndpoint overrides a preset's authorization endpoint.
func WithAuthorizationEndpoint(endpoint string) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerConfigOptions); ok {
			o.withAuthorizationEndpoint = endpoint
		}
	}
}

// WithProviderCA provides an optional CA cert used for discovery and
// exchange requests.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *providerConfigOptions:
			v.withProviderCA = cert
		case *exchangeOptions:
			v.withProviderCA = cert
		}
	}
}

// WithLookupEnv provides an optional environment lookup function, defaulting
// to os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerConfigOptions); ok && fn != nil {
			o.withLookupEnv = fn
		}
	}
}
