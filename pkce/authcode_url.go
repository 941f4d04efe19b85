package pkce

import (
	"fmt"

	"golang.org/x/oauth2"
)

// AuthURL builds the provider authorization URL for a pending Session.  The
// user agent is expected to navigate to it (a full page redirect); the login
// continues in Flow.Complete once the provider redirects back.
//
// Only the session's derived S256 challenge is included, never its verifier.
func AuthURL(c *ProviderConfig, s *Session) (string, error) {
	const op = "pkce.AuthURL"
	if c == nil {
		return "", fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if s == nil {
		return "", fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if s.State() == "" {
		return "", fmt.Errorf("%s: session state is empty: %w", op, ErrInvalidParameter)
	}
	challenge, err := s.CodeChallenge()
	if err != nil {
		return "", fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}

	oauth2Config := oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: c.RedirectURL,
		Endpoint:    oauth2.Endpoint{AuthURL: c.AuthorizationEndpoint},
		Scopes:      c.Scopes,
	}
	authCodeOpts := make([]oauth2.AuthCodeOption, 0, len(c.AuthURLParams)+2)
	for k, v := range c.AuthURLParams {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(k, v))
	}
	authCodeOpts = append(authCodeOpts,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", string(S256)),
	)
	// AuthCodeURL adds response_type=code, client_id, redirect_uri, scope and
	// state.
	return oauth2Config.AuthCodeURL(s.State(), authCodeOpts...), nil
}
