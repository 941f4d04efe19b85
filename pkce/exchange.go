package pkce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	sdkhttp "github.com/hashicorp/pkcelogin/sdk/http"
)

// maxExchangeBody caps how much of a backend response is read.
const maxExchangeBody = 1 << 20

// Exchanger trades a validated authorization code and its verifier for an
// AppSession.
type Exchanger interface {
	Exchange(ctx context.Context, code, codeVerifier string) (*AppSession, error)
}

// exchangeRequest is the JSON body sent to the backend.
type exchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
}

// ExchangeClient sends authorization codes to the application backend, which
// holds the client secret and talks to the provider's token endpoint.
type ExchangeClient struct {
	endpoint string
	sessions Store
	tokens   TokenStore
	client   *http.Client
	logger   hclog.Logger
}

var _ Exchanger = (*ExchangeClient)(nil)

// NewExchangeClient creates a client POSTing to the backend endpoint.  The
// sessions Store must be the one holding the pending Session: it is cleared
// after every exchange, which is a no-op when the callback validator already
// took the session.  Successful tokens are saved to tokens.
//
// Supported options: WithHTTPClient, WithLogger, WithProviderCA
func NewExchangeClient(endpoint string, sessions Store, tokens TokenStore, opt ...Option) (*ExchangeClient, error) {
	const op = "pkce.NewExchangeClient"
	if err := validateURL("exchange endpoint", endpoint); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%s: session store is nil: %w", op, ErrNilParameter)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%s: token store is nil: %w", op, ErrNilParameter)
	}
	opts := getExchangeOpts(opt...)
	client := opts.withHTTPClient
	if client == nil {
		var err error
		client, err = sdkhttp.NewCookieClient(opts.withProviderCA)
		if err != nil {
			if errors.Is(err, sdkhttp.ErrInvalidCertificatePem) {
				return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
			}
			return nil, fmt.Errorf("%s: could not get an http client: %w", op, err)
		}
	}
	return &ExchangeClient{
		endpoint: endpoint,
		sessions: sessions,
		tokens:   tokens,
		client:   client,
		logger:   loggerOrNull(opts.withLogger),
	}, nil
}

// Exchange sends the code and verifier to the backend and saves the issued
// token.  The pending session is cleared whatever the outcome: an
// authorization code is single use, so a failed exchange is never retried
// and the user has to start a new login.
func (c *ExchangeClient) Exchange(ctx context.Context, code, codeVerifier string) (_ *AppSession, retErr error) {
	const op = "ExchangeClient.Exchange"
	defer func() {
		if err := c.sessions.Clear(ctx); err != nil {
			retErr = multierror.Append(retErr, fmt.Errorf("%s: unable to clear pending session: %w", op, err))
		}
	}()

	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	if codeVerifier == "" {
		return nil, fmt.Errorf("%s: code verifier is empty: %w", op, ErrInvalidParameter)
	}

	body, err := json.Marshal(exchangeRequest{Code: code, CodeVerifier: codeVerifier})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request to %s failed: %w", op, c.endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxExchangeBody))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("token exchange rejected", "status", resp.StatusCode)
		return nil, fmt.Errorf("%s: %w", op, &ExchangeError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		})
	}

	var session AppSession
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, err, ErrInvalidExchangeResponse)
	}
	if session.Token == "" {
		return nil, fmt.Errorf("%s: response has no token: %w", op, ErrInvalidExchangeResponse)
	}
	if err := c.tokens.Save(ctx, &session); err != nil {
		return nil, fmt.Errorf("%s: unable to save token: %w", op, err)
	}
	c.logger.Debug("token exchange succeeded", "status", resp.StatusCode)
	return &session, nil
}

// exchangeOptions is the set of available options for ExchangeClient
type exchangeOptions struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
	withProviderCA string
}

func getExchangeOpts(opt ...Option) exchangeOptions {
	opts := exchangeOptions{}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithHTTPClient provides an optional http client for the ExchangeClient.
// The default client keeps cookies so the backend may link the exchange to
// its own cookie session.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*exchangeOptions); ok {
			o.withHTTPClient = c
		}
	}
}
