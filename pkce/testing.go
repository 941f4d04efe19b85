package pkce

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestExchangePath is the path of a TestBackend's exchange endpoint.
const TestExchangePath = "/auth/exchange"

// TestBackend is a local TLS server standing in for the application backend's
// token exchange endpoint.  By default it accepts any code/verifier pair and
// issues an ES256 signed JWT.
type TestBackend struct {
	httpServer *httptest.Server
	caCert     string
	key        *ecdsa.PrivateKey

	mu               sync.Mutex
	expectedCode     string
	expectedVerifier string
	replyToken       string
	replyUser        map[string]interface{}
	failStatus       int
	failBody         string
	calls            int
	lastRequest      exchangeRequest
	sawLinkCookie    bool

	t *testing.T
}

// StartTestBackend creates a disposable TestBackend which is stopped when the
// test completes.
func StartTestBackend(t *testing.T) *TestBackend {
	t.Helper()
	require := require.New(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	b := &TestBackend{
		key: key,
		replyUser: map[string]interface{}{
			"username": "alice",
			"email":    "alice@example.com",
		},
		t: t,
	}
	b.httpServer = httptest.NewUnstartedServer(b)
	b.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	b.httpServer.StartTLS()
	t.Cleanup(b.httpServer.Close)
	b.caCert = testCACert(t, b.httpServer)
	return b
}

// Stop stops the running TestBackend.
func (b *TestBackend) Stop() { b.httpServer.Close() }

// ExchangeURL returns the URL of the exchange endpoint.
func (b *TestBackend) ExchangeURL() string { return b.httpServer.URL + TestExchangePath }

// CACert returns the pem-encoded CA certificate of the backend's HTTPS server.
func (b *TestBackend) CACert() string { return b.caCert }

// SetExpected configures the only code and verifier the backend accepts.  An
// empty value accepts anything.
func (b *TestBackend) SetExpected(code, verifier string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expectedCode = code
	b.expectedVerifier = verifier
}

// SetReplyToken configures the token returned instead of a signed JWT.
func (b *TestBackend) SetReplyToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replyToken = token
}

// SetFailure forces every exchange to fail with status and body.  A zero
// status turns it off.
func (b *TestBackend) SetFailure(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStatus = status
	b.failBody = body
}

// Calls returns how many exchange requests were received.
func (b *TestBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// LastRequest returns the code and verifier of the last exchange request.
func (b *TestBackend) LastRequest() (code, verifier string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRequest.Code, b.lastRequest.CodeVerifier
}

// SawLinkCookie reports whether a request carried back the cookie set by an
// earlier response.
func (b *TestBackend) SawLinkCookie() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sawLinkCookie
}

// ServeHTTP implements the test backend's http.Handler.
func (b *TestBackend) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.t.Helper()

	if req.URL.Path != TestExchangePath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b.calls++
	if _, err := req.Cookie("backend_link"); err == nil {
		b.sawLinkCookie = true
	}
	http.SetCookie(w, &http.Cookie{Name: "backend_link", Value: "1", Path: "/", HttpOnly: true})

	var r exchangeRequest
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	b.lastRequest = r

	switch {
	case b.failStatus != 0:
		w.WriteHeader(b.failStatus)
		_, _ = w.Write([]byte(b.failBody))
		return
	case r.Code == "" || r.CodeVerifier == "":
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	case b.expectedCode != "" && r.Code != b.expectedCode,
		b.expectedVerifier != "" && r.CodeVerifier != b.expectedVerifier:
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	token := b.replyToken
	if token == "" {
		token = b.signToken()
	}
	writeTestJSON(w, http.StatusCreated, &AppSession{
		Token:     token,
		User:      b.replyUser,
		ExpiresIn: 3600,
	})
}

func (b *TestBackend) signToken() string {
	require := require.New(b.t)
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: b.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)
	now := time.Now()
	raw, err := jwt.Signed(sig).
		Claims(jwt.Claims{
			Subject:  "alice",
			Issuer:   b.httpServer.URL,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		}).
		Claims(map[string]interface{}{"roles": []string{"USER"}}).
		CompactSerialize()
	require.NoError(err)
	return raw
}

// TestProvider is a local TLS server standing in for an identity provider.
// Its /authorize endpoint redirects straight back to the redirect_uri with a
// code (or an error), and it serves an OIDC discovery document.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	mu            sync.Mutex
	authCode      string
	replyError    string
	stateOverride string
	lastAuthQuery url.Values

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider which is stopped when
// the test completes.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	p := &TestProvider{
		authCode: "test-authorization-code",
		t:        t,
	}
	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)
	p.caCert = testCACert(t, p.httpServer)
	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() { p.httpServer.Close() }

// Addr returns the provider's base URL, which is also its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// AuthURL returns the provider's authorization endpoint.
func (p *TestProvider) AuthURL() string { return p.httpServer.URL + "/authorize" }

// CACert returns the pem-encoded CA certificate of the provider's HTTPS
// server.
func (p *TestProvider) CACert() string { return p.caCert }

// Client returns an http client trusting the provider which does not follow
// redirects, so the redirect back to the client can be inspected.
func (p *TestProvider) Client() *http.Client {
	c := p.httpServer.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

// SetAuthCode configures the code returned from /authorize.
func (p *TestProvider) SetAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authCode = code
}

// SetReplyError makes /authorize redirect back with error=reason.  An empty
// reason turns it off.
func (p *TestProvider) SetReplyError(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyError = reason
}

// SetStateOverride makes /authorize echo state instead of the requested one.
func (p *TestProvider) SetStateOverride(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateOverride = state
}

// LastAuthQuery returns the query of the last /authorize request.
func (p *TestProvider) LastAuthQuery() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAuthQuery
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.t.Helper()

	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"issuer":                                p.Addr(),
			"authorization_endpoint":                p.AuthURL(),
			"token_endpoint":                        p.Addr() + "/token",
			"jwks_uri":                              p.Addr() + "/certs",
			"response_types_supported":              []string{"code"},
			"code_challenge_methods_supported":      []string{string(S256)},
			"id_token_signing_alg_values_supported": []string{"ES256"},
		})

	case "/authorize":
		qv := req.URL.Query()
		p.lastAuthQuery = qv

		redirectURI := qv.Get("redirect_uri")
		if redirectURI == "" {
			http.Error(w, "missing redirect_uri", http.StatusBadRequest)
			return
		}
		state := qv.Get("state")
		if p.stateOverride != "" {
			state = p.stateOverride
		}
		reply := url.Values{"state": {state}}
		switch {
		case p.replyError != "":
			reply.Set("error", p.replyError)
		case qv.Get("response_type") != "code":
			reply.Set("error", "unsupported_response_type")
		case qv.Get("code_verifier") != "":
			reply.Set("error", "invalid_request")
			reply.Set("error_description", "code_verifier must not be sent to the authorization endpoint")
		case qv.Get("code_challenge") == "" || qv.Get("code_challenge_method") != string(S256):
			reply.Set("error", "invalid_request")
			reply.Set("error_description", "PKCE S256 challenge required")
		default:
			reply.Set("code", p.authCode)
		}
		http.Redirect(w, req, redirectURI+"?"+reply.Encode(), http.StatusFound)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeTestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testCACert(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, err)
	return buf.String()
}
