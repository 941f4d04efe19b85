// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: MPL-2.0

package pkce

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedirectURL = "http://127.0.0.1:3000/oauth2/callback"

func testProviderConfig(t *testing.T, name, endpoint string) *ProviderConfig {
	t.Helper()
	c, err := NewProviderConfig(name, "test-client", testRedirectURL, endpoint, WithScopes([]string{"openid", "email"}))
	require.NoError(t, err)
	return c
}

type testFlow struct {
	flow     *Flow
	store    *MemoryStore
	tokens   *MemoryTokenStore
	backend  *TestBackend
	provider *TestProvider
}

func newTestFlow(t *testing.T) *testFlow {
	t.Helper()
	require := require.New(t)
	tf := &testFlow{
		store:    NewMemoryStore(),
		tokens:   &MemoryTokenStore{},
		backend:  StartTestBackend(t),
		provider: StartTestProvider(t),
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Debug})
	ex, err := NewExchangeClient(tf.backend.ExchangeURL(), tf.store, tf.tokens, WithProviderCA(tf.backend.CACert()), WithLogger(logger))
	require.NoError(err)
	tf.flow, err = NewFlow(tf.store, ex, []*ProviderConfig{
		testProviderConfig(t, "test", tf.provider.AuthURL()),
		testProviderConfig(t, "other", "https://other.example.com/authorize"),
	}, WithLogger(logger))
	require.NoError(err)
	return tf
}

func TestNewFlow(t *testing.T) {
	store := NewMemoryStore()
	ex := &testExchanger{}
	valid := testProviderConfig(t, "test", "https://idp.example.com/authorize")
	tests := []struct {
		name      string
		store     Store
		exchange  Exchanger
		providers []*ProviderConfig
		wantIsErr error
	}{
		{name: "valid", store: store, exchange: ex, providers: []*ProviderConfig{valid}},
		{name: "nil-store", exchange: ex, providers: []*ProviderConfig{valid}, wantIsErr: ErrNilParameter},
		{name: "nil-exchange", store: store, providers: []*ProviderConfig{valid}, wantIsErr: ErrNilParameter},
		{name: "no-providers", store: store, exchange: ex, wantIsErr: ErrInvalidParameter},
		{name: "duplicate", store: store, exchange: ex, providers: []*ProviderConfig{valid, valid}, wantIsErr: ErrInvalidParameter},
		{name: "invalid-provider", store: store, exchange: ex, providers: []*ProviderConfig{{Name: "bad"}}, wantIsErr: ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			f, err := NewFlow(tt.store, tt.exchange, tt.providers)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Nil(f)
				assert.ErrorIs(err, tt.wantIsErr)
				return
			}
			require.NoError(err)
			assert.Equal([]string{"test"}, f.Providers())
		})
	}
}

func TestFlow_Initiate(t *testing.T) {
	ctx := context.Background()
	t.Run("stores-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tf := newTestFlow(t)
		assert.Equal([]string{"other", "test"}, tf.flow.Providers())

		authURL, err := tf.flow.Initiate(ctx, "TEST")
		require.NoError(err)
		assert.True(strings.HasPrefix(authURL, tf.provider.AuthURL()+"?"))

		s, err := tf.store.Get(ctx)
		require.NoError(err)
		require.NotNil(s)

		u, err := url.Parse(authURL)
		require.NoError(err)
		q := u.Query()
		assert.Equal(s.State(), q.Get("state"))
		challenge, err := s.CodeChallenge()
		require.NoError(err)
		assert.Equal(challenge, q.Get("code_challenge"))
		assert.Equal("S256", q.Get("code_challenge_method"))
		assert.NotContains(authURL, s.CodeVerifier())
	})
	t.Run("new-login-replaces-pending", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tf := newTestFlow(t)
		_, err := tf.flow.Initiate(ctx, "test")
		require.NoError(err)
		first, err := tf.store.Get(ctx)
		require.NoError(err)
		_, err = tf.flow.Initiate(ctx, "other")
		require.NoError(err)
		second, err := tf.store.Get(ctx)
		require.NoError(err)
		assert.NotEqual(first.State(), second.State())
		assert.NotEqual(first.CodeVerifier(), second.CodeVerifier())
	})
	t.Run("unknown-provider", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tf := newTestFlow(t)
		_, err := tf.flow.Initiate(ctx, "facebook")
		assert.ErrorIs(err, ErrUnknownProvider)
		s, err := tf.store.Get(ctx)
		require.NoError(err)
		assert.Nil(s)
	})
}

func TestFlow_Complete(t *testing.T) {
	ctx := context.Background()
	const (
		verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
		state    = "af0ifjsldkj"
	)
	pending := func(t *testing.T, tf *testFlow) {
		t.Helper()
		require.NoError(t, tf.store.Put(ctx, testSession(t, WithCodeVerifier(verifier), WithState(state))))
	}
	assertCleared := func(t *testing.T, tf *testFlow) {
		t.Helper()
		s, err := tf.store.Get(ctx)
		require.NoError(t, err)
		assert.Nil(t, s, "pending session must be cleared")
	}

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tf := newTestFlow(t)
		pending(t, tf)
		tf.backend.SetExpected("C", verifier)
		tf.backend.SetReplyToken("abc")

		got, err := tf.flow.Complete(ctx, url.Values{"code": {"C"}, "state": {state}})
		require.NoError(err)
		assert.Equal("abc", got.Token)
		saved, err := tf.tokens.Load(ctx)
		require.NoError(err)
		assert.Equal("abc", saved.Token)
		assertCleared(t, tf)
	})
	t.Run("state-mismatch", func(t *testing.T) {
		assert := assert.New(t)
		tf := newTestFlow(t)
		pending(t, tf)

		_, err := tf.flow.Complete(ctx, url.Values{"code": {"C"}, "state": {"wrong"}})
		assert.ErrorIs(err, ErrStateMismatch)
		assert.Equal(0, tf.backend.Calls(), "no exchange after a mismatch")
		assertCleared(t, tf)
	})
	t.Run("exchange-rejected", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tf := newTestFlow(t)
		pending(t, tf)
		tf.backend.SetFailure(http.StatusBadRequest, `{"error":"invalid_grant"}`)

		_, err := tf.flow.Complete(ctx, url.Values{"code": {"C"}, "state": {state}})
		assert.ErrorIs(err, ErrExchangeFailed)
		var exErr *ExchangeError
		require.True(errors.As(err, &exErr))
		assert.Equal(http.StatusBadRequest, exErr.StatusCode)
		saved, err := tf.tokens.Load(ctx)
		require.NoError(err)
		assert.Nil(saved)
		assertCleared(t, tf)
	})
	t.Run("provider-error", func(t *testing.T) {
		assert := assert.New(t)
		tf := newTestFlow(t)
		pending(t, tf)
		_, err := tf.flow.Complete(ctx, url.Values{"error": {"access_denied"}, "state": {state}})
		assert.ErrorIs(err, ErrProviderRejected)
		assert.Equal(0, tf.backend.Calls())
		assertCleared(t, tf)
	})
	t.Run("no-pending-session", func(t *testing.T) {
		assert := assert.New(t)
		tf := newTestFlow(t)
		_, err := tf.flow.Complete(ctx, url.Values{"code": {"C"}, "state": {state}})
		assert.ErrorIs(err, ErrSessionExpired)
		assert.Equal(0, tf.backend.Calls())
	})
	t.Run("replayed-callback", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tf := newTestFlow(t)
		pending(t, tf)
		q := url.Values{"code": {"C"}, "state": {state}}
		_, err := tf.flow.Complete(ctx, q)
		require.NoError(err)
		_, err = tf.flow.Complete(ctx, q)
		assert.ErrorIs(err, ErrSessionExpired)
		assert.Equal(1, tf.backend.Calls())
	})
}

func TestFlow_endToEnd(t *testing.T) {
	ctx := context.Background()
	follow := func(t *testing.T, tf *testFlow, authURL string) url.Values {
		t.Helper()
		require := require.New(t)
		resp, err := tf.provider.Client().Get(authURL)
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusFound, resp.StatusCode)
		loc, err := resp.Location()
		require.NoError(err)
		require.True(strings.HasPrefix(loc.String(), testRedirectURL+"?"))
		return loc.Query()
	}

	t.Run("login", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tf := newTestFlow(t)
		tf.provider.SetAuthCode("e2e-code")
		authURL, err := tf.flow.Initiate(ctx, "test")
		require.NoError(err)
		pendingSession, err := tf.store.Get(ctx)
		require.NoError(err)

		got, err := tf.flow.Complete(ctx, follow(t, tf, authURL))
		require.NoError(err)

		var claims map[string]interface{}
		require.NoError(TokenClaims(got.Token, &claims))
		assert.Equal("alice", claims["sub"])

		code, verifier := tf.backend.LastRequest()
		assert.Equal("e2e-code", code)
		assert.Equal(pendingSession.CodeVerifier(), verifier)
		assert.Empty(tf.provider.LastAuthQuery().Get("code_verifier"))
	})
	t.Run("user-denied", func(t *testing.T) {
		assert := assert.New(t)
		tf := newTestFlow(t)
		tf.provider.SetReplyError("access_denied")
		authURL, err := tf.flow.Initiate(ctx, "test")
		require.NoError(t, err)
		_, err = tf.flow.Complete(ctx, follow(t, tf, authURL))
		assert.ErrorIs(err, ErrProviderRejected)
		assert.Contains(UserMessage(err), "access_denied")
	})
	t.Run("forged-state", func(t *testing.T) {
		tf := newTestFlow(t)
		tf.provider.SetStateOverride("attacker-state")
		authURL, err := tf.flow.Initiate(ctx, "test")
		require.NoError(t, err)
		_, err = tf.flow.Complete(ctx, follow(t, tf, authURL))
		assert.ErrorIs(t, err, ErrStateMismatch)
		assert.Equal(t, 0, tf.backend.Calls())
	})
	t.Run("two-tabs", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tf := newTestFlow(t)
		tabs, err := NewTabStore()
		require.NoError(err)
		ex, err := NewExchangeClient(tf.backend.ExchangeURL(), tabs, tf.tokens, WithProviderCA(tf.backend.CACert()))
		require.NoError(err)
		f, err := NewFlow(tabs, ex, []*ProviderConfig{testProviderConfig(t, "test", tf.provider.AuthURL())})
		require.NoError(err)

		tab1, tab2 := WithTabID(ctx, "tab-1"), WithTabID(ctx, "tab-2")
		url1, err := f.Initiate(tab1, "test")
		require.NoError(err)
		url2, err := f.Initiate(tab2, "test")
		require.NoError(err)

		_, err = f.Complete(tab1, follow(t, tf, url1))
		require.NoError(err)
		_, err = f.Complete(tab2, follow(t, tf, url2))
		require.NoError(err)
		assert.Equal(0, tabs.Len())
	})
}

func TestFlow_Complete_overlappingCallbacks(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	backend := StartTestBackend(t)
	inner := NewMemoryStore()

	// both callbacks finish taking the pending session before either goes on
	const callbacks = 2
	st := &testBarrierStore{Store: inner}
	st.wg.Add(callbacks)

	ex, err := NewExchangeClient(backend.ExchangeURL(), st, &MemoryTokenStore{}, WithProviderCA(backend.CACert()))
	require.NoError(err)
	f, err := NewFlow(st, ex, []*ProviderConfig{testProviderConfig(t, "test", "https://idp.example.com/authorize")})
	require.NoError(err)

	s := testSession(t)
	require.NoError(inner.Put(ctx, s))
	q := url.Values{"code": {"C"}, "state": {s.State()}}

	errs := make([]error, callbacks)
	var wg sync.WaitGroup
	for i := 0; i < callbacks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.Complete(ctx, q)
		}(i)
	}
	wg.Wait()

	var succeeded, expired int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSessionExpired):
			expired++
		default:
			t.Errorf("unexpected error: %s", err)
		}
	}
	assert.Equal(1, succeeded)
	assert.Equal(1, expired)
	assert.Equal(1, backend.Calls(), "the code is exchanged once")
}

func TestFlow_Complete_clearsWithAnyExchanger(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		ex   *testExchanger
	}{
		{"success", &testExchanger{session: &AppSession{Token: "abc"}}},
		{"failure", &testExchanger{err: &ExchangeError{StatusCode: http.StatusBadRequest}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			st := &testCountingStore{Store: NewMemoryStore()}
			f, err := NewFlow(st, tt.ex, []*ProviderConfig{testProviderConfig(t, "test", "https://idp.example.com/authorize")})
			require.NoError(err)
			s := testSession(t)
			require.NoError(st.Put(ctx, s))

			_, err = f.Complete(ctx, url.Values{"code": {"C"}, "state": {s.State()}})
			if tt.ex.err != nil {
				assert.ErrorIs(err, ErrExchangeFailed)
			} else {
				require.NoError(err)
			}
			assert.Equal(1, tt.ex.calls)
			assert.Equal(1, st.clears)
			pending, err := st.Get(ctx)
			require.NoError(err)
			assert.Nil(pending)
		})
	}
}

// testBarrierStore holds every Take until wg is done.
type testBarrierStore struct {
	Store
	wg sync.WaitGroup
}

func (s *testBarrierStore) Take(ctx context.Context) (*Session, error) {
	got, err := s.Store.Take(ctx)
	s.wg.Done()
	s.wg.Wait()
	return got, err
}

// testCountingStore counts calls to Clear.
type testCountingStore struct {
	Store
	clears int
}

func (s *testCountingStore) Clear(ctx context.Context) error {
	s.clears++
	return s.Store.Clear(ctx)
}

// testExchanger is an Exchanger returning a fixed result.
type testExchanger struct {
	session *AppSession
	err     error
	calls   int
}

func (e *testExchanger) Exchange(context.Context, string, string) (*AppSession, error) {
	e.calls++
	return e.session, e.err
}
