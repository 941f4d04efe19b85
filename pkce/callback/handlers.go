package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/pkcelogin/pkce"
	"github.com/hashicorp/pkcelogin/sdk/id"
)

// TabCookieName is the session-only cookie holding the tab id.
const TabCookieName = "pkce_tab"

// ProviderParam is the Login query parameter naming the provider.
const ProviderParam = "provider"

// Login creates a handler which starts a login with the provider named by the
// "provider" query parameter and redirects the browser to it.  Failures are
// handed to eFn.
func Login(f *pkce.Flow, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "callback.Login"
	if f == nil {
		return nil, fmt.Errorf("%s: flow is nil: %w", op, pkce.ErrNilParameter)
	}
	if eFn == nil {
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, pkce.ErrNilParameter)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		tabID, err := ensureTabCookie(w, req)
		if err != nil {
			eFn(fmt.Errorf("%s: %w", op, err), w, req)
			return
		}
		ctx := pkce.WithTabID(req.Context(), tabID)
		authURL, err := f.Initiate(ctx, req.FormValue(ProviderParam))
		if err != nil {
			eFn(fmt.Errorf("%s: %w", op, err), w, req)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, req, authURL, http.StatusFound)
	}, nil
}

// Callback creates a handler for the provider's redirect.  It completes the
// login for the browser's tab and hands the outcome to sFn or eFn.
func Callback(f *pkce.Flow, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "callback.Callback"
	switch {
	case f == nil:
		return nil, fmt.Errorf("%s: flow is nil: %w", op, pkce.ErrNilParameter)
	case sFn == nil:
		return nil, fmt.Errorf("%s: success response func is nil: %w", op, pkce.ErrNilParameter)
	case eFn == nil:
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, pkce.ErrNilParameter)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		if c, err := req.Cookie(TabCookieName); err == nil && c.Value != "" {
			ctx = pkce.WithTabID(ctx, c.Value)
		}
		w.Header().Set("Cache-Control", "no-store")
		s, err := f.Complete(ctx, req.URL.Query())
		if err != nil {
			eFn(err, w, req)
			return
		}
		sFn(s, w, req)
	}, nil
}

// ensureTabCookie returns the request's tab id, setting a new session-only
// cookie when there is none.
func ensureTabCookie(w http.ResponseWriter, req *http.Request) (string, error) {
	if c, err := req.Cookie(TabCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	tabID, err := id.New("tab")
	if err != nil {
		return "", err
	}
	// no Expires or MaxAge: the cookie ends with the browser session.
	// SameSite=Lax still sends it on the provider's top-level redirect back.
	http.SetCookie(w, &http.Cookie{
		Name:     TabCookieName,
		Value:    tabID,
		Path:     "/",
		HttpOnly: true,
		Secure:   req.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return tabID, nil
}

// StatusCode maps a login error to the http status a callback page should
// answer with.
func StatusCode(err error) int {
	var exchErr *pkce.ExchangeError
	switch {
	case errors.Is(err, pkce.ErrProviderRejected), errors.Is(err, pkce.ErrStateMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, pkce.ErrSessionExpired), errors.Is(err, pkce.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.As(err, &exchErr), errors.Is(err, pkce.ErrInvalidExchangeResponse):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
