// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/pkcelogin/pkce"
	"github.com/hashicorp/pkcelogin/pkce/callback"
)

// List of configuration environment variables.  Provider variables are read
// by pkce.ProviderConfigFromEnv.
const (
	exchangeURL = "PKCE_EXCHANGE_URL"
	logLevel    = "PKCE_LOG_LEVEL"
)

const attemptExp = 2 * time.Minute

func main() {
	provider := flag.String("provider", pkce.GoogleProvider, "identity provider: google or github")
	tokenFile := flag.String("token-file", "", "where the application token is stored (default: user config dir)")
	status := flag.Bool("status", false, "print the stored application token's claims and exit")
	logout := flag.Bool("logout", false, "remove the stored application token and exit")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "pkce-login",
		Level:  hclog.LevelFromString(os.Getenv(logLevel)),
		Output: os.Stderr,
	})

	path := *tokenFile
	if path == "" {
		var err error
		if path, err = pkce.DefaultTokenFile(); err != nil {
			logger.Error("unable to locate token file", "error", err)
			os.Exit(1)
		}
	}
	tokens, err := pkce.NewFileTokenStore(path)
	if err != nil {
		logger.Error("unable to open token store", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch {
	case *status:
		if err := printStatus(ctx, tokens); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	case *logout:
		if err := tokens.Clear(ctx); err != nil {
			logger.Error("logout failed", "error", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "Logged out.")
		return
	}

	if err := login(ctx, logger, *provider, tokens); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", pkce.UserMessage(err))
		logger.Debug("login failed", "error", err)
		os.Exit(1)
	}
}

func login(ctx context.Context, logger hclog.Logger, provider string, tokens pkce.TokenStore) error {
	const op = "login"
	endpoint := os.Getenv(exchangeURL)
	if endpoint == "" {
		return fmt.Errorf("%s: %s is empty", op, exchangeURL)
	}
	pc, err := pkce.ProviderConfigFromEnv(ctx, provider)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	redirect, err := url.Parse(pc.RedirectURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if host := redirect.Hostname(); host != "localhost" && host != "127.0.0.1" {
		return fmt.Errorf("%s: redirect URI %s must be a loopback address", op, pc.RedirectURL)
	}

	// one CLI process is one "tab"
	sessions := pkce.NewMemoryStore(pkce.WithLogger(logger))
	exchange, err := pkce.NewExchangeClient(endpoint, sessions, tokens, pkce.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	flow, err := pkce.NewFlow(sessions, exchange, []*pkce.ProviderConfig{pc}, pkce.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	successFn, successCh := success()
	errorFn, failedCh := failed()
	cb, err := callback.Callback(flow, successFn, errorFn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, cb)

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	defer srv.Close()

	// handle ctrl-c while waiting for the callback
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt)
	defer signal.Stop(sigintCh)

	srvCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvCh <- err
		}
	}()

	authURL, err := flow.Initiate(ctx, provider)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fmt.Fprintf(os.Stderr, "Complete the login via %s. Launching browser to:\n\n    %s\n\n\n", pc.Name, authURL)
	if err := openURL(authURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error attempting to automatically open browser: '%s'.\nPlease visit the authorization URL manually.\n", err)
	}

	// Wait for either the callback to finish, SIGINT to be received or up to 2 minutes
	select {
	case err := <-srvCh:
		return fmt.Errorf("%s: server closed with error: %w", op, err)
	case s := <-successCh:
		fmt.Fprintf(os.Stderr, "Logged in. Token saved to %s\n", describeStore(tokens))
		if len(s.User) > 0 {
			printJSON("User", s.User)
		}
		return nil
	case err := <-failedCh:
		return err
	case <-sigintCh:
		return fmt.Errorf("%s: interrupted", op)
	case <-time.After(attemptExp):
		return fmt.Errorf("%s: timed out waiting for response from provider: %w", op, pkce.ErrSessionExpired)
	}
}

func success() (callback.SuccessResponseFunc, <-chan *pkce.AppSession) {
	doneCh := make(chan *pkce.AppSession, 1)
	return func(s *pkce.AppSession, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(successHTML))
		select {
		case doneCh <- s:
		default:
		}
	}, doneCh
}

func failed() (callback.ErrorResponseFunc, <-chan error) {
	doneCh := make(chan error, 1)
	return func(e error, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(callback.StatusCode(e))
		_, _ = w.Write([]byte(pkce.UserMessage(e)))
		select {
		case doneCh <- e:
		default:
		}
	}, doneCh
}

func printStatus(ctx context.Context, tokens pkce.TokenStore) error {
	s, err := tokens.Load(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return errors.New("not logged in")
	}
	var claims map[string]interface{}
	if err := pkce.TokenClaims(s.Token, &claims); err != nil {
		fmt.Fprintf(os.Stderr, "Logged in (token is not a JWT: %s)\n", err)
		return nil
	}
	printJSON("Token claims", claims)
	return nil
}

func describeStore(tokens pkce.TokenStore) string {
	if f, ok := tokens.(*pkce.FileTokenStore); ok {
		return f.Path()
	}
	return "the token store"
}

func printJSON(label string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		fmt.Fprint(os.Stderr, err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s:%s\n", label, data)
}

// openURL opens the specified URL in the default browser of the user.
// source: https://github.com/hashicorp/vault-plugin-auth-jwt
func openURL(url string) error {
	var cmd string
	var args []string

	switch {
	case "windows" == runtime.GOOS || isWSL():
		cmd = "cmd.exe"
		args = []string{"/c", "start"}
		url = strings.Replace(url, "&", "^&", -1)
	case "darwin" == runtime.GOOS:
		cmd = "open"
	default: // "linux", "freebsd", "openbsd", "netbsd"
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}

// isWSL tests if the binary is being run in Windows Subsystem for Linux
func isWSL() bool {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return false
	}
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}

const successHTML = `
<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <title>Login complete</title>
</head>
<body>
  <p>Login complete. You can close this window and return to the terminal.</p>
</body>
</html>
`
