package pkce_test

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/pkcelogin/pkce"
)

func Example() {
	ctx := context.Background()

	// Configure the providers the user may log in with.
	google, err := pkce.GoogleConfig("your_client_id", "http://localhost:3000/oauth2/callback")
	if err != nil {
		// handle error
	}
	github, err := pkce.GitHubConfig("your_github_client_id", "http://localhost:3000/oauth2/callback")
	if err != nil {
		// handle error
	}

	// The pending login waits in a Store while the browser is away at the
	// provider, and the application token is kept in a TokenStore.
	store := pkce.NewMemoryStore()
	tokens, err := pkce.NewFileTokenStore("/path/to/token.json")
	if err != nil {
		// handle error
	}
	exchange, err := pkce.NewExchangeClient("https://your-backend.com/auth/exchange", store, tokens)
	if err != nil {
		// handle error
	}
	flow, err := pkce.NewFlow(store, exchange, []*pkce.ProviderConfig{google, github})
	if err != nil {
		// handle error
	}

	// Phase one: start a login and send the user to the provider.
	authURL, err := flow.Initiate(ctx, pkce.GoogleProvider)
	if err != nil {
		// handle error
	}
	fmt.Println("open url to kick-off authentication: ", authURL)

	// Phase two: complete the login when the provider redirects back.
	http.HandleFunc("/oauth2/callback", func(w http.ResponseWriter, r *http.Request) {
		s, err := flow.Complete(r.Context(), r.URL.Query())
		if err != nil {
			http.Error(w, pkce.UserMessage(err), http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, "logged in: %s", s)
	})
}

func ExampleCreateCodeChallenge() {
	challenge, err := pkce.CreateCodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	if err != nil {
		// handle error
	}
	fmt.Println(challenge)

	// Output:
	// E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM
}

func ExampleParseCallback() {
	switch r := pkce.ParseCallback(map[string][]string{"error": {"access_denied"}}).(type) {
	case pkce.CallbackSuccess:
		fmt.Println("code received")
	case pkce.ProviderError:
		fmt.Println("provider error:", r.Reason)
	case pkce.ValidationError:
		fmt.Println("invalid callback:", r.Reason)
	}

	// Output:
	// provider error: access_denied
}
