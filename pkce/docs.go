/*
pkce is a package for logging users in with an OAuth2 identity provider
(Google, GitHub) using the authorization code flow with PKCE, where an
application backend, not this client, holds the client secret and trades the
authorization code for an application token.

# Primary types provided by the package

  - Session: the pending half of one login, a secret code verifier and an
    anti-CSRF state. Only its S256 challenge is ever sent to the provider.

  - Store: where the pending Session waits while the user agent is away at
    the provider. MemoryStore holds one; TabStore holds one per browser tab;
    KVStore keeps one as two entries in tab-scoped key/value storage.

  - ProviderConfig: the static configuration of a provider (client id,
    redirect URL, scopes, authorization endpoint). See GoogleConfig,
    GitHubConfig and ProviderConfigFromEnv.

  - CallbackValidator: checks the provider's redirect against the pending
    Session, taking it from the Store so it is used at most once.

  - ExchangeClient: sends the code and verifier to the backend and saves the
    AppSession it issues in a TokenStore.

  - Flow: ties it all together in two phases, Initiate and Complete.

# The pkce.callback package

The callback package includes http.HandlerFuncs for the login entry point and
for the redirect page which completes the login.

# Examples

  - PKCE login CLI: pkce/examples/cli
*/
package pkce
