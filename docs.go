// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: MPL-2.0

// pkcelogin provides packages which log users in with third-party identity
// providers using the OAuth2 authorization code flow with PKCE, exchanging
// the authorization code for an application-issued token through a trusted
// backend.
//
// See the pkce package, and pkce/examples/cli for a complete login CLI.
package pkcelogin
