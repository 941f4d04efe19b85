// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: MPL-2.0

/*
callback is a package that provides http.HandlerFuncs for the two pages of a
PKCE login: the login entry point which redirects to the identity provider
and the redirect (callback) page which completes the login.

Both handlers scope the pending login to one browser session with a
session-only cookie, so many browsers can share one pkce.TabStore.

	login, err := callback.Login(flow, errorFn)
	if err != nil {
		// handle error
	}
	cb, err := callback.Callback(flow, successFn, errorFn)
	if err != nil {
		// handle error
	}
	http.HandleFunc("/login", login)
	http.HandleFunc("/oauth2/callback", cb)
*/
package callback
