// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"net/http"

	"github.com/hashicorp/pkcelogin/pkce"
)

// SuccessResponseFunc is used by Callback to create a http response when the
// login completed.  The pkce.AppSession has already been saved to the
// flow's TokenStore.
type SuccessResponseFunc func(s *pkce.AppSession, w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc is used by Login and Callback to create a http response
// when the login failed.  The pending session has already been cleared; see
// pkce.UserMessage for a message to show the user.
type ErrorResponseFunc func(e error, w http.ResponseWriter, req *http.Request)
