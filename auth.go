// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"net/http"
	"net/url"
)

// loginFlow is the portal's form login:
//
//  1. GET ResLogin to collect the hidden form state
//  2. POST the credentials, the portal redirects through a URL carrying a one-time Sig
//  3. GET LoginSession.aspx with the login name and Sig to bind the ASP.NET session
type loginFlow struct{}

func (f *loginFlow) authenticate(ctx context.Context, s *Session) error {
	logger := s.logger.WithComponent("auth")
	logger.Debug("Executing authentication flow")

	fail := func(step, message string, err error) error {
		return &LoginError{Username: s.creds.Username, Step: step, Message: message, Err: err}
	}

	loginURL, err := s.resolve(PathLogin)
	if err != nil {
		return fail("login page", "invalid login url", err)
	}

	resp, err := s.exchange(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return fail("login page", "failed to load login page", err)
	}
	s.state.Merge(resp.Body)
	if s.state.Len() == 0 {
		return fail("login page", "login page carried no hidden form state", nil)
	}

	form := url.Values{}
	form.Set(FieldLoginButton, "Login")
	form.Set(FieldLoginUsername, s.creds.Username)
	form.Set(FieldLoginPassword, s.creds.Password)

	resp, err = s.exchange(ctx, http.MethodPost, loginURL, s.state.Apply(form))
	if err != nil {
		return fail("credentials", "failed to post credentials", err)
	}
	s.state.Merge(resp.Body)

	if _, ok := s.cookie(SessionCookieName); !ok {
		return fail("credentials", "portal did not set "+SessionCookieName, nil)
	}

	sig, ok := signatureFromHistory(resp.History)
	if !ok {
		return fail("signature", "invalid login", nil)
	}

	sessionURL, err := s.resolve(PathLoginSession)
	if err != nil {
		return fail("signature", "invalid session url", err)
	}
	q := url.Values{}
	q.Set("pLoginName", s.creds.Username)
	q.Set("Sig", sig)
	sessionURL.RawQuery = q.Encode()

	resp, err = s.exchange(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return fail("session", "failed to open session", err)
	}
	if resp.Expired {
		return fail("session", "session rejected", nil)
	}
	s.state.Merge(resp.Body)

	logger.Debug("Authentication flow complete")
	return nil
}

// signatureFromHistory returns the Sig query parameter of the last redirect hop that has one
func signatureFromHistory(history []*url.URL) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if sig := history[i].Query().Get("Sig"); sig != "" {
			return sig, true
		}
	}
	return "", false
}
