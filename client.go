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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Credentials are the portal login name and password
type Credentials struct {
	Username string
	Password string
}

// SessionMetrics tracks portal traffic for one session
type SessionMetrics struct {
	mu sync.Mutex

	TotalRequests     int64   // Every HTTP hop, redirects included
	TotalRequestSecs  float64 // Wall time spent in HTTP round trips
	Expiries          int64   // Responses that carried an expiry marker
	Logins            int64   // Completed login flows
	LoginFailures     int64   // Login flows that ended in a LoginError
	RateLimitSleeps   int64   // Number of times rate limiting was triggered
	TotalSleepSeconds float64 // Total time spent sleeping due to rate limits
}

// SessionMetricsSnapshot is a point-in-time copy of SessionMetrics
type SessionMetricsSnapshot struct {
	TotalRequests     int64
	TotalRequestSecs  float64
	Expiries          int64
	Logins            int64
	LoginFailures     int64
	RateLimitSleeps   int64
	TotalSleepSeconds float64
}

// NewSessionMetrics creates a new metrics tracker
func NewSessionMetrics() *SessionMetrics {
	return &SessionMetrics{}
}

func (m *SessionMetrics) update(fn func(m *SessionMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// Snapshot returns a copy safe to read without locking
func (m *SessionMetrics) Snapshot() SessionMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SessionMetricsSnapshot{
		TotalRequests:     m.TotalRequests,
		TotalRequestSecs:  m.TotalRequestSecs,
		Expiries:          m.Expiries,
		Logins:            m.Logins,
		LoginFailures:     m.LoginFailures,
		RateLimitSleeps:   m.RateLimitSleeps,
		TotalSleepSeconds: m.TotalSleepSeconds,
	}
}

// Response is a fully read portal response, the last hop of an exchange
type Response struct {
	StatusCode int
	URL        *url.URL
	Body       []byte
	// History holds the resolved Location of every redirect that was followed, in order
	History []*url.URL
	// Expired is set when any hop carried a session expiry marker
	Expired bool
}

// portalSession is what meters and accounts need from a Session
type portalSession interface {
	Get(ctx context.Context, path string) (*Response, error)
	Post(ctx context.Context, path string, form url.Values) (*Response, error)
}

// authenticator runs the login flow. It is called with the session lock held.
type authenticator interface {
	authenticate(ctx context.Context, s *Session) error
}

// SessionOptions tune a Session. Zero values select the defaults.
type SessionOptions struct {
	BaseURL     string
	HTTPClient  *http.Client
	Logger      *Logger
	State       StateStore
	MinInterval time.Duration
	MaxAttempts int
	Debug       bool
}

// Session is an authenticated conversation with the portal. All requests of one account go
// through a single Session and are serialised by its mutex, including re-authentication.
type Session struct {
	creds   Credentials
	baseURL *url.URL
	client  *http.Client
	state   StateStore
	auth    authenticator

	mu              sync.Mutex
	authenticated   bool
	lastRequestTime time.Time
	minInterval     time.Duration
	maxAttempts     int

	debug   bool
	logger  *Logger
	metrics *SessionMetrics
}

// NewSession creates an unauthenticated session. Nothing is sent until the first request.
func NewSession(creds Credentials, opts SessionOptions) (*Session, error) {
	base := opts.BaseURL
	if base == "" {
		base = PortalBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, &ValidationError{Field: "base_url", Value: base, Message: err.Error()}
	}

	jar, err := newCookieJar()
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: HTTPClientTimeout}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		client = &c
	}
	client.Jar = jar
	// Redirects are followed by exchange so every hop can be inspected
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(opts.Debug)
	}
	logger = logger.WithComponent("session").WithAccount(creds.Username)

	state := opts.State
	if state == nil {
		state = NewASPState(logger)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = HTTPMaxAttempts
	}
	minInterval := opts.MinInterval
	if minInterval < 0 {
		minInterval = 0
	}

	return &Session{
		creds:       creds,
		baseURL:     baseURL,
		client:      client,
		state:       state,
		auth:        &loginFlow{},
		minInterval: minInterval,
		maxAttempts: maxAttempts,
		debug:       opts.Debug,
		logger:      logger,
		metrics:     NewSessionMetrics(),
	}, nil
}

func newCookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return jar, nil
}

// Username returns the login name this session authenticates as
func (s *Session) Username() string {
	return s.creds.Username
}

// Metrics returns the session's traffic counters
func (s *Session) Metrics() *SessionMetrics {
	return s.metrics
}

// Authenticated reports the last known login state without touching the network
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Get fetches path, re-authenticating if the portal reports an expired session
func (s *Session) Get(ctx context.Context, path string) (*Response, error) {
	return s.do(ctx, http.MethodGet, path, nil)
}

// Post sends form as a postback, with the stored hidden fields merged in
func (s *Session) Post(ctx context.Context, path string, form url.Values) (*Response, error) {
	return s.do(ctx, http.MethodPost, path, form)
}

func (s *Session) do(ctx context.Context, method, path string, form url.Values) (*Response, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var body url.Values
		if method == http.MethodPost {
			body = s.state.Apply(form)
		}

		resp, err := s.exchange(ctx, method, target, body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var portalErr *PortalError
			if errors.As(err, &portalErr) && !portalErr.Retryable {
				s.logger.LogPortalError(err, path)
				return nil, err
			}
			lastErr = err
			s.logger.Warn("Request failed",
				"method", method,
				"path", path,
				"attempt", attempt,
				"max_attempts", s.maxAttempts,
				"error", err.Error(),
			)
			continue
		}

		if !resp.Expired {
			s.state.Merge(resp.Body)
			return resp, nil
		}

		s.authenticated = false
		lastErr = nil
		s.logger.Debug("Session expired", "path", path, "attempt", attempt)
		if attempt == s.maxAttempts {
			break
		}
		if err := s.login(ctx); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		s.logger.LogPortalError(lastErr, path)
		return nil, lastErr
	}
	return nil, &LoginError{
		Username: s.creds.Username,
		Step:     "retries exhausted",
		Message:  fmt.Sprintf("session still expired after %d attempts", s.maxAttempts),
	}
}

func (s *Session) login(ctx context.Context) error {
	err := s.auth.authenticate(ctx, s)
	if err != nil {
		s.metrics.update(func(m *SessionMetrics) { m.LoginFailures++ })
		var loginErr *LoginError
		if !errors.As(err, &loginErr) {
			err = &LoginError{Username: s.creds.Username, Step: "login", Message: "login flow failed", Err: err}
		}
		s.logger.Warn("Login failed", "error", err.Error())
		return err
	}
	s.authenticated = true
	s.metrics.update(func(m *SessionMetrics) { m.Logins++ })
	return nil
}

// IsAuthenticated sends a single cookie-only probe with no retry or login logic
func (s *Session) IsAuthenticated(ctx context.Context) bool {
	target, err := s.resolve(PathAccountInfo)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.exchange(ctx, http.MethodGet, target, nil)
	if err != nil {
		s.logger.Warn("Login check failed", "error", err.Error())
		return false
	}
	s.authenticated = !resp.Expired
	return s.authenticated
}

// Reset drops every cookie so the next request starts unauthenticated. Hidden form state is kept.
func (s *Session) Reset() error {
	jar, err := newCookieJar()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.Jar = jar
	s.authenticated = false
	return nil
}

// cookie returns the named cookie the jar would send to the portal. Callers hold s.mu.
func (s *Session) cookie(name string) (*http.Cookie, bool) {
	for _, c := range s.client.Jar.Cookies(s.baseURL) {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

func (s *Session) resolve(path string) (*url.URL, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return url.Parse(path)
	}
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid portal path %q: %w", path, err)
	}
	return s.baseURL.ResolveReference(ref), nil
}

// exchange performs one request and follows its redirects by hand. Every hop body is read
// in full and checked for an expiry marker; following stops at the first expired hop.
func (s *Session) exchange(ctx context.Context, method string, target *url.URL, form url.Values) (*Response, error) {
	var history []*url.URL
	var payload []byte
	if form != nil {
		payload = []byte(form.Encode())
	}

	for hop := 0; ; hop++ {
		if hop > HTTPMaxRedirects {
			return nil, NewPortalError(0, target.Path, fmt.Sprintf("stopped after %d redirects", HTTPMaxRedirects), nil)
		}

		status, body, header, err := s.roundTrip(ctx, method, target, payload)
		if err != nil {
			return nil, err
		}

		resp := &Response{
			StatusCode: status,
			URL:        target,
			Body:       body,
			History:    history,
			Expired:    isExpired(status, body),
		}
		if resp.Expired {
			s.metrics.update(func(m *SessionMetrics) { m.Expiries++ })
			return resp, nil
		}
		if !isRedirect(status) {
			return resp, nil
		}

		loc := header.Get("Location")
		if loc == "" {
			return resp, nil
		}
		next, err := target.Parse(loc)
		if err != nil {
			return nil, NewPortalError(status, target.Path, "invalid redirect location", err)
		}
		history = append(history, next)

		// 307 and 308 replay the request, everything else turns into a GET
		if status != http.StatusTemporaryRedirect && status != http.StatusPermanentRedirect {
			method = http.MethodGet
			payload = nil
		}
		target = next
	}
}

func (s *Session) roundTrip(ctx context.Context, method string, target *url.URL, payload []byte) (int, []byte, http.Header, error) {
	if err := s.enforceRateLimit(ctx); err != nil {
		return 0, nil, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", GetUserAgent())

	s.debugLogRequest(method, target, payload)

	startTime := time.Now()
	s.lastRequestTime = startTime
	resp, err := s.client.Do(req)
	duration := time.Since(startTime).Seconds()
	s.metrics.update(func(m *SessionMetrics) {
		m.TotalRequests++
		m.TotalRequestSecs += duration
	})
	if err != nil {
		portalErr := NewPortalError(0, target.Path, "request failed", err)
		// net/http parses Location before CheckRedirect runs, so a bad one surfaces here
		if strings.Contains(err.Error(), "failed to parse Location header") {
			portalErr.Message = "invalid redirect location"
			portalErr.Retryable = false
		}
		return 0, nil, nil, portalErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		portalErr := NewPortalError(resp.StatusCode, target.Path, "failed to read response body", err)
		portalErr.Retryable = true
		return 0, nil, nil, portalErr
	}

	s.logger.LogPortalRequest(method, target.Path, resp.StatusCode, duration)
	s.debugLogResponse(resp, body)

	return resp.StatusCode, body, resp.Header, nil
}

func (s *Session) enforceRateLimit(ctx context.Context) error {
	if s.lastRequestTime.IsZero() || s.minInterval <= 0 {
		return nil
	}
	elapsed := time.Since(s.lastRequestTime)
	if elapsed >= s.minInterval {
		return nil
	}

	sleep := s.minInterval - elapsed
	s.logger.Debug("Rate limiting", "sleep_ms", sleep.Milliseconds())
	s.metrics.update(func(m *SessionMetrics) {
		m.RateLimitSleeps++
		m.TotalSleepSeconds += sleep.Seconds()
	})

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isExpired is the portal's session expiry signal
func isExpired(status int, body []byte) bool {
	if isRedirect(status) && bytes.Contains(body, []byte(MarkerSessionExpireRedirect)) {
		return true
	}
	return status == http.StatusOK && bytes.Contains(body, []byte(MarkerSessionExpiredPage))
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

// debugLogRequest logs the outgoing request in debug mode with the password masked
func (s *Session) debugLogRequest(method string, target *url.URL, payload []byte) {
	if !s.debug {
		return
	}

	s.logger.Debug("→ HTTP Request", "method", method, "url", target.String())
	if len(payload) == 0 {
		return
	}

	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return
	}
	if form.Has(FieldLoginPassword) {
		form.Set(FieldLoginPassword, "***")
	}
	bodyStr := form.Encode()
	if len(bodyStr) > 500 {
		bodyStr = bodyStr[:500] + "... (truncated)"
	}
	s.logger.Debug("  Request Body", "body", bodyStr)
}

// debugLogResponse logs detailed response information in debug mode
func (s *Session) debugLogResponse(resp *http.Response, body []byte) {
	if !s.debug {
		return
	}

	s.logger.Debug("← HTTP Response",
		"status", resp.StatusCode,
		"status_text", resp.Status,
		"content_type", resp.Header.Get("Content-Type"),
		"location", resp.Header.Get("Location"),
		"bytes", len(body),
	)
}
