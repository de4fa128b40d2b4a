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
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrConsumptionHistoryNotFound is reported when the portal has no data for a requested range.
// It never escapes the fetchers; an empty series is returned instead.
var ErrConsumptionHistoryNotFound = errors.New("consumption history not found")

// PortalError represents a failed exchange with the portal
type PortalError struct {
	StatusCode int
	Endpoint   string
	Message    string
	Retryable  bool
	Err        error // Underlying error if any
}

func (e *PortalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal error (%d) at %s: %s (caused by: %v)", e.StatusCode, e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("portal error (%d) at %s: %s", e.StatusCode, e.Endpoint, e.Message)
}

func (e *PortalError) Unwrap() error {
	return e.Err
}

// NewPortalError creates a new PortalError with automatic retryable detection
func NewPortalError(statusCode int, endpoint, message string, err error) *PortalError {
	return &PortalError{
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Message:    message,
		Retryable:  statusCode == 0 || isRetryableStatus(statusCode),
		Err:        err,
	}
}

// isRetryableStatus determines if an HTTP status code is retryable
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}

// LoginError is returned when the session cannot be (re-)established.
// It is the only failure the fetchers surface to their callers.
type LoginError struct {
	Username string
	Step     string // e.g., "login page", "credentials", "signature", "retries exhausted"
	Message  string
	Err      error
}

func (e *LoginError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "invalid login"
	}
	if e.Step != "" {
		msg = fmt.Sprintf("%s: %s", e.Step, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("login error for %s: %s (caused by: %v)", e.Username, msg, e.Err)
	}
	return fmt.Sprintf("login error for %s: %s", e.Username, msg)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// IsLoginError reports whether err (or anything it wraps) is a LoginError
func IsLoginError(err error) bool {
	var loginErr *LoginError
	return errors.As(err, &loginErr)
}

// MeterNotFoundError is returned when a meter number or id is not part of an account
type MeterNotFoundError struct {
	Meter string
}

func (e *MeterNotFoundError) Error() string {
	return fmt.Sprintf("meter %s not found", e.Meter)
}

// PageParseError represents a page whose structure did not match the portal contract
type PageParseError struct {
	Page  string // e.g., "account info", "hourly report"
	Field string
	Err   error
}

func (e *PageParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("failed to parse %s page: field %s: %v", e.Page, e.Field, e.Err)
	}
	return fmt.Sprintf("failed to parse %s page: %v", e.Page, e.Err)
}

func (e *PageParseError) Unwrap() error {
	return e.Err
}

// FutureDateError is returned when consumption is requested for a day that has not happened yet
type FutureDateError struct {
	Date time.Time
}

func (e *FutureDateError) Error() string {
	return fmt.Sprintf("%s is in the future", e.Date.Format("2006-01-02"))
}

// CacheError represents errors related to cache operations
type CacheError struct {
	CacheType string // e.g., "hourly", "daily", "state"
	Operation string // e.g., "read", "write", "migrate"
	Err       error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache error for %s during %s: %v", e.CacheType, e.Operation, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// ValidationError represents configuration or input validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error for %s (value: %v): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}
