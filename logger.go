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
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger for structured logging throughout the application
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger
func NewLogger(debug bool) *Logger {
	return newLoggerWithHandler(slog.NewTextHandler(os.Stdout, handlerOptions(debug)))
}

// NewJSONLogger creates a new JSON structured logger (useful for production/log aggregation)
func NewJSONLogger(debug bool) *Logger {
	return newLoggerWithHandler(slog.NewJSONHandler(os.Stdout, handlerOptions(debug)))
}

// NewDiscardLogger returns a logger that drops everything
func NewDiscardLogger() *Logger {
	return newLoggerWithHandler(slog.NewTextHandler(io.Discard, nil))
}

func handlerOptions(debug bool) *slog.HandlerOptions {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return &slog.HandlerOptions{Level: level}
}

func newLoggerWithHandler(h slog.Handler) *Logger {
	return &Logger{Logger: slog.New(h)}
}

// WithComponent returns a logger with a component field pre-set
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// WithAccount returns a logger with an account field pre-set
func (l *Logger) WithAccount(username string) *Logger {
	return &Logger{
		Logger: l.Logger.With("account", maskUsername(username)),
	}
}

// WithMeter returns a logger with a meter field pre-set
func (l *Logger) WithMeter(meterNo string) *Logger {
	return &Logger{
		Logger: l.Logger.With("meter", meterNo),
	}
}

// maskUsername keeps only a short prefix of the login name for privacy
func maskUsername(username string) string {
	if len(username) > 4 {
		return username[:4] + "***"
	}
	return username
}

// LogPortalRequest logs a portal exchange with common fields
func (l *Logger) LogPortalRequest(method, endpoint string, statusCode int, duration float64) {
	l.Debug("Portal request",
		"method", method,
		"endpoint", endpoint,
		"status_code", statusCode,
		"duration_ms", duration*1000,
	)
}

// LogPortalError logs a portal error with details
func (l *Logger) LogPortalError(err error, endpoint string) {
	var portalErr *PortalError
	if errors.As(err, &portalErr) {
		l.Error("Portal request failed",
			"endpoint", endpoint,
			"status_code", portalErr.StatusCode,
			"retryable", portalErr.Retryable,
			"error", portalErr.Message,
		)
		return
	}
	l.Error("Portal request failed",
		"endpoint", endpoint,
		"error", err.Error(),
	)
}

// LogCacheHit logs a cache hit
func (l *Logger) LogCacheHit(cacheType string, period string) {
	l.Debug("Cache hit",
		"cache_type", cacheType,
		"period", period,
	)
}

// LogCacheMiss logs a cache miss
func (l *Logger) LogCacheMiss(cacheType string, period string, reason string) {
	l.Debug("Cache miss",
		"cache_type", cacheType,
		"period", period,
		"reason", reason,
	)
}

// UserMessage outputs a user-friendly message (bypasses structured logging)
// Use this for primary user-facing output of the CLI commands
func (l *Logger) UserMessage(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
