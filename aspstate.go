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
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// StateStore keeps the hidden form fields (__VIEWSTATE, __EVENTVALIDATION, ...) that the
// portal expects to be replayed on every postback.
type StateStore interface {
	// Merge upserts every non-empty hidden input found in body
	Merge(body []byte)
	// Apply returns a copy of form with stored fields added where form has no value
	Apply(form url.Values) url.Values
	// Len reports how many fields are stored
	Len() int
}

// ASPState is the default StateStore. It is safe for concurrent use.
type ASPState struct {
	mu     sync.RWMutex
	fields map[string]string
	logger *Logger
}

// NewASPState creates an empty hidden-field store
func NewASPState(logger *Logger) *ASPState {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &ASPState{
		fields: make(map[string]string),
		logger: logger,
	}
}

// Merge parses body and upserts its hidden fields. A page that cannot be parsed leaves the
// stored state untouched.
func (s *ASPState) Merge(body []byte) {
	found, err := extractHiddenFields(body)
	if err != nil {
		s.logger.Error("Failed to parse ASP.NET state", "error", err)
		return
	}
	if len(found) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range found {
		s.fields[name] = value
	}
}

// Apply never overwrites a key the caller already set, even with an empty value
func (s *ASPState) Apply(form url.Values) url.Values {
	out := make(url.Values, len(form))
	for k, v := range form {
		out[k] = append([]string(nil), v...)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, value := range s.fields {
		if _, set := out[name]; !set {
			out.Set(name, value)
		}
	}
	return out
}

func (s *ASPState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fields)
}

// Get returns a single stored field
func (s *ASPState) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.fields[name]
	return v, ok
}

// extractHiddenFields returns name -> value for every <input type="hidden"> with both set
func extractHiddenFields(body []byte) (map[string]string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	fields := make(map[string]string)
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "input" {
			return true
		}
		if !strings.EqualFold(attr(n, "type"), "hidden") {
			return true
		}
		name, value := attr(n, "name"), attr(n, "value")
		if name != "" && value != "" {
			fields[name] = value
		}
		return true
	})
	return fields, nil
}
