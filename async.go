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
	"time"
)

// Result carries the outcome of an asynchronous call
type Result[T any] struct {
	Value T
	Err   error
}

// Go runs fn on its own goroutine. The returned channel yields exactly one Result and is
// then closed.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		v, err := fn(ctx)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

// NewAccountAsync is NewAccount on a goroutine
func NewAccountAsync(ctx context.Context, creds Credentials, opts AccountOptions) <-chan Result[*Account] {
	return Go(ctx, func(ctx context.Context) (*Account, error) {
		return NewAccount(ctx, creds, opts)
	})
}

// HourlyConsumptionsAsync is HourlyConsumptions on a goroutine
func (m *Meter) HourlyConsumptionsAsync(ctx context.Context, date time.Time) <-chan Result[*Series] {
	return Go(ctx, func(ctx context.Context) (*Series, error) {
		return m.HourlyConsumptions(ctx, date)
	})
}

// DailyConsumptionsAsync is DailyConsumptions on a goroutine
func (m *Meter) DailyConsumptionsAsync(ctx context.Context, date time.Time) <-chan Result[*Series] {
	return Go(ctx, func(ctx context.Context) (*Series, error) {
		return m.DailyConsumptions(ctx, date)
	})
}

// RefreshDataAsync is RefreshData on a goroutine
func (m *Meter) RefreshDataAsync(ctx context.Context) <-chan Result[bool] {
	return Go(ctx, m.RefreshData)
}

// FindEarliestConsumptionDateAsync is FindEarliestConsumptionDate on a goroutine
func (m *Meter) FindEarliestConsumptionDateAsync(ctx context.Context) <-chan Result[time.Time] {
	return Go(ctx, m.FindEarliestConsumptionDate)
}
