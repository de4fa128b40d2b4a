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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoYieldsOnceAndCloses(t *testing.T) {
	boom := errors.New("boom")
	ch := Go(context.Background(), func(context.Context) (int, error) {
		return 42, boom
	})

	r, ok := <-ch
	require.True(t, ok)
	require.Equal(t, 42, r.Value)
	require.ErrorIs(t, r.Err, boom)

	_, ok = <-ch
	require.False(t, ok, "channel is closed after the result")
}

func TestAsyncAccountAndMeter(t *testing.T) {
	ctx := context.Background()
	p := newFakePortal(t)

	r := <-NewAccountAsync(ctx, Credentials{Username: testUsername, Password: testPassword}, AccountOptions{
		BaseURL: p.baseURL(),
		Logger:  NewDiscardLogger(),
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, r.Err)
	m, err := r.Value.Meter(testElectricMeter)
	require.NoError(t, err)

	// Concurrent fetches of the same day go through the session one at a time and
	// the second is served from cache
	a := m.HourlyConsumptionsAsync(ctx, testNow)
	b := m.HourlyConsumptionsAsync(ctx, testNow)
	for _, ch := range []<-chan Result[*Series]{a, b} {
		res := <-ch
		require.NoError(t, res.Err)
		require.Equal(t, 24, res.Value.Len())
	}
	require.Equal(t, 1, p.count("GET /Report/UsageHistory"))

	daily := <-m.DailyConsumptionsAsync(ctx, testNow)
	require.NoError(t, daily.Err)
	require.Equal(t, 9, daily.Value.Len())

	refreshed := <-m.RefreshDataAsync(ctx)
	require.NoError(t, refreshed.Err)
	require.False(t, refreshed.Value)

	earliest := <-m.FindEarliestConsumptionDateAsync(ctx)
	require.NoError(t, earliest.Err)
	require.True(t, earliest.Value.Equal(time.Date(2025, 3, 6, 0, 0, 0, 0, PortalLocation)))
}

func TestNewAccountAsyncValidation(t *testing.T) {
	r := <-NewAccountAsync(context.Background(), Credentials{}, AccountOptions{Logger: NewDiscardLogger()})
	require.Nil(t, r.Value)

	var validationErr *ValidationError
	require.ErrorAs(t, r.Err, &validationErr)
}
