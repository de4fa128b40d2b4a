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

	"github.com/stretchr/testify/require"
)

func TestNewAccount(t *testing.T) {
	p := newFakePortal(t)
	account := newTestAccount(t, p)

	info := account.Info()
	require.Equal(t, "01-234567", info.RegNo)
	require.Equal(t, "AWANG BIN ABU", info.Name)
	require.Equal(t, "7123456", info.ContactNo)
	require.Equal(t, "awang@example.com", info.Email)
	require.Equal(t, []string{"N0_0_0", "N0_0_1"}, info.MeterNodes)

	require.Equal(t, testUsername, account.Username())
	require.True(t, account.Session().Authenticated())

	metrics := account.Session().Metrics().Snapshot()
	require.Equal(t, int64(1), metrics.Logins)
	require.Equal(t, 1, p.count("GET /LoginSession.aspx"))
}

func TestNewAccountValidation(t *testing.T) {
	testCases := []struct {
		name  string
		creds Credentials
	}{
		{"no username", Credentials{Password: testPassword}},
		{"no password", Credentials{Username: testUsername}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAccount(context.Background(), tc.creds, AccountOptions{Logger: NewDiscardLogger()})
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Errorf("Expected ValidationError, got %v", err)
			}
		})
	}
}

func TestNewAccountWrongPassword(t *testing.T) {
	p := newFakePortal(t)
	_, err := NewAccount(context.Background(), Credentials{Username: testUsername, Password: "wrong"}, AccountOptions{
		BaseURL: p.baseURL(),
		Logger:  NewDiscardLogger(),
	})

	var loginErr *LoginError
	require.ErrorAs(t, err, &loginErr)
	require.Equal(t, "credentials", loginErr.Step)
}

func TestAccountMeterLookup(t *testing.T) {
	p := newFakePortal(t)
	account := newTestAccount(t, p)

	testCases := []struct {
		name     string
		key      string
		expected string
	}{
		{"by number", testWaterMeter, testWaterMeter},
		{"by report id", MeterIDFromNo(testElectricMeter), testElectricMeter},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := account.Meter(tc.key)
			require.NoError(t, err)
			if m.No() != tc.expected {
				t.Errorf("Expected meter %s, got %s", tc.expected, m.No())
			}
		})
	}

	_, err := account.Meter("00000000")
	var notFound *MeterNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "00000000", notFound.Meter)
}

func TestAccountLogOutAndIn(t *testing.T) {
	ctx := context.Background()
	p := newFakePortal(t)
	account := newTestAccount(t, p)

	require.True(t, account.IsAuthenticated(ctx))

	ok, err := account.LogOut(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, account.IsAuthenticated(ctx))

	ok, err = account.LogIn(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, account.IsAuthenticated(ctx))
	require.Equal(t, int64(2), account.Session().Metrics().Snapshot().Logins)
}

func TestAccountReauthenticatesTransparently(t *testing.T) {
	p := newFakePortal(t)
	m := newTestMeter(t, p, testElectricMeter)

	p.expireSession()

	s, err := m.HourlyConsumptions(context.Background(), testNow)
	require.NoError(t, err)
	require.Equal(t, 24, s.Len())
	require.Equal(t, 2, p.count("GET /LoginSession.aspx"))
}
