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
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Meter types as reported by the portal (matched case-insensitively as substrings)
const (
	MeterTypeElectricity = "ELECTRIC"
	MeterTypeWater       = "WATER"
)

// TariffTier charges Rate per unit consumed in [LowerBound, UpperBound).
// The last tier of a tariff is Unbounded.
type TariffTier struct {
	LowerBound decimal.Decimal
	UpperBound decimal.Decimal
	Unbounded  bool
	Rate       decimal.Decimal
}

// Tariff is an ordered, gapless list of tiers starting at zero
type Tariff struct {
	tiers []TariffTier
}

// NewTariff validates tiers: the first starts at 0, each upper bound is the next lower bound,
// and only the last one is unbounded.
func NewTariff(tiers ...TariffTier) (Tariff, error) {
	if len(tiers) == 0 {
		return Tariff{}, fmt.Errorf("tariff needs at least one tier")
	}
	if !tiers[0].LowerBound.IsZero() {
		return Tariff{}, fmt.Errorf("first tier must start at 0, got %s", tiers[0].LowerBound)
	}
	for i, t := range tiers {
		if t.Rate.IsNegative() {
			return Tariff{}, fmt.Errorf("tier %d has a negative rate", i)
		}
		last := i == len(tiers)-1
		if last != t.Unbounded {
			return Tariff{}, fmt.Errorf("tier %d: only the last tier may be unbounded", i)
		}
		if last {
			break
		}
		if !t.UpperBound.GreaterThan(t.LowerBound) {
			return Tariff{}, fmt.Errorf("tier %d: upper bound %s must exceed lower bound %s", i, t.UpperBound, t.LowerBound)
		}
		if !t.UpperBound.Equal(tiers[i+1].LowerBound) {
			return Tariff{}, fmt.Errorf("tier %d ends at %s but tier %d starts at %s", i, t.UpperBound, i+1, tiers[i+1].LowerBound)
		}
	}
	return Tariff{tiers: append([]TariffTier(nil), tiers...)}, nil
}

// mustTariff builds a tariff from (lower, upper, rate) strings; an empty upper is unbounded
func mustTariff(rows ...[3]string) Tariff {
	tiers := make([]TariffTier, 0, len(rows))
	for _, r := range rows {
		tier := TariffTier{
			LowerBound: decimal.RequireFromString(r[0]),
			Rate:       decimal.RequireFromString(r[2]),
		}
		if r[1] == "" {
			tier.Unbounded = true
		} else {
			tier.UpperBound = decimal.RequireFromString(r[1])
		}
		tiers = append(tiers, tier)
	}
	t, err := NewTariff(tiers...)
	if err != nil {
		panic(err)
	}
	return t
}

// Tiers returns a copy of the tariff's tiers
func (t Tariff) Tiers() []TariffTier {
	return append([]TariffTier(nil), t.tiers...)
}

// Cost prices a total consumption: each tier charges its rate on the part of total inside it
func (t Tariff) Cost(total float64) float64 {
	if math.IsNaN(total) || total <= 0 {
		return 0
	}
	amount := decimal.NewFromFloat(total)

	cost := decimal.Zero
	for _, tier := range t.tiers {
		if !amount.GreaterThan(tier.LowerBound) {
			break
		}
		upper := amount
		if !tier.Unbounded && tier.UpperBound.LessThan(amount) {
			upper = tier.UpperBound
		}
		cost = cost.Add(tier.Rate.Mul(upper.Sub(tier.LowerBound)))
	}
	return cost.InexactFloat64()
}

// TariffTable maps a meter type to its tariff. It is immutable once built.
type TariffTable struct {
	byType map[string]Tariff
}

// NewTariffTable builds a table keyed by upper-cased meter type
func NewTariffTable(tariffs map[string]Tariff) TariffTable {
	byType := make(map[string]Tariff, len(tariffs))
	for k, v := range tariffs {
		byType[strings.ToUpper(k)] = v
	}
	return TariffTable{byType: byType}
}

// DefaultTariffs returns the domestic electricity and water tariffs
func DefaultTariffs() TariffTable {
	return NewTariffTable(map[string]Tariff{
		MeterTypeElectricity: mustTariff(
			[3]string{"0", "600", "0.01"},
			[3]string{"600", "2000", "0.08"},
			[3]string{"2000", "4000", "0.10"},
			[3]string{"4000", "", "0.12"},
		),
		MeterTypeWater: mustTariff(
			[3]string{"0", "54.54", "0.11"},
			[3]string{"54.54", "", "0.44"},
		),
	})
}

// With returns a copy of the table with the tariff for meterType replaced
func (tt TariffTable) With(meterType string, t Tariff) TariffTable {
	byType := make(map[string]Tariff, len(tt.byType)+1)
	for k, v := range tt.byType {
		byType[k] = v
	}
	byType[strings.ToUpper(meterType)] = t
	return TariffTable{byType: byType}
}

// Lookup finds the tariff whose key appears in the portal's meter type, e.g. "ELECTRIC" in
// "Electricity". Keys are tried in sorted order so the match is deterministic.
func (tt TariffTable) Lookup(meterType string) (Tariff, bool) {
	upper := strings.ToUpper(meterType)
	keys := make([]string, 0, len(tt.byType))
	for k := range tt.byType {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(upper, k) {
			return tt.byType[k], true
		}
	}
	return Tariff{}, false
}

// IsZero reports a table with no tariffs
func (tt TariffTable) IsZero() bool {
	return len(tt.byType) == 0
}

// UnitFor returns the consumption unit of a meter type
func UnitFor(meterType string) string {
	upper := strings.ToUpper(meterType)
	switch {
	case strings.Contains(upper, MeterTypeElectricity):
		return UnitElectricity
	case strings.Contains(upper, MeterTypeWater):
		return UnitWater
	}
	return ""
}
