// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fairallocation splits an integer value among weighted slots with unbiased randomized rounding.
//
// The exact proportional shares are combined pairwise: a running carry and the next share trade their
// fractional parts so that one of the two becomes an integer, and the choice is randomized with
// probability proportional to the adjustment the other would have needed. Every transfer is zero-sum and
// has zero expectation, so the sum is preserved exactly and the expected result equals the exact share.
package fairallocation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// Allocate returns integers summing to total, one per weight, each within 1 of total*weight/sum(weights)
// and equal to it in expectation.
//
// rand must return values in [0, 1). It is not called for a single weight.
func Allocate(weights []float64, total int64, rand func() float64) ([]int64, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: weights must not be empty", attributiontypes.ErrRange)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: total must be non-negative, got %d", attributiontypes.ErrRange, total)
	}
	for _, w := range weights {
		if !(w > 0) || math.IsInf(w, 1) {
			return nil, fmt.Errorf("%w: weights must be positive and finite, got %v", attributiontypes.ErrRange, w)
		}
	}

	sum := floats.Sum(weights)
	shares := make([]float64, len(weights))
	for i, w := range weights {
		shares[i] = float64(total) * w / sum
	}

	carry := 0
	for n := 1; n < len(shares); n++ {
		other := n

		fracCarry := shares[carry] - math.Floor(shares[carry])
		fracN := shares[n] - math.Floor(shares[n])
		if fracCarry == 0 && fracN == 0 {
			continue
		}

		incrCarry, incrN := -fracCarry, -fracN
		if fracCarry+fracN > 1 {
			incrCarry, incrN = 1-fracCarry, 1-fracN
		}
		p := incrN / (incrCarry + incrN)

		r, err := attributiontypes.CheckRandom(rand())
		if err != nil {
			return nil, err
		}

		incr := incrN
		if r < p {
			incr = incrCarry
			carry, other = other, carry
		}
		shares[other] += incr
		shares[carry] -= incr
	}

	result := make([]int64, len(shares))
	for i, s := range shares {
		result[i] = int64(math.Round(s))
	}
	return result, nil
}
