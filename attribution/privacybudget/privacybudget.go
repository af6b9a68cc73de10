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

// Package privacybudget accounts the differential privacy cost of released histograms per site and epoch.
//
// Charging fails closed: an invalid or unaffordable charge exhausts the entry permanently instead of only
// rejecting the current query, so the remaining budget cannot be probed.
package privacybudget

import (
	"math"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// Entries is the privacy budget collection of a storage snapshot.
type Entries interface {
	PrivacyBudget(key attributiontypes.PrivacyBudgetKey) (int64, bool)
	PutPrivacyBudget(key attributiontypes.PrivacyBudgetKey, value int64)
}

// Ledger charges privacy budget entries.
type Ledger struct {
	// MaxMicroEpsilons is the quota of a site for one epoch.
	MaxMicroEpsilons int64
	// Headroom is added to the quota when an entry is created.
	Headroom int64
}

// Remaining returns the budget left for key, creating the entry with the initial quota if needed.
func (l *Ledger) Remaining(entries Entries, key attributiontypes.PrivacyBudgetKey) int64 {
	value, ok := entries.PrivacyBudget(key)
	if !ok {
		value = l.MaxMicroEpsilons + l.Headroom
		entries.PutPrivacyBudget(key, value)
	}
	return value
}

// Charge deducts the cost of a release with the given epsilon, sensitivity and maximum value from the
// entry of key. It reports whether the release is admitted.
func (l *Ledger) Charge(entries Entries, key attributiontypes.PrivacyBudgetKey, epsilon, sensitivity, maxValue float64) bool {
	remaining := l.Remaining(entries, key)

	noiseScale := 2 * maxValue / epsilon
	fraction := sensitivity / noiseScale
	if !(fraction > 0 && fraction <= attributiontypes.MaxConversionEpsilon) {
		log.V(1).Infof("exhausting privacy budget of %s epoch %d: invalid deduction fraction %v", key.Site, key.Epoch, fraction)
		entries.PutPrivacyBudget(key, 0)
		return false
	}

	deduction := int64(math.Ceil(fraction * attributiontypes.MicroEpsilonsPerEpsilon))
	if deduction > remaining {
		log.V(1).Infof("exhausting privacy budget of %s epoch %d: deduction %d exceeds remaining %d", key.Site, key.Epoch, deduction, remaining)
		entries.PutPrivacyBudget(key, 0)
		return false
	}

	entries.PutPrivacyBudget(key, remaining-deduction)
	log.V(2).Infof("charged %d micro-epsilons to %s epoch %d, %d left", deduction, key.Site, key.Epoch, remaining-deduction)
	return true
}
