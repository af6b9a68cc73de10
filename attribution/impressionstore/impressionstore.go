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

// Package impressionstore manages the stored impressions inside a storage scope.
package impressionstore

import (
	"sort"
	"time"

	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// Records is the impression collection of a storage snapshot.
type Records interface {
	Impressions() []*attributiontypes.Impression
	PutImpression(i *attributiontypes.Impression)
	DeleteImpression(id string)
}

// Add stores a new impression.
func Add(records Records, impression *attributiontypes.Impression) {
	records.PutImpression(impression)
}

// All returns every stored impression. The order is unspecified.
func All(records Records) []*attributiontypes.Impression {
	return records.Impressions()
}

// DeleteWhere removes the impressions for which pred returns true and returns how many were removed.
func DeleteWhere(records Records, pred func(*attributiontypes.Impression) bool) int {
	deleted := 0
	for _, i := range records.Impressions() {
		if pred(i) {
			records.DeleteImpression(i.ID)
			deleted++
		}
	}
	return deleted
}

// ClearForConversionSite revokes the grants that site holds on stored impressions.
//
// An impression registered through site as intermediary is deleted. Otherwise site is removed from the
// conversion sites, and the impression is deleted when no conversion site remains. It returns the numbers
// of updated and deleted impressions.
func ClearForConversionSite(records Records, site string) (updated, deleted int) {
	for _, i := range records.Impressions() {
		if i.IntermediarySite == site {
			records.DeleteImpression(i.ID)
			deleted++
			continue
		}
		if !attributiontypes.ContainsSite(i.ConversionSites, site) {
			continue
		}
		if len(i.ConversionSites) == 1 {
			records.DeleteImpression(i.ID)
			deleted++
			continue
		}
		c := i.Clone()
		k := sort.SearchStrings(c.ConversionSites, site)
		c.ConversionSites = append(c.ConversionSites[:k], c.ConversionSites[k+1:]...)
		records.PutImpression(c)
		updated++
	}
	return updated, deleted
}

// ClearExpired deletes exactly the impressions whose expiry is strictly before now.
func ClearExpired(records Records, now time.Time) int {
	return DeleteWhere(records, func(i *attributiontypes.Impression) bool {
		return i.Expiry().Before(now)
	})
}
