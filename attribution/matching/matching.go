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

// Package matching selects the stored impressions a conversion query may be attributed to.
package matching

import (
	"time"

	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/attribution/epochclock"
	"github.com/google/privacy-sandbox-attribution/attribution/impressionstore"
)

// State is the part of a storage snapshot read during matching.
type State interface {
	epochclock.Anchors
	impressionstore.Records
}

// Matcher filters impressions for one epoch of the conversion site.
type Matcher struct {
	Clock *epochclock.Clock
}

func allows[K comparable](set map[K]bool, v K) bool {
	return len(set) == 0 || set[v]
}

// Match returns the impressions in epoch of site that the query is allowed to attribute at now.
//
// The conversion caller checked against the impression's allowed callers is intermediarySite when set,
// otherwise site. The impression caller checked against the query is the impression's intermediary site
// when set, otherwise its impression site.
func (m *Matcher) Match(state State, site, intermediarySite string, epoch int64, now time.Time, query *attributiontypes.ConversionQuery) ([]*attributiontypes.Impression, error) {
	conversionCaller := site
	if intermediarySite != "" {
		conversionCaller = intermediarySite
	}

	var matched []*attributiontypes.Impression
	for _, i := range impressionstore.All(state) {
		e, err := m.Clock.EpochOf(state, site, i.Timestamp)
		if err != nil {
			return nil, err
		}
		switch {
		case e != epoch:
		case now.After(i.Expiry()):
		case now.After(i.Timestamp.Add(query.Lookback)):
		case !attributiontypes.AllowsSite(i.ConversionSites, site):
		case !attributiontypes.AllowsSite(i.ConversionCallers, conversionCaller):
		case !allows(query.MatchValues, i.MatchValue):
		case !allows(query.ImpressionSites, i.ImpressionSite):
		case !allows(query.ImpressionCallers, i.Caller()):
		default:
			matched = append(matched, i)
		}
	}
	return matched, nil
}
