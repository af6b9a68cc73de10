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

package matching

import (
	"testing"
	"time"

	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/attribution/epochclock"
	"github.com/google/privacy-sandbox-attribution/storage"
)

func TestMatch(t *testing.T) {
	t0 := time.Unix(1000000, 0)
	now := t0.Add(time.Hour)

	for _, tc := range []struct {
		desc         string
		impression   func(*attributiontypes.Impression)
		query        func(*attributiontypes.ConversionQuery)
		intermediary string
		epoch        int64
		want         bool
	}{
		{desc: "defaults", want: true},
		{desc: "other epoch", epoch: 1},
		{desc: "expired", impression: func(i *attributiontypes.Impression) { i.Lifetime = 30 * time.Minute }},
		{desc: "expires now", impression: func(i *attributiontypes.Impression) { i.Lifetime = time.Hour }, want: true},
		{desc: "outside lookback", query: func(q *attributiontypes.ConversionQuery) { q.Lookback = 30 * time.Minute }},
		{desc: "at lookback bound", query: func(q *attributiontypes.ConversionQuery) { q.Lookback = time.Hour }, want: true},
		{
			desc:       "conversion site allowed",
			impression: func(i *attributiontypes.Impression) { i.ConversionSites = []string{"adv.test", "b.test"} },
			want:       true,
		},
		{
			desc:       "conversion site not allowed",
			impression: func(i *attributiontypes.Impression) { i.ConversionSites = []string{"b.test"} },
		},
		{
			desc:       "conversion caller is top-level site",
			impression: func(i *attributiontypes.Impression) { i.ConversionCallers = []string{"adv.test"} },
			want:       true,
		},
		{
			desc:         "conversion caller is intermediary",
			impression:   func(i *attributiontypes.Impression) { i.ConversionCallers = []string{"adv.test"} },
			intermediary: "tracker.test",
		},
		{
			desc:         "intermediary allowed as conversion caller",
			impression:   func(i *attributiontypes.Impression) { i.ConversionCallers = []string{"tracker.test"} },
			intermediary: "tracker.test",
			want:         true,
		},
		{
			desc:  "match value filtered",
			query: func(q *attributiontypes.ConversionQuery) { q.MatchValues = map[int64]bool{1: true} },
		},
		{
			desc:       "match value allowed",
			impression: func(i *attributiontypes.Impression) { i.MatchValue = 1 },
			query:      func(q *attributiontypes.ConversionQuery) { q.MatchValues = map[int64]bool{1: true, 2: true} },
			want:       true,
		},
		{
			desc:  "impression site allowed",
			query: func(q *attributiontypes.ConversionQuery) { q.ImpressionSites = map[string]bool{"pub.test": true} },
			want:  true,
		},
		{
			desc:  "impression site filtered",
			query: func(q *attributiontypes.ConversionQuery) { q.ImpressionSites = map[string]bool{"other.test": true} },
		},
		{
			desc:       "impression caller is intermediary",
			impression: func(i *attributiontypes.Impression) { i.IntermediarySite = "ads.test" },
			query:      func(q *attributiontypes.ConversionQuery) { q.ImpressionCallers = map[string]bool{"pub.test": true} },
		},
		{
			desc:       "impression intermediary allowed",
			impression: func(i *attributiontypes.Impression) { i.IntermediarySite = "ads.test" },
			query:      func(q *attributiontypes.ConversionQuery) { q.ImpressionCallers = map[string]bool{"ads.test": true} },
			want:       true,
		},
		{
			desc:  "impression caller is impression site",
			query: func(q *attributiontypes.ConversionQuery) { q.ImpressionCallers = map[string]bool{"pub.test": true} },
			want:  true,
		},
	} {
		clock := &epochclock.Clock{Period: 7 * attributiontypes.Day, Rand: func() float64 { return 0.5 }}
		snapshot := storage.NewSnapshot()
		if _, err := clock.EpochOf(snapshot, "adv.test", now); err != nil {
			t.Fatal(err)
		}

		impression := &attributiontypes.Impression{
			ID:             "id",
			ImpressionSite: "pub.test",
			Timestamp:      t0,
			Lifetime:       30 * attributiontypes.Day,
		}
		if tc.impression != nil {
			tc.impression(impression)
		}
		snapshot.PutImpression(impression)

		query := &attributiontypes.ConversionQuery{Lookback: 30 * attributiontypes.Day}
		if tc.query != nil {
			tc.query(query)
		}

		m := &Matcher{Clock: clock}
		got, err := m.Match(snapshot, "adv.test", tc.intermediary, tc.epoch, now, query)
		if err != nil {
			t.Fatal(err)
		}
		if matched := len(got) == 1; matched != tc.want {
			t.Errorf("%s: matched = %v, want %v", tc.desc, matched, tc.want)
		}
	}
}
