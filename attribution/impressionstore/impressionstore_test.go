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

package impressionstore

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/storage"
)

func ids(records Records) []string {
	var result []string
	for _, i := range All(records) {
		result = append(result, i.ID)
	}
	sort.Strings(result)
	return result
}

func TestClearForConversionSite(t *testing.T) {
	snapshot := storage.NewSnapshot()
	for _, i := range []*attributiontypes.Impression{
		{ID: "intermediary", ImpressionSite: "pub.test", IntermediarySite: "adv.test"},
		{ID: "only-site", ImpressionSite: "pub.test", ConversionSites: []string{"adv.test"}},
		{ID: "two-sites", ImpressionSite: "pub.test", ConversionSites: []string{"adv.test", "other.test"}},
		{ID: "unrelated", ImpressionSite: "pub.test", ConversionSites: []string{"other.test"}},
		{ID: "wildcard", ImpressionSite: "pub.test"},
	} {
		Add(snapshot, i)
	}

	updated, deleted := ClearForConversionSite(snapshot, "adv.test")
	if updated != 1 || deleted != 2 {
		t.Errorf("ClearForConversionSite() = (%d, %d), want (1, 2)", updated, deleted)
	}
	if diff := cmp.Diff([]string{"two-sites", "unrelated", "wildcard"}, ids(snapshot)); diff != "" {
		t.Errorf("remaining impressions mismatch (-want +got):\n%s", diff)
	}
	for _, i := range All(snapshot) {
		if i.ID != "two-sites" {
			continue
		}
		if diff := cmp.Diff([]string{"other.test"}, i.ConversionSites); diff != "" {
			t.Errorf("conversion sites mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestClearForConversionSiteDoesNotMutateSharedRecords(t *testing.T) {
	original := &attributiontypes.Impression{ID: "a", ConversionSites: []string{"adv.test", "other.test"}}
	snapshot := storage.NewSnapshot()
	Add(snapshot, original)

	ClearForConversionSite(snapshot, "adv.test")
	if diff := cmp.Diff([]string{"adv.test", "other.test"}, original.ConversionSites); diff != "" {
		t.Errorf("original record changed (-want +got):\n%s", diff)
	}
}

func TestClearExpired(t *testing.T) {
	now := time.Unix(100*24*3600, 0)
	snapshot := storage.NewSnapshot()
	for _, i := range []*attributiontypes.Impression{
		{ID: "expired", Timestamp: now.Add(-2 * attributiontypes.Day), Lifetime: attributiontypes.Day},
		{ID: "expired-by-1ns", Timestamp: now.Add(-attributiontypes.Day - time.Nanosecond), Lifetime: attributiontypes.Day},
		{ID: "expires-now", Timestamp: now.Add(-attributiontypes.Day), Lifetime: attributiontypes.Day},
		{ID: "live", Timestamp: now, Lifetime: attributiontypes.Day},
	} {
		Add(snapshot, i)
	}

	if got := ClearExpired(snapshot, now); got != 2 {
		t.Errorf("ClearExpired() = %d, want 2", got)
	}
	if diff := cmp.Diff([]string{"expires-now", "live"}, ids(snapshot)); diff != "" {
		t.Errorf("remaining impressions mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteWhere(t *testing.T) {
	snapshot := storage.NewSnapshot()
	for _, i := range []*attributiontypes.Impression{
		{ID: "a", MatchValue: 1},
		{ID: "b", MatchValue: 2},
		{ID: "c", MatchValue: 1},
	} {
		Add(snapshot, i)
	}
	got := DeleteWhere(snapshot, func(i *attributiontypes.Impression) bool { return i.MatchValue == 1 })
	if got != 2 {
		t.Errorf("DeleteWhere() = %d, want 2", got)
	}
	if diff := cmp.Diff([]string{"b"}, ids(snapshot)); diff != "" {
		t.Errorf("remaining impressions mismatch (-want +got):\n%s", diff)
	}
}
