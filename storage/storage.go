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

// Package storage defines the transactional scope the attribution backend runs in.
//
// A store materializes the impressions, epoch starts, privacy budgets and the browsing history clear
// marker into a Snapshot, hands it to the caller and persists the recorded changes when the caller
// returns. Every external call runs against exactly one snapshot, so no call observes a partially
// applied update from another.
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// Store runs functions inside an atomic read-modify-write scope.
type Store interface {
	// Update runs fn against a snapshot and persists the changes fn made, even when fn returns an
	// error, so that work committed before a later failure is not rolled back.
	Update(ctx context.Context, fn func(*Snapshot) error) error
	// View runs fn against a snapshot and discards any change.
	View(ctx context.Context, fn func(*Snapshot) error) error
	Close() error
}

// Snapshot is a fully materialized copy of the stored state that records which entries changed.
type Snapshot struct {
	impressions    map[string]*attributiontypes.Impression
	epochStarts    map[string]time.Time
	privacyBudgets map[attributiontypes.PrivacyBudgetKey]int64
	lastClear      *time.Time

	changedImpressions map[string]bool
	changedEpochStarts map[string]bool
	changedBudgets     map[attributiontypes.PrivacyBudgetKey]bool
	changedLastClear   bool
}

// Dump is the serializable form of a Snapshot.
type Dump struct {
	Impressions              []*attributiontypes.Impression        `json:"impressions" codec:"impressions"`
	EpochStarts              []attributiontypes.EpochStart         `json:"epoch_starts" codec:"epoch_starts"`
	PrivacyBudgets           []attributiontypes.PrivacyBudgetEntry `json:"privacy_budgets" codec:"privacy_budgets"`
	LastBrowsingHistoryClear *time.Time                            `json:"last_browsing_history_clear,omitempty" codec:"last_browsing_history_clear"`
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		impressions:        make(map[string]*attributiontypes.Impression),
		epochStarts:        make(map[string]time.Time),
		privacyBudgets:     make(map[attributiontypes.PrivacyBudgetKey]int64),
		changedImpressions: make(map[string]bool),
		changedEpochStarts: make(map[string]bool),
		changedBudgets:     make(map[attributiontypes.PrivacyBudgetKey]bool),
	}
}

// FromDump creates a snapshot holding the dumped state with no recorded changes.
func FromDump(d *Dump) *Snapshot {
	s := NewSnapshot()
	if d == nil {
		return s
	}
	for _, i := range d.Impressions {
		s.impressions[i.ID] = i.Clone()
	}
	for _, e := range d.EpochStarts {
		s.epochStarts[e.Site] = e.Start
	}
	for _, b := range d.PrivacyBudgets {
		s.privacyBudgets[b.Key] = b.Value
	}
	if d.LastBrowsingHistoryClear != nil {
		t := *d.LastBrowsingHistoryClear
		s.lastClear = &t
	}
	return s
}

// Dump returns the state of the snapshot, sorted for stable output.
func (s *Snapshot) Dump() *Dump {
	d := &Dump{}
	for _, i := range s.impressions {
		d.Impressions = append(d.Impressions, i.Clone())
	}
	sort.Slice(d.Impressions, func(a, b int) bool {
		if !d.Impressions[a].Timestamp.Equal(d.Impressions[b].Timestamp) {
			return d.Impressions[a].Timestamp.Before(d.Impressions[b].Timestamp)
		}
		return d.Impressions[a].ID < d.Impressions[b].ID
	})
	for site, start := range s.epochStarts {
		d.EpochStarts = append(d.EpochStarts, attributiontypes.EpochStart{Site: site, Start: start})
	}
	sort.Slice(d.EpochStarts, func(a, b int) bool { return d.EpochStarts[a].Site < d.EpochStarts[b].Site })
	for key, value := range s.privacyBudgets {
		d.PrivacyBudgets = append(d.PrivacyBudgets, attributiontypes.PrivacyBudgetEntry{Key: key, Value: value})
	}
	sort.Slice(d.PrivacyBudgets, func(a, b int) bool {
		ka, kb := d.PrivacyBudgets[a].Key, d.PrivacyBudgets[b].Key
		if ka.Site != kb.Site {
			return ka.Site < kb.Site
		}
		return ka.Epoch < kb.Epoch
	})
	if s.lastClear != nil {
		t := *s.lastClear
		d.LastBrowsingHistoryClear = &t
	}
	return d
}

// Clone returns an independent copy of the snapshot with no recorded changes.
func (s *Snapshot) Clone() *Snapshot {
	return FromDump(s.Dump())
}

// Impressions returns every stored impression in no particular order.
//
// The returned records are shared with the snapshot; callers must go through PutImpression to change them.
func (s *Snapshot) Impressions() []*attributiontypes.Impression {
	result := make([]*attributiontypes.Impression, 0, len(s.impressions))
	for _, i := range s.impressions {
		result = append(result, i)
	}
	return result
}

// PutImpression inserts or replaces an impression.
func (s *Snapshot) PutImpression(i *attributiontypes.Impression) {
	s.impressions[i.ID] = i
	s.changedImpressions[i.ID] = true
}

// DeleteImpression removes an impression.
func (s *Snapshot) DeleteImpression(id string) {
	delete(s.impressions, id)
	s.changedImpressions[id] = true
}

// EpochStart returns the epoch anchor of a site.
func (s *Snapshot) EpochStart(site string) (time.Time, bool) {
	t, ok := s.epochStarts[site]
	return t, ok
}

// PutEpochStart stores the epoch anchor of a site.
func (s *Snapshot) PutEpochStart(site string, start time.Time) {
	s.epochStarts[site] = start
	s.changedEpochStarts[site] = true
}

// PrivacyBudget returns the remaining budget of a key.
func (s *Snapshot) PrivacyBudget(key attributiontypes.PrivacyBudgetKey) (int64, bool) {
	v, ok := s.privacyBudgets[key]
	return v, ok
}

// PutPrivacyBudget stores the remaining budget of a key.
func (s *Snapshot) PutPrivacyBudget(key attributiontypes.PrivacyBudgetKey, value int64) {
	s.privacyBudgets[key] = value
	s.changedBudgets[key] = true
}

// LastBrowsingHistoryClear returns the time of the last history clear.
func (s *Snapshot) LastBrowsingHistoryClear() (time.Time, bool) {
	if s.lastClear == nil {
		return time.Time{}, false
	}
	return *s.lastClear, true
}

// PutLastBrowsingHistoryClear records a history clear.
func (s *Snapshot) PutLastBrowsingHistoryClear(t time.Time) {
	s.lastClear = &t
	s.changedLastClear = true
}

// Changes lists what a snapshot changed since it was created.
type Changes struct {
	PutImpressions      []*attributiontypes.Impression
	DeletedImpressions  []string
	PutEpochStarts      []attributiontypes.EpochStart
	PutPrivacyBudgets   []attributiontypes.PrivacyBudgetEntry
	LastBrowsingHistory *time.Time
}

// Empty reports whether nothing changed.
func (c *Changes) Empty() bool {
	return len(c.PutImpressions) == 0 && len(c.DeletedImpressions) == 0 && len(c.PutEpochStarts) == 0 &&
		len(c.PutPrivacyBudgets) == 0 && c.LastBrowsingHistory == nil
}

// Changes returns the recorded changes.
func (s *Snapshot) Changes() *Changes {
	c := &Changes{}
	for id := range s.changedImpressions {
		if i, ok := s.impressions[id]; ok {
			c.PutImpressions = append(c.PutImpressions, i)
		} else {
			c.DeletedImpressions = append(c.DeletedImpressions, id)
		}
	}
	for site := range s.changedEpochStarts {
		c.PutEpochStarts = append(c.PutEpochStarts, attributiontypes.EpochStart{Site: site, Start: s.epochStarts[site]})
	}
	for key := range s.changedBudgets {
		c.PutPrivacyBudgets = append(c.PutPrivacyBudgets, attributiontypes.PrivacyBudgetEntry{Key: key, Value: s.privacyBudgets[key]})
	}
	if s.changedLastClear {
		t := *s.lastClear
		c.LastBrowsingHistory = &t
	}
	return c
}
