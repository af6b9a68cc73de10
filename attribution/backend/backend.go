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

// Package backend contains the attribution engine: it registers impressions, attributes conversions to them
// and releases histograms gated by per-site, per-epoch privacy budgets.
//
// Every external call runs in a single storage scope. Budget charges made during a measurement are
// persisted even when a later step of the same call fails.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/attribution/config"
	"github.com/google/privacy-sandbox-attribution/attribution/epochclock"
	"github.com/google/privacy-sandbox-attribution/attribution/fairallocation"
	"github.com/google/privacy-sandbox-attribution/attribution/impressionstore"
	"github.com/google/privacy-sandbox-attribution/attribution/matching"
	"github.com/google/privacy-sandbox-attribution/attribution/privacybudget"
	"github.com/google/privacy-sandbox-attribution/attribution/reportencryptor"
	"github.com/google/privacy-sandbox-attribution/attribution/sites"
	"github.com/google/privacy-sandbox-attribution/storage"
)

// Options contains the collaborators of a Backend.
type Options struct {
	// Store is required.
	Store storage.Store
	// Now defaults to time.Now.
	Now func() time.Time
	// Rand returns uniform values in [0, 1); it defaults to math/rand.
	Rand func() float64
	// EarliestEpochIndex defaults to 0 for every site.
	EarliestEpochIndex func(site string) int64
	// Encryptor defaults to reportencryptor.Stub.
	Encryptor reportencryptor.Encryptor
}

// Backend is the attribution engine.
type Backend struct {
	config    *config.Config
	store     storage.Store
	now       func() time.Time
	rand      func() float64
	clock     *epochclock.Clock
	matcher   *matching.Matcher
	ledger    *privacybudget.Ledger
	encryptor reportencryptor.Encryptor
	disabled  atomic.Bool
}

// New creates a Backend for a validated config.
func New(cfg *config.Config, opts Options) (*Backend, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	b := &Backend{
		config:    cfg,
		store:     opts.Store,
		now:       opts.Now,
		rand:      opts.Rand,
		encryptor: opts.Encryptor,
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	if b.encryptor == nil {
		b.encryptor = reportencryptor.Stub{}
	}
	earliest := opts.EarliestEpochIndex
	if earliest == nil {
		earliest = func(string) int64 { return 0 }
	}
	b.clock = &epochclock.Clock{Period: cfg.Epoch(), Rand: b.rand, EarliestEpochIndex: earliest}
	b.matcher = &matching.Matcher{Clock: b.clock}
	b.ledger = &privacybudget.Ledger{MaxMicroEpsilons: cfg.PrivacyBudgetMicroEpsilons, Headroom: cfg.PrivacyBudgetHeadroom}
	return b, nil
}

// SetEnabled switches the API on or off. A disabled API still validates requests but stores nothing and
// releases only all-zero histograms.
func (b *Backend) SetEnabled(enabled bool) {
	b.disabled.Store(!enabled)
}

// Enabled reports whether the API is on.
func (b *Backend) Enabled() bool {
	return !b.disabled.Load()
}

// AggregationServices returns the aggregation services conversions can be measured for.
func (b *Backend) AggregationServices() map[string]attributiontypes.AggregationService {
	return b.config.AggregationServices
}

// SaveImpression validates and stores an impression registered by impressionSite, optionally through
// intermediarySite.
func (b *Backend) SaveImpression(ctx context.Context, impressionSite, intermediarySite string, opts attributiontypes.ImpressionOptions) error {
	impression, err := b.validateImpression(impressionSite, intermediarySite, &opts)
	if err != nil {
		return err
	}
	impression.Timestamp = attributiontypes.StoredTime(b.now())

	if !b.Enabled() {
		log.V(1).Info("attribution is disabled, dropping impression")
		return nil
	}

	impression.ID = uuid.New()
	if err := b.store.Update(ctx, func(s *storage.Snapshot) error {
		impressionstore.Add(s, impression)
		return nil
	}); err != nil {
		return fmt.Errorf("failed in saving impression: %w", err)
	}
	log.V(2).Infof("saved impression %s from %s for histogram index %d", impression.ID, impression.ImpressionSite, impression.HistogramIndex)
	return nil
}

// MeasureConversion attributes a conversion on topLevelSite, optionally measured through
// intermediarySite, and returns the encrypted histogram.
//
// Running out of privacy budget is not an error: the histogram is then all zeros, exactly as if no
// impression matched.
func (b *Backend) MeasureConversion(ctx context.Context, topLevelSite, intermediarySite string, opts attributiontypes.ConversionOptions) (*attributiontypes.ConversionResult, error) {
	topLevelSite, err := sites.Parse(topLevelSite)
	if err != nil {
		return nil, err
	}
	intermediarySite, err = sites.ParseOptional(intermediarySite)
	if err != nil {
		return nil, err
	}
	now := b.now()
	query, err := b.validateConversion(&opts)
	if err != nil {
		return nil, err
	}

	histogram := attributiontypes.AllZeroHistogram(query.HistogramSize)
	if b.Enabled() {
		if err := b.store.Update(ctx, func(s *storage.Snapshot) error {
			h, err := b.attribute(s, topLevelSite, intermediarySite, now, query)
			if err != nil {
				return err
			}
			histogram = h
			return nil
		}); err != nil {
			return nil, err
		}
	}

	report, err := b.encryptor.Encrypt(histogram, query.AggregationService)
	if err != nil {
		return nil, fmt.Errorf("failed in encrypting report: %w", err)
	}
	result := &attributiontypes.ConversionResult{Report: report}
	if b.config.IncludeUnencryptedHistogram {
		result.UnencryptedHistogram = histogram
	}
	return result, nil
}

// attribute runs the measurement inside one storage scope and returns the histogram to release.
func (b *Backend) attribute(s *storage.Snapshot, site, intermediarySite string, now time.Time, query *attributiontypes.ConversionQuery) ([]int64, error) {
	currentEpoch, err := b.clock.EpochOf(s, site, now)
	if err != nil {
		return nil, err
	}
	startEpoch, err := b.clock.StartEpochOf(s, site)
	if err != nil {
		return nil, err
	}
	earliestEpoch, err := b.clock.EpochOf(s, site, now.Add(-query.Lookback))
	if err != nil {
		return nil, err
	}
	singleEpoch := currentEpoch == earliestEpoch

	var matched []*attributiontypes.Impression
	if singleEpoch {
		if currentEpoch >= startEpoch {
			if matched, err = b.matcher.Match(s, site, intermediarySite, currentEpoch, now, query); err != nil {
				return nil, err
			}
		}
	} else {
		first := startEpoch
		if earliestEpoch > first {
			first = earliestEpoch
		}
		for epoch := first; epoch <= currentEpoch; epoch++ {
			impressions, err := b.matcher.Match(s, site, intermediarySite, epoch, now, query)
			if err != nil {
				return nil, err
			}
			if len(impressions) == 0 {
				continue
			}
			key := attributiontypes.PrivacyBudgetKey{Site: site, Epoch: epoch}
			if b.ledger.Charge(s, key, query.Epsilon, float64(query.Value), float64(query.MaxValue)) {
				matched = append(matched, impressions...)
			}
		}
	}
	log.V(2).Infof("conversion on %s matched %d impressions in epochs [%d, %d]", site, len(matched), earliestEpoch, currentEpoch)

	if len(matched) == 0 {
		return attributiontypes.AllZeroHistogram(query.HistogramSize), nil
	}

	histogram, err := b.fillHistogramWithLastNTouch(matched, query)
	if err != nil {
		return nil, err
	}

	if singleEpoch {
		var l1Norm int64
		for _, v := range histogram {
			l1Norm += v
		}
		if l1Norm > query.Value {
			return nil, fmt.Errorf("%w: l1 norm %d exceeds value %d", attributiontypes.ErrInvalidState, l1Norm, query.Value)
		}
		key := attributiontypes.PrivacyBudgetKey{Site: site, Epoch: currentEpoch}
		if !b.ledger.Charge(s, key, query.Epsilon, float64(l1Norm)/2, float64(query.MaxValue)) {
			return attributiontypes.AllZeroHistogram(query.HistogramSize), nil
		}
	}
	return histogram, nil
}

// fillHistogramWithLastNTouch credits the impressions with the lowest priority values, most recent first
// among equal priorities, according to the credit vector of the query.
func (b *Backend) fillHistogramWithLastNTouch(matched []*attributiontypes.Impression, query *attributiontypes.ConversionQuery) ([]int64, error) {
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: matched impressions must not be empty", attributiontypes.ErrInvalidState)
	}

	sorted := append([]*attributiontypes.Impression(nil), matched...)
	sort.Slice(sorted, func(i, j int) bool {
		x, y := sorted[i], sorted[j]
		if x.Priority != y.Priority {
			return x.Priority < y.Priority
		}
		if !x.Timestamp.Equal(y.Timestamp) {
			return x.Timestamp.After(y.Timestamp)
		}
		return x.ID < y.ID
	})

	n := len(query.Credit)
	if len(sorted) < n {
		n = len(sorted)
	}

	credit, err := fairallocation.Allocate(query.Credit, query.Value, b.rand)
	if err != nil {
		return nil, err
	}

	histogram := attributiontypes.AllZeroHistogram(query.HistogramSize)
	for i, impression := range sorted[:n] {
		if impression.HistogramIndex < query.HistogramSize {
			histogram[impression.HistogramIndex] += credit[i]
		}
	}
	return histogram, nil
}

// ClearImpressionsForConversionSite revokes every grant site holds on stored impressions.
func (b *Backend) ClearImpressionsForConversionSite(ctx context.Context, site string) error {
	site, err := sites.Parse(site)
	if err != nil {
		return err
	}
	return b.store.Update(ctx, func(s *storage.Snapshot) error {
		updated, deleted := impressionstore.ClearForConversionSite(s, site)
		log.Infof("cleared conversion site %s: %d impressions updated, %d deleted", site, updated, deleted)
		return nil
	})
}

// ClearExpiredImpressions deletes the impressions whose lifetime has passed.
func (b *Backend) ClearExpiredImpressions(ctx context.Context) error {
	now := b.now()
	return b.store.Update(ctx, func(s *storage.Snapshot) error {
		if deleted := impressionstore.ClearExpired(s, now); deleted > 0 {
			log.Infof("deleted %d expired impressions", deleted)
		}
		return nil
	})
}

// ClearBrowsingHistory records that the browsing history was cleared now. Epochs up to the one after
// the clear are no longer matched.
func (b *Backend) ClearBrowsingHistory(ctx context.Context) error {
	now := attributiontypes.StoredTime(b.now())
	return b.store.Update(ctx, func(s *storage.Snapshot) error {
		s.PutLastBrowsingHistoryClear(now)
		return nil
	})
}

// State returns the stored impressions, epoch anchors, privacy budgets and history clear marker.
func (b *Backend) State(ctx context.Context) (*storage.Dump, error) {
	var dump *storage.Dump
	if err := b.store.View(ctx, func(s *storage.Snapshot) error {
		dump = s.Dump()
		return nil
	}); err != nil {
		return nil, err
	}
	return dump, nil
}
