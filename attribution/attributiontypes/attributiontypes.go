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

// Package attributiontypes contains the records and request types shared by the attribution packages.
package attributiontypes

import (
	"sort"
	"time"
)

// Defaults applied to options omitted by the caller.
const (
	DefaultImpressionLifetimeDays = 30
	DefaultImpressionMatchValue   = 0
	DefaultImpressionPriority     = 0

	DefaultConversionEpsilon  = 1.0
	DefaultConversionLogic    = LogicLastNTouch
	DefaultConversionValue    = 1
	DefaultConversionMaxValue = 1

	// MaxConversionEpsilon bounds both the per-query epsilon and the fraction of epsilon a single
	// budget charge may consume.
	MaxConversionEpsilon = 4294

	// DefaultPrivacyBudgetHeadroom is added to the configured quota of every new budget entry.
	DefaultPrivacyBudgetHeadroom = 1000

	// MicroEpsilonsPerEpsilon converts an epsilon fraction to budget units.
	MicroEpsilonsPerEpsilon = 1000000

	// MaxSafeInteger bounds conversion values so credit shares stay exact in float64.
	MaxSafeInteger = 1<<53 - 1
)

// LogicLastNTouch credits the first N matching impressions ordered by ascending priority, then by recency.
const LogicLastNTouch = "last-n-touch"

// Protocols understood by aggregation services.
const (
	ProtocolDAP15Histogram = "dap-15-histogram"
	ProtocolTEE00          = "tee-00"
)

// Day is the fixed 24-hour unit used for lifetimes and lookback windows.
const Day = 24 * time.Hour

// TimePrecision is the resolution of every time the engine stores. Firestore and the CBOR snapshot
// codec keep microseconds.
const TimePrecision = time.Microsecond

// StoredTime truncates t to TimePrecision.
func StoredTime(t time.Time) time.Time {
	return t.Truncate(TimePrecision)
}

// MaxDays is the longest whole number of days a time.Duration can hold.
const MaxDays = int64(1<<63-1) / int64(Day)

// Days converts a whole number of days to a duration.
func Days(days int) time.Duration {
	return time.Duration(days) * Day
}

// AggregationService describes a service that can receive conversion reports.
type AggregationService struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol"`
}

// Impression is a stored impression event.
//
// ConversionSites and ConversionCallers are sorted and deduplicated; an empty slice matches any site.
// IntermediarySite is empty when the impression was registered by the top-level site itself.
type Impression struct {
	ID                string        `json:"id" firestore:"id" codec:"id"`
	MatchValue        int64         `json:"match_value" firestore:"match_value" codec:"match_value"`
	ImpressionSite    string        `json:"impression_site" firestore:"impression_site" codec:"impression_site"`
	IntermediarySite  string        `json:"intermediary_site,omitempty" firestore:"intermediary_site" codec:"intermediary_site"`
	ConversionSites   []string      `json:"conversion_sites,omitempty" firestore:"conversion_sites" codec:"conversion_sites"`
	ConversionCallers []string      `json:"conversion_callers,omitempty" firestore:"conversion_callers" codec:"conversion_callers"`
	Timestamp         time.Time     `json:"timestamp" firestore:"timestamp" codec:"timestamp"`
	Lifetime          time.Duration `json:"lifetime" firestore:"lifetime" codec:"lifetime"`
	HistogramIndex    int64         `json:"histogram_index" firestore:"histogram_index" codec:"histogram_index"`
	Priority          int64         `json:"priority" firestore:"priority" codec:"priority"`
}

// Expiry returns the instant after which the impression can no longer be attributed.
func (i *Impression) Expiry() time.Time {
	return i.Timestamp.Add(i.Lifetime)
}

// Caller returns the site that registered the impression.
func (i *Impression) Caller() string {
	if i.IntermediarySite != "" {
		return i.IntermediarySite
	}
	return i.ImpressionSite
}

// Clone returns a deep copy of the impression.
func (i *Impression) Clone() *Impression {
	c := *i
	c.ConversionSites = append([]string(nil), i.ConversionSites...)
	c.ConversionCallers = append([]string(nil), i.ConversionCallers...)
	return &c
}

// EpochStart is the randomly phase-shifted anchor of a site's epochs.
type EpochStart struct {
	Site  string    `json:"site" firestore:"site" codec:"site"`
	Start time.Time `json:"start" firestore:"start" codec:"start"`
}

// PrivacyBudgetKey identifies the budget of one site during one epoch.
type PrivacyBudgetKey struct {
	Site  string `json:"site" firestore:"site" codec:"site"`
	Epoch int64  `json:"epoch" firestore:"epoch" codec:"epoch"`
}

// PrivacyBudgetEntry holds the remaining budget in micro-epsilons.
type PrivacyBudgetEntry struct {
	Key   PrivacyBudgetKey `json:"key" firestore:"key" codec:"key"`
	Value int64            `json:"value" firestore:"value" codec:"value"`
}

// ImpressionOptions are the caller-supplied parameters of a save-impression request.
//
// HistogramIndex is required; other nil pointers take the documented defaults.
type ImpressionOptions struct {
	HistogramIndex    *int64   `json:"histogramIndex"`
	MatchValue        int64    `json:"matchValue,omitempty"`
	ConversionSites   []string `json:"conversionSites,omitempty"`
	ConversionCallers []string `json:"conversionCallers,omitempty"`
	LifetimeDays      *int64   `json:"lifetimeDays,omitempty"`
	Priority          int64    `json:"priority,omitempty"`
}

// LogicOptions parameterize the attribution logic.
type LogicOptions struct {
	Credit []float64 `json:"credit,omitempty"`
}

// ConversionOptions are the caller-supplied parameters of a measure-conversion request.
//
// Nil pointers and nil slices take the documented defaults.
type ConversionOptions struct {
	AggregationService string        `json:"aggregationService"`
	Epsilon            *float64      `json:"epsilon,omitempty"`
	HistogramSize      int64         `json:"histogramSize"`
	LookbackDays       *int64        `json:"lookbackDays,omitempty"`
	MatchValues        []int64       `json:"matchValues,omitempty"`
	ImpressionSites    []string      `json:"impressionSites,omitempty"`
	ImpressionCallers  []string      `json:"impressionCallers,omitempty"`
	Logic              string        `json:"logic,omitempty"`
	LogicOptions       *LogicOptions `json:"logicOptions,omitempty"`
	Value              *int64        `json:"value,omitempty"`
	MaxValue           *int64        `json:"maxValue,omitempty"`
}

// ConversionQuery is a validated, immutable measure-conversion request.
type ConversionQuery struct {
	AggregationService AggregationService
	Epsilon            float64
	HistogramSize      int64
	Lookback           time.Duration
	MatchValues        map[int64]bool
	ImpressionSites    map[string]bool
	ImpressionCallers  map[string]bool
	Logic              string
	Credit             []float64
	Value              int64
	MaxValue           int64
}

// ConversionResult is the outcome of a measure-conversion request.
//
// UnencryptedHistogram is only populated for debugging deployments.
type ConversionResult struct {
	Report               []byte  `json:"report"`
	UnencryptedHistogram []int64 `json:"unencryptedHistogram,omitempty"`
}

// SiteSet sorts and deduplicates sites.
func SiteSet(sites []string) []string {
	if len(sites) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(sites))
	var result []string
	for _, s := range sites {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	sort.Strings(result)
	return result
}

// ContainsSite reports whether a sorted site set contains the site.
func ContainsSite(set []string, site string) bool {
	i := sort.SearchStrings(set, site)
	return i < len(set) && set[i] == site
}

// AllowsSite reports whether a sorted site set is empty or contains the site.
func AllowsSite(set []string, site string) bool {
	return len(set) == 0 || ContainsSite(set, site)
}

// AllZeroHistogram returns a histogram of the given size with every bucket set to zero.
func AllZeroHistogram(size int64) []int64 {
	return make([]int64, size)
}
