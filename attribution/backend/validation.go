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

package backend

import (
	"fmt"
	"math"

	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/attribution/sites"
)

// validateImpression turns save-impression options into an impression record without ID or timestamp.
func (b *Backend) validateImpression(impressionSite, intermediarySite string, opts *attributiontypes.ImpressionOptions) (*attributiontypes.Impression, error) {
	impressionSite, err := sites.Parse(impressionSite)
	if err != nil {
		return nil, err
	}
	intermediarySite, err = sites.ParseOptional(intermediarySite)
	if err != nil {
		return nil, err
	}

	if opts.HistogramIndex == nil {
		return nil, fmt.Errorf("%w: histogramIndex is required", attributiontypes.ErrRange)
	}
	if *opts.HistogramIndex < 0 || *opts.HistogramIndex >= b.config.MaxHistogramSize {
		return nil, fmt.Errorf("%w: histogramIndex must be an integer in the range [0, %d)", attributiontypes.ErrRange, b.config.MaxHistogramSize)
	}

	lifetimeDays := int64(attributiontypes.DefaultImpressionLifetimeDays)
	if opts.LifetimeDays != nil {
		lifetimeDays = *opts.LifetimeDays
	}
	if lifetimeDays <= 0 {
		return nil, fmt.Errorf("%w: lifetimeDays must be a positive integer", attributiontypes.ErrRange)
	}
	if lifetimeDays > b.config.MaxLifetimeDays {
		lifetimeDays = b.config.MaxLifetimeDays
	}

	if got, limit := len(opts.ConversionSites), b.config.MaxConversionSitesPerImpression; got > limit {
		return nil, fmt.Errorf("%w: conversionSites length must be <= %d, got %d", attributiontypes.ErrRange, limit, got)
	}
	conversionSites, err := sites.ParseAll(opts.ConversionSites)
	if err != nil {
		return nil, err
	}

	if got, limit := len(opts.ConversionCallers), b.config.MaxConversionCallersPerImpression; got > limit {
		return nil, fmt.Errorf("%w: conversionCallers length must be <= %d, got %d", attributiontypes.ErrRange, limit, got)
	}
	conversionCallers, err := sites.ParseAll(opts.ConversionCallers)
	if err != nil {
		return nil, err
	}

	if opts.MatchValue < 0 {
		return nil, fmt.Errorf("%w: matchValue must be a non-negative integer", attributiontypes.ErrRange)
	}

	return &attributiontypes.Impression{
		MatchValue:        opts.MatchValue,
		ImpressionSite:    impressionSite,
		IntermediarySite:  intermediarySite,
		ConversionSites:   conversionSites,
		ConversionCallers: conversionCallers,
		Lifetime:          attributiontypes.Days(int(lifetimeDays)),
		HistogramIndex:    *opts.HistogramIndex,
		Priority:          opts.Priority,
	}, nil
}

func siteMap(inputs []string) (map[string]bool, error) {
	parsed, err := sites.ParseAll(inputs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(parsed))
	for _, s := range parsed {
		result[s] = true
	}
	return result, nil
}

// validateConversion turns measure-conversion options into a query with every default applied.
func (b *Backend) validateConversion(opts *attributiontypes.ConversionOptions) (*attributiontypes.ConversionQuery, error) {
	service, ok := b.config.AggregationServices[opts.AggregationService]
	if !ok {
		return nil, fmt.Errorf("%w: unknown aggregation service %q", attributiontypes.ErrReference, opts.AggregationService)
	}
	service.URL = opts.AggregationService

	epsilon := attributiontypes.DefaultConversionEpsilon
	if opts.Epsilon != nil {
		epsilon = *opts.Epsilon
	}
	if !(epsilon > 0 && epsilon <= attributiontypes.MaxConversionEpsilon) {
		return nil, fmt.Errorf("%w: epsilon must be in the range (0, %d]", attributiontypes.ErrRange, attributiontypes.MaxConversionEpsilon)
	}

	if opts.HistogramSize < 1 || opts.HistogramSize > b.config.MaxHistogramSize {
		return nil, fmt.Errorf("%w: histogramSize must be an integer in the range [1, %d]", attributiontypes.ErrRange, b.config.MaxHistogramSize)
	}

	logic := opts.Logic
	if logic == "" {
		logic = attributiontypes.DefaultConversionLogic
	}
	value := int64(attributiontypes.DefaultConversionValue)
	if opts.Value != nil {
		value = *opts.Value
	}
	maxValue := int64(attributiontypes.DefaultConversionMaxValue)
	if opts.MaxValue != nil {
		maxValue = *opts.MaxValue
	}
	credit := []float64{1}

	switch logic {
	case attributiontypes.LogicLastNTouch:
		if value <= 0 {
			return nil, fmt.Errorf("%w: value must be a positive integer", attributiontypes.ErrRange)
		}
		if maxValue <= 0 {
			return nil, fmt.Errorf("%w: maxValue must be a positive integer", attributiontypes.ErrRange)
		}
		if maxValue > attributiontypes.MaxSafeInteger {
			return nil, fmt.Errorf("%w: maxValue must not exceed %d", attributiontypes.ErrRange, int64(attributiontypes.MaxSafeInteger))
		}
		if value > maxValue {
			return nil, fmt.Errorf("%w: value must be <= maxValue", attributiontypes.ErrRange)
		}
		if opts.LogicOptions != nil && opts.LogicOptions.Credit != nil {
			credit = opts.LogicOptions.Credit
			if limit := b.config.MaxCreditSize; len(credit) == 0 || (limit > 0 && len(credit) > limit) {
				return nil, fmt.Errorf("%w: credit size must be in the range [1, %d], got %d", attributiontypes.ErrRange, limit, len(credit))
			}
			for _, c := range credit {
				if !(c > 0) || math.IsInf(c, 1) {
					return nil, fmt.Errorf("%w: credit must be positive and finite, got %v", attributiontypes.ErrRange, c)
				}
			}
			credit = append([]float64(nil), credit...)
		}
	default:
		return nil, fmt.Errorf("%w: unknown logic %q", attributiontypes.ErrReference, logic)
	}

	lookbackDays := b.config.MaxLookbackDays
	if opts.LookbackDays != nil {
		lookbackDays = *opts.LookbackDays
	}
	if lookbackDays <= 0 {
		return nil, fmt.Errorf("%w: lookbackDays must be a positive integer", attributiontypes.ErrRange)
	}
	// A time.Duration holds at most MaxDays.
	if lookbackDays > attributiontypes.MaxDays {
		lookbackDays = attributiontypes.MaxDays
	}

	matchValues := make(map[int64]bool, len(opts.MatchValues))
	for _, v := range opts.MatchValues {
		if v < 0 {
			return nil, fmt.Errorf("%w: match value must be a non-negative integer, got %d", attributiontypes.ErrRange, v)
		}
		matchValues[v] = true
	}

	impressionSites, err := siteMap(opts.ImpressionSites)
	if err != nil {
		return nil, err
	}
	impressionCallers, err := siteMap(opts.ImpressionCallers)
	if err != nil {
		return nil, err
	}

	return &attributiontypes.ConversionQuery{
		AggregationService: service,
		Epsilon:            epsilon,
		HistogramSize:      opts.HistogramSize,
		Lookback:           attributiontypes.Days(int(lookbackDays)),
		MatchValues:        matchValues,
		ImpressionSites:    impressionSites,
		ImpressionCallers:  impressionCallers,
		Logic:              logic,
		Credit:             credit,
		Value:              value,
		MaxValue:           maxValue,
	}, nil
}
