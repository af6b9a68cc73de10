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

// Package headers parses the HTTP structured header form of attribution requests.
package headers

import (
	"fmt"

	"github.com/dunglas/httpsfv"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// SaveImpressionHeader is the request header carrying save-impression options.
const SaveImpressionHeader = "Attribution-Save-Impression"

// Dictionary keys of the save-impression header.
const (
	histogramIndexKey    = "histogram-index"
	matchValueKey        = "match-value"
	conversionSitesKey   = "conversion-sites"
	conversionCallersKey = "conversion-callers"
	lifetimeDaysKey      = "lifetime-days"
	priorityKey          = "priority"
)

func integerItem(dict *httpsfv.Dictionary, key string, def *int64) (int64, error) {
	m, ok := dict.Get(key)
	if !ok {
		if def == nil {
			return 0, fmt.Errorf("%w: %s is required", attributiontypes.ErrRange, key)
		}
		return *def, nil
	}
	item, ok := m.(httpsfv.Item)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be an integer", attributiontypes.ErrSyntax, key)
	}
	v, ok := item.Value.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be an integer", attributiontypes.ErrSyntax, key)
	}
	return v, nil
}

func innerListOfStrings(dict *httpsfv.Dictionary, key string) ([]string, error) {
	m, ok := dict.Get(key)
	if !ok {
		return nil, nil
	}
	list, ok := m.(httpsfv.InnerList)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an inner list", attributiontypes.ErrSyntax, key)
	}
	var result []string
	for i, item := range list.Items {
		s, ok := item.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] must be a string", attributiontypes.ErrSyntax, key, i)
		}
		result = append(result, s)
	}
	return result, nil
}

// ParseSaveImpressionHeader parses the values of the save-impression header.
//
// Omitted members take their defaults; unknown members and parameters are ignored. Sites are returned
// as written and still need to be canonicalized.
func ParseSaveImpressionHeader(values []string) (*attributiontypes.ImpressionOptions, error) {
	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s header: %v", attributiontypes.ErrSyntax, SaveImpressionHeader, err)
	}

	histogramIndex, err := integerItem(dict, histogramIndexKey, nil)
	if err != nil {
		return nil, err
	}
	if histogramIndex < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", attributiontypes.ErrRange, histogramIndexKey)
	}

	conversionSites, err := innerListOfStrings(dict, conversionSitesKey)
	if err != nil {
		return nil, err
	}
	conversionCallers, err := innerListOfStrings(dict, conversionCallersKey)
	if err != nil {
		return nil, err
	}

	defaultMatchValue := int64(attributiontypes.DefaultImpressionMatchValue)
	matchValue, err := integerItem(dict, matchValueKey, &defaultMatchValue)
	if err != nil {
		return nil, err
	}
	if matchValue < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", attributiontypes.ErrRange, matchValueKey)
	}

	defaultLifetimeDays := int64(attributiontypes.DefaultImpressionLifetimeDays)
	lifetimeDays, err := integerItem(dict, lifetimeDaysKey, &defaultLifetimeDays)
	if err != nil {
		return nil, err
	}
	if lifetimeDays <= 0 {
		return nil, fmt.Errorf("%w: %s must be a positive integer", attributiontypes.ErrRange, lifetimeDaysKey)
	}

	defaultPriority := int64(attributiontypes.DefaultImpressionPriority)
	priority, err := integerItem(dict, priorityKey, &defaultPriority)
	if err != nil {
		return nil, err
	}

	return &attributiontypes.ImpressionOptions{
		HistogramIndex:    &histogramIndex,
		MatchValue:        matchValue,
		ConversionSites:   conversionSites,
		ConversionCallers: conversionCallers,
		LifetimeDays:      &lifetimeDays,
		Priority:          priority,
	}, nil
}
