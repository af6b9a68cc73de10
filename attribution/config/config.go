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

// Package config holds the deployment parameters of the attribution backend.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/shared/utils"
)

// Config contains the limits and privacy parameters of a deployment.
type Config struct {
	// AggregationServices maps the service URLs accepted by measure-conversion to their descriptions.
	AggregationServices map[string]attributiontypes.AggregationService `json:"aggregationServices"`
	// IncludeUnencryptedHistogram releases the plain histogram next to the report, for debugging only.
	IncludeUnencryptedHistogram bool `json:"includeUnencryptedHistogram,omitempty"`

	MaxConversionSitesPerImpression   int `json:"maxConversionSitesPerImpression"`
	MaxConversionCallersPerImpression int `json:"maxConversionCallersPerImpression"`
	// MaxCreditSize bounds the length of the credit vector; 0 means no bound.
	MaxCreditSize    int   `json:"maxCreditSize,omitempty"`
	MaxLifetimeDays  int64 `json:"maxLifetimeDays"`
	MaxLookbackDays  int64 `json:"maxLookbackDays"`
	MaxHistogramSize int64 `json:"maxHistogramSize"`

	PrivacyBudgetMicroEpsilons int64 `json:"privacyBudgetMicroEpsilons"`
	PrivacyBudgetEpochDays     int64 `json:"privacyBudgetEpochDays"`
	// PrivacyBudgetHeadroom is added to the quota of every new budget entry, in micro-epsilons.
	PrivacyBudgetHeadroom int64 `json:"privacyBudgetHeadroom"`
}

// DefaultConfig returns the configuration used when a file omits a field.
func DefaultConfig() *Config {
	return &Config{
		AggregationServices: map[string]attributiontypes.AggregationService{
			"": {Protocol: attributiontypes.ProtocolDAP15Histogram},
		},
		MaxConversionSitesPerImpression:   10,
		MaxConversionCallersPerImpression: 10,
		MaxLifetimeDays:                   30,
		MaxLookbackDays:                   60,
		MaxHistogramSize:                  100,
		PrivacyBudgetMicroEpsilons:        1000000,
		PrivacyBudgetEpochDays:            7,
		PrivacyBudgetHeadroom:             attributiontypes.DefaultPrivacyBudgetHeadroom,
	}
}

// Epoch returns the privacy budget epoch length.
func (c *Config) Epoch() time.Duration {
	return attributiontypes.Days(int(c.PrivacyBudgetEpochDays))
}

// Validate checks that every limit is usable.
func (c *Config) Validate() error {
	for url, s := range c.AggregationServices {
		switch s.Protocol {
		case attributiontypes.ProtocolDAP15Histogram, attributiontypes.ProtocolTEE00:
		default:
			return fmt.Errorf("unknown protocol %q for aggregation service %q", s.Protocol, url)
		}
	}
	if c.MaxConversionSitesPerImpression < 0 {
		return fmt.Errorf("maxConversionSitesPerImpression should be non-negative, got %d", c.MaxConversionSitesPerImpression)
	}
	if c.MaxConversionCallersPerImpression < 0 {
		return fmt.Errorf("maxConversionCallersPerImpression should be non-negative, got %d", c.MaxConversionCallersPerImpression)
	}
	if c.MaxCreditSize < 0 {
		return fmt.Errorf("maxCreditSize should be non-negative, got %d", c.MaxCreditSize)
	}
	if c.MaxLifetimeDays <= 0 {
		return fmt.Errorf("maxLifetimeDays should be positive, got %d", c.MaxLifetimeDays)
	}
	if c.MaxLookbackDays <= 0 {
		return fmt.Errorf("maxLookbackDays should be positive, got %d", c.MaxLookbackDays)
	}
	if c.MaxHistogramSize <= 0 {
		return fmt.Errorf("maxHistogramSize should be positive, got %d", c.MaxHistogramSize)
	}
	if c.PrivacyBudgetMicroEpsilons < 0 {
		return fmt.Errorf("privacyBudgetMicroEpsilons should be non-negative, got %d", c.PrivacyBudgetMicroEpsilons)
	}
	if c.PrivacyBudgetEpochDays <= 0 {
		return fmt.Errorf("privacyBudgetEpochDays should be positive, got %d", c.PrivacyBudgetEpochDays)
	}
	if c.PrivacyBudgetHeadroom < 0 {
		return errors.New("privacyBudgetHeadroom should be non-negative")
	}
	return nil
}

// ReadConfigFile reads a JSON config from a local, GCS or HTTP(S) location and validates it.
//
// Fields missing from the file keep the values of DefaultConfig.
func ReadConfigFile(ctx context.Context, filename string) (*Config, error) {
	b, err := utils.ReadBytes(ctx, filename)
	if err != nil {
		return nil, err
	}
	return Parse(b, DefaultConfig())
}

// Parse decodes a JSON config over base and validates the result. base is modified.
func Parse(b []byte, base *Config) (*Config, error) {
	baseServices := base.AggregationServices
	base.AggregationServices = nil
	if err := json.Unmarshal(b, base); err != nil {
		return nil, err
	}
	if base.AggregationServices == nil {
		base.AggregationServices = baseServices
	}
	return base, base.Validate()
}

// WriteConfigFile writes the config as JSON to a local or GCS location.
func WriteConfigFile(ctx context.Context, config *Config, filename string) error {
	b, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteBytes(ctx, b, filename)
}
