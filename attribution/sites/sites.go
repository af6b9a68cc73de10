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

// Package sites derives registrable domains ("sites") from hosts, origins and URLs.
package sites

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// Parse returns the registrable domain of the input.
//
// The input can be a bare host ("www.example.com") or an origin/URL ("https://www.example.com/path").
func Parse(input string) (string, error) {
	host := strings.TrimSpace(input)
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("%w: invalid site %q: %v", attributiontypes.ErrSyntax, input, err)
		}
		host = u.Hostname()
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || strings.ContainsAny(host, "/:?#@ ") {
		return "", fmt.Errorf("%w: invalid site %q", attributiontypes.ErrSyntax, input)
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("%w: invalid site %q: %v", attributiontypes.ErrSyntax, input, err)
	}
	return site, nil
}

// ParseAll parses every input and returns the sorted, deduplicated sites.
func ParseAll(inputs []string) ([]string, error) {
	result := make([]string, 0, len(inputs))
	for _, in := range inputs {
		site, err := Parse(in)
		if err != nil {
			return nil, err
		}
		result = append(result, site)
	}
	return attributiontypes.SiteSet(result), nil
}

// ParseOptional parses the input unless it is empty, which denotes an absent site.
func ParseOptional(input string) (string, error) {
	if input == "" {
		return "", nil
	}
	return Parse(input)
}
