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

// Package epochclock maps instants to the randomly phase-shifted, per-site epochs that privacy budgets are
// accounted in.
package epochclock

import (
	"fmt"
	"math"
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// Anchors holds the epoch anchor of every site and the browsing history clear marker.
type Anchors interface {
	EpochStart(site string) (time.Time, bool)
	PutEpochStart(site string, start time.Time)
	LastBrowsingHistoryClear() (time.Time, bool)
}

// Clock computes epoch indexes.
type Clock struct {
	// Period is the length of one epoch.
	Period time.Duration
	// Rand returns a uniform value in [0, 1); it fixes the phase of a site's epochs.
	Rand func() float64
	// EarliestEpochIndex returns the first epoch of a site that may ever be scanned.
	EarliestEpochIndex func(site string) int64
}

// EpochOf returns the epoch of site that contains t.
//
// The first call for a site draws the phase and stores the anchor; it is never recomputed afterwards.
func (c *Clock) EpochOf(anchors Anchors, site string, t time.Time) (int64, error) {
	if c.Period <= 0 {
		return 0, fmt.Errorf("%w: epoch period must be positive, got %v", attributiontypes.ErrRange, c.Period)
	}
	start, ok := anchors.EpochStart(site)
	if !ok {
		p, err := attributiontypes.CheckRandom(c.Rand())
		if err != nil {
			return 0, err
		}
		// Anchors are stored with microsecond precision.
		start = attributiontypes.StoredTime(t.Add(-time.Duration(p * float64(c.Period))))
		anchors.PutEpochStart(site, start)
		log.V(2).Infof("fixed epoch anchor of %q at %v", site, start)
	}
	return int64(math.Floor(float64(t.Sub(start)) / float64(c.Period))), nil
}

// StartEpochOf returns the first epoch of site that may be scanned for matching impressions.
//
// After a browsing history clear, the epoch of the clear and the one following it are excluded.
func (c *Clock) StartEpochOf(anchors Anchors, site string) (int64, error) {
	var start int64
	if c.EarliestEpochIndex != nil {
		start = c.EarliestEpochIndex(site)
	}
	cleared, ok := anchors.LastBrowsingHistoryClear()
	if !ok {
		return start, nil
	}
	clearEpoch, err := c.EpochOf(anchors, site, cleared)
	if err != nil {
		return 0, err
	}
	if clearEpoch+2 > start {
		return clearEpoch + 2, nil
	}
	return start, nil
}
