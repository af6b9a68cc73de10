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

// Package simulation replays scripted impression and conversion events against an attribution engine and
// checks the released histograms.
//
// A script is a JSON object with an optional "config" (fields of config.Config) and a list of "events".
// Each event advances the clock by "seconds" and then saves an impression or measures a conversion:
//
//	{"seconds": 1, "event": "saveImpression", "site": "pub.test", "options": {"histogramIndex": 0}}
//	{"seconds": 1, "event": "measureConversion", "site": "adv.test", "options": {"histogramSize": 3}, "expected": [1, 0, 0]}
//
// Expected errors are named "RangeError", "ReferenceError", "SyntaxError" or "InvalidStateError", either as a
// string or as {"error": "DOMException", "name": ...}.
package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/attribution/backend"
	"github.com/google/privacy-sandbox-attribution/attribution/config"
	"github.com/google/privacy-sandbox-attribution/shared/utils"
	"github.com/google/privacy-sandbox-attribution/storage/memstore"
)

// Event types.
const (
	SaveImpressionEvent    = "saveImpression"
	MeasureConversionEvent = "measureConversion"
)

// Engine is what a script is replayed against.
type Engine interface {
	SaveImpression(ctx context.Context, impressionSite, intermediarySite string, opts attributiontypes.ImpressionOptions) error
	MeasureConversion(ctx context.Context, topLevelSite, intermediarySite string, opts attributiontypes.ConversionOptions) (*attributiontypes.ConversionResult, error)
}

// Event is one step of a script.
type Event struct {
	Seconds          float64         `json:"seconds"`
	Event            string          `json:"event"`
	Site             string          `json:"site"`
	IntermediarySite string          `json:"intermediarySite,omitempty"`
	Options          json.RawMessage `json:"options"`
	// Expected is the histogram or the error a measurement yields.
	Expected json.RawMessage `json:"expected,omitempty"`
	// ExpectedError is the error a save yields.
	ExpectedError json.RawMessage `json:"expectedError,omitempty"`
}

// Script is a sequence of events with an optional config override.
type Script struct {
	Config json.RawMessage `json:"config,omitempty"`
	Events []*Event        `json:"events"`
}

// Outcome is the result of replaying one event.
type Outcome struct {
	Elapsed   time.Duration
	Event     *Event
	Histogram []int64
	Err       error
	// Mismatch describes how the outcome differs from the expectation; it is empty when they agree.
	Mismatch string
}

// ReadScript reads a script from a local, GCS or HTTP(S) location.
func ReadScript(ctx context.Context, filename string) (*Script, error) {
	b, err := utils.ReadBytes(ctx, filename)
	if err != nil {
		return nil, err
	}
	script := &Script{}
	if err := json.Unmarshal(b, script); err != nil {
		return nil, fmt.Errorf("failed in decoding script %s: %v", filename, err)
	}
	return script, nil
}

func parseExpectedError(raw json.RawMessage) (error, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		var exception struct {
			Error string `json:"error"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(raw, &exception); err != nil {
			return nil, fmt.Errorf("invalid expected error %s: %v", raw, err)
		}
		name = exception.Name
	}
	kind, ok := attributiontypes.ErrorByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown expected error %q", name)
	}
	return kind, nil
}

func checkError(got error, expected json.RawMessage) (string, error) {
	if len(expected) == 0 {
		if got != nil {
			return fmt.Sprintf("unexpected error: %v", got), nil
		}
		return "", nil
	}
	kind, err := parseExpectedError(expected)
	if err != nil {
		return "", err
	}
	if !errors.Is(got, kind) {
		return fmt.Sprintf("got error %v, want %v", got, kind), nil
	}
	return "", nil
}

// Replay runs the events in order. advance moves the engine's clock forward before each event.
//
// Errors returned by the engine are recorded in the outcomes; Replay only fails on malformed events.
func Replay(ctx context.Context, engine Engine, advance func(time.Duration), events []*Event) ([]*Outcome, error) {
	var elapsed time.Duration
	var outcomes []*Outcome
	for i, e := range events {
		if e.Seconds <= 0 {
			return nil, fmt.Errorf("event %d: seconds must be positive, got %v", i, e.Seconds)
		}
		step := time.Duration(e.Seconds * float64(time.Second))
		elapsed += step
		if advance != nil {
			advance(step)
		}
		outcome := &Outcome{Elapsed: elapsed, Event: e}

		var err error
		switch e.Event {
		case SaveImpressionEvent:
			var opts attributiontypes.ImpressionOptions
			if err := json.Unmarshal(e.Options, &opts); err != nil {
				return nil, fmt.Errorf("event %d: invalid impression options: %v", i, err)
			}
			outcome.Err = engine.SaveImpression(ctx, e.Site, e.IntermediarySite, opts)
			outcome.Mismatch, err = checkError(outcome.Err, e.ExpectedError)
		case MeasureConversionEvent:
			var opts attributiontypes.ConversionOptions
			if err := json.Unmarshal(e.Options, &opts); err != nil {
				return nil, fmt.Errorf("event %d: invalid conversion options: %v", i, err)
			}
			result, measureErr := engine.MeasureConversion(ctx, e.Site, e.IntermediarySite, opts)
			outcome.Err = measureErr
			if result != nil {
				outcome.Histogram = result.UnencryptedHistogram
			}
			if trimmed := bytes.TrimSpace(e.Expected); len(trimmed) > 0 && trimmed[0] == '[' {
				var want []int64
				if err := json.Unmarshal(trimmed, &want); err != nil {
					return nil, fmt.Errorf("event %d: invalid expected histogram: %v", i, err)
				}
				switch {
				case measureErr != nil:
					outcome.Mismatch = fmt.Sprintf("unexpected error: %v", measureErr)
				default:
					if diff := cmp.Diff(want, outcome.Histogram); diff != "" {
						outcome.Mismatch = fmt.Sprintf("histogram mismatch (-want +got):\n%s", diff)
					}
				}
			} else {
				outcome.Mismatch, err = checkError(measureErr, e.Expected)
			}
		default:
			return nil, fmt.Errorf("event %d: unknown event %q", i, e.Event)
		}
		if err != nil {
			return nil, fmt.Errorf("event %d: %v", i, err)
		}
		if outcome.Mismatch != "" {
			log.Errorf("at %v, %s on %s: %s", elapsed, e.Event, e.Site, outcome.Mismatch)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// RunLocal replays a script against an in-memory backend whose clock starts at the Unix epoch and whose
// random source always returns 0.5. The script config is applied over base.
func RunLocal(ctx context.Context, script *Script, base *config.Config) ([]*Outcome, error) {
	cfg := base
	if len(script.Config) > 0 {
		var err error
		if cfg, err = config.Parse(script.Config, base); err != nil {
			return nil, err
		}
	}
	cfg.IncludeUnencryptedHistogram = true

	now := time.Unix(0, 0).UTC()
	b, err := backend.New(cfg, backend.Options{
		Store: memstore.New(),
		Now:   func() time.Time { return now },
		Rand:  func() float64 { return 0.5 },
	})
	if err != nil {
		return nil, err
	}
	return Replay(ctx, b, func(d time.Duration) { now = now.Add(d) }, script.Events)
}

// Mismatches returns the outcomes that differ from their expectation.
func Mismatches(outcomes []*Outcome) []*Outcome {
	var result []*Outcome
	for _, o := range outcomes {
		if o.Mismatch != "" {
			result = append(result, o)
		}
	}
	return result
}
