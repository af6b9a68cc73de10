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

package attributiontypes

import (
	"errors"
	"fmt"
)

// Error kinds. Callers test for them with errors.Is.
var (
	// ErrRange reports a value outside its configured or absolute bounds.
	ErrRange = errors.New("range error")
	// ErrReference reports an unknown aggregation service or attribution logic.
	ErrReference = errors.New("reference error")
	// ErrSyntax reports an input that is not a valid site.
	ErrSyntax = errors.New("syntax error")
	// ErrInvalidState reports a broken internal invariant.
	ErrInvalidState = errors.New("invalid state")
)

// CheckRandom validates a draw from an injected random source.
func CheckRandom(p float64) (float64, error) {
	if !(p >= 0 && p < 1) {
		return 0, fmt.Errorf("%w: random must be in the range [0, 1), got %v", ErrRange, p)
	}
	return p, nil
}

var errorNames = []struct {
	name string
	err  error
}{
	{"RangeError", ErrRange},
	{"ReferenceError", ErrReference},
	{"SyntaxError", ErrSyntax},
	{"InvalidStateError", ErrInvalidState},
}

// ErrorName returns the name of the error kind wrapped by err, or an empty string if it wraps none.
func ErrorName(err error) string {
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return ""
}

// ErrorByName returns the error kind with the given name.
func ErrorByName(name string) (error, bool) {
	for _, e := range errorNames {
		if e.name == name {
			return e.err, true
		}
	}
	return nil, false
}
