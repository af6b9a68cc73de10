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

// Package reportencryptor defines the boundary to the encryption of conversion reports for an aggregation
// service.
package reportencryptor

import (
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// Encryptor turns a histogram into an opaque report readable only by the aggregation service.
type Encryptor interface {
	Encrypt(histogram []int64, service attributiontypes.AggregationService) ([]byte, error)
}

// Stub produces empty reports. Deployments that release reports plug in a real Encryptor.
type Stub struct{}

// Encrypt implements Encryptor.
func (Stub) Encrypt(histogram []int64, service attributiontypes.AggregationService) ([]byte, error) {
	return []byte{}, nil
}
