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

// Package filestore persists the attribution state as a CBOR snapshot in a local or GCS file.
package filestore

import (
	"context"
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution/shared/utils"
	"github.com/google/privacy-sandbox-attribution/storage"
)

// Store is a storage.Store that rewrites the whole snapshot file after every transaction that changed
// something. It is meant for a single process owning the file.
type Store struct {
	mu       sync.Mutex
	filename string
	state    *storage.Snapshot
}

// Open loads the snapshot stored at filename, or starts empty when the file does not exist yet.
func Open(ctx context.Context, filename string) (*Store, error) {
	b, err := utils.ReadBytes(ctx, filename)
	if err != nil {
		if utils.IsNotExist(err) {
			log.Infof("no snapshot found at %s, starting with an empty state", filename)
			return &Store{filename: filename, state: storage.NewSnapshot()}, nil
		}
		return nil, err
	}
	dump := &storage.Dump{}
	if err := utils.UnmarshalCBOR(b, dump); err != nil {
		return nil, fmt.Errorf("failed in decoding snapshot %s: %v", filename, err)
	}
	log.Infof("loaded %d impressions, %d epoch starts and %d privacy budgets from %s",
		len(dump.Impressions), len(dump.EpochStarts), len(dump.PrivacyBudgets), filename)
	return &Store{filename: filename, state: storage.FromDump(dump)}, nil
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, fn func(*storage.Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.Clone()
	fnErr := fn(snapshot)
	if snapshot.Changes().Empty() {
		return fnErr
	}

	b, err := utils.MarshalCBOR(snapshot.Dump())
	if err != nil {
		return err
	}
	if err := utils.WriteBytes(ctx, b, s.filename); err != nil {
		return fmt.Errorf("failed in writing snapshot %s: %v", s.filename, err)
	}
	s.state = snapshot.Clone()
	return fnErr
}

// View implements storage.Store.
func (s *Store) View(ctx context.Context, fn func(*storage.Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state.Clone())
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return nil
}
