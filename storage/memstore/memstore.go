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

// Package memstore keeps the attribution state in process memory.
package memstore

import (
	"context"
	"sync"

	"github.com/google/privacy-sandbox-attribution/storage"
)

// Store is an in-memory storage.Store. Transactions are serialized with a mutex.
type Store struct {
	mu    sync.Mutex
	state *storage.Snapshot
}

// New creates an empty store.
func New() *Store {
	return &Store{state: storage.NewSnapshot()}
}

// NewFromDump creates a store holding the dumped state.
func NewFromDump(d *storage.Dump) *Store {
	return &Store{state: storage.FromDump(d)}
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, fn func(*storage.Snapshot) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.Clone()
	err := fn(snapshot)
	s.state = snapshot.Clone()
	return err
}

// View implements storage.Store.
func (s *Store) View(ctx context.Context, fn func(*storage.Snapshot) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state.Clone())
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return nil
}
