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

// Package firestorestore keeps the attribution state in Cloud Firestore.
//
// Every Update runs in one Firestore transaction: all documents are read first, the caller works on the
// materialized snapshot and the recorded changes are written back before the transaction commits.
package firestorestore

import (
	"context"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/storage"
)

// Collection names, prefixed by Config.CollectionPrefix.
const (
	impressionsCollection      = "impressions"
	epochStartsCollection      = "epoch_starts"
	privacyBudgetsCollection   = "privacy_budgets"
	browsingHistoryCollection  = "browsing_history"
	lastBrowsingHistoryClearID = "last_clear"
)

// Config contains the parameters for connecting to Firestore.
type Config struct {
	ProjectID        string
	CollectionPrefix string
}

type browsingHistoryClear struct {
	Time time.Time `firestore:"time"`
}

// Store is a storage.Store backed by Firestore.
type Store struct {
	client *firestore.Client
	prefix string
}

// New connects to the Firestore database of the project.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	return &Store{client: client, prefix: cfg.CollectionPrefix}, nil
}

func (s *Store) collection(name string) *firestore.CollectionRef {
	return s.client.Collection(s.prefix + name)
}

func budgetDocID(key attributiontypes.PrivacyBudgetKey) string {
	return fmt.Sprintf("%s@%d", key.Site, key.Epoch)
}

func (s *Store) load(tx *firestore.Transaction) (*storage.Snapshot, error) {
	dump := &storage.Dump{}

	docs, err := tx.Documents(s.collection(impressionsCollection)).GetAll()
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		i := &attributiontypes.Impression{}
		if err := doc.DataTo(i); err != nil {
			return nil, fmt.Errorf("failed in decoding impression %s: %v", doc.Ref.ID, err)
		}
		i.ID = doc.Ref.ID
		dump.Impressions = append(dump.Impressions, i)
	}

	docs, err = tx.Documents(s.collection(epochStartsCollection)).GetAll()
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		var e attributiontypes.EpochStart
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("failed in decoding epoch start %s: %v", doc.Ref.ID, err)
		}
		dump.EpochStarts = append(dump.EpochStarts, e)
	}

	docs, err = tx.Documents(s.collection(privacyBudgetsCollection)).GetAll()
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		var b attributiontypes.PrivacyBudgetEntry
		if err := doc.DataTo(&b); err != nil {
			return nil, fmt.Errorf("failed in decoding privacy budget %s: %v", doc.Ref.ID, err)
		}
		dump.PrivacyBudgets = append(dump.PrivacyBudgets, b)
	}

	doc, err := tx.Get(s.collection(browsingHistoryCollection).Doc(lastBrowsingHistoryClearID))
	switch {
	case status.Code(err) == codes.NotFound:
	case err != nil:
		return nil, err
	default:
		var c browsingHistoryClear
		if err := doc.DataTo(&c); err != nil {
			return nil, fmt.Errorf("failed in decoding browsing history clear: %v", err)
		}
		dump.LastBrowsingHistoryClear = &c.Time
	}

	return storage.FromDump(dump), nil
}

func (s *Store) write(tx *firestore.Transaction, changes *storage.Changes) error {
	for _, i := range changes.PutImpressions {
		if err := tx.Set(s.collection(impressionsCollection).Doc(i.ID), i); err != nil {
			return err
		}
	}
	for _, id := range changes.DeletedImpressions {
		if err := tx.Delete(s.collection(impressionsCollection).Doc(id)); err != nil {
			return err
		}
	}
	for _, e := range changes.PutEpochStarts {
		if err := tx.Set(s.collection(epochStartsCollection).Doc(e.Site), e); err != nil {
			return err
		}
	}
	for _, b := range changes.PutPrivacyBudgets {
		if err := tx.Set(s.collection(privacyBudgetsCollection).Doc(budgetDocID(b.Key)), b); err != nil {
			return err
		}
	}
	if changes.LastBrowsingHistory != nil {
		doc := s.collection(browsingHistoryCollection).Doc(lastBrowsingHistoryClearID)
		if err := tx.Set(doc, browsingHistoryClear{Time: *changes.LastBrowsingHistory}); err != nil {
			return err
		}
	}
	return nil
}

// Update implements storage.Store.
//
// Firestore may run the transaction function more than once under contention; each attempt starts
// from a freshly loaded snapshot.
func (s *Store) Update(ctx context.Context, fn func(*storage.Snapshot) error) error {
	var fnErr error
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := s.load(tx)
		if err != nil {
			return err
		}
		fnErr = fn(snapshot)
		changes := snapshot.Changes()
		log.V(2).Infof("committing %d impression writes, %d impression deletes, %d epoch starts, %d budgets",
			len(changes.PutImpressions), len(changes.DeletedImpressions), len(changes.PutEpochStarts), len(changes.PutPrivacyBudgets))
		return s.write(tx, changes)
	})
	if err != nil {
		return err
	}
	return fnErr
}

// View implements storage.Store.
func (s *Store) View(ctx context.Context, fn func(*storage.Snapshot) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := s.load(tx)
		if err != nil {
			return err
		}
		return fn(snapshot)
	}, firestore.ReadOnly)
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
