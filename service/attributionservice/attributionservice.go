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

// Package attributionservice contains the HTTP service that exposes the attribution backend to browsers
// and to the sites calling the attribution API.
package attributionservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution/attribution/headers"
	"github.com/google/privacy-sandbox-attribution/storage"
)

const (
	// maxRequestBytes bounds the size of request bodies.
	maxRequestBytes = 1 << 20

	// ErrorHeader names the kind of error a rejected request failed with.
	ErrorHeader = "Attribution-Error"

	// Supported URL paths.
	pathPrefix               = "/.well-known/attribution/"
	SaveImpressionPath       = pathPrefix + "save-impression"
	MeasureConversionPath    = pathPrefix + "measure-conversion"
	ClearConversionSitePath  = pathPrefix + "clear-conversion-site"
	ClearBrowsingHistoryPath = pathPrefix + "clear-browsing-history"
	SetEnabledPath           = pathPrefix + "set-enabled"
	StatePath                = pathPrefix + "state"
)

// Engine is the attribution backend served by the handler.
type Engine interface {
	SaveImpression(ctx context.Context, impressionSite, intermediarySite string, opts attributiontypes.ImpressionOptions) error
	MeasureConversion(ctx context.Context, topLevelSite, intermediarySite string, opts attributiontypes.ConversionOptions) (*attributiontypes.ConversionResult, error)
	ClearImpressionsForConversionSite(ctx context.Context, site string) error
	ClearExpiredImpressions(ctx context.Context) error
	ClearBrowsingHistory(ctx context.Context) error
	SetEnabled(enabled bool)
	State(ctx context.Context) (*storage.Dump, error)
}

// SaveImpressionRequest is the body of a save-impression request.
//
// When Options is absent, the options are read from the Attribution-Save-Impression header.
type SaveImpressionRequest struct {
	ImpressionSite   string                              `json:"impressionSite"`
	IntermediarySite string                              `json:"intermediarySite,omitempty"`
	Options          *attributiontypes.ImpressionOptions `json:"options,omitempty"`
}

// MeasureConversionRequest is the body of a measure-conversion request.
type MeasureConversionRequest struct {
	TopLevelSite     string                             `json:"topLevelSite"`
	IntermediarySite string                             `json:"intermediarySite,omitempty"`
	Options          attributiontypes.ConversionOptions `json:"options"`
}

// ClearConversionSiteRequest is the body of a clear-conversion-site request.
type ClearConversionSiteRequest struct {
	Site string `json:"site"`
}

// SetEnabledRequest is the body of a set-enabled request.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// AttributionHandler handles the HTTPS requests of the attribution API.
type AttributionHandler struct {
	engine Engine
	mux    *http.ServeMux
}

// NewHandler creates a handler serving engine.
func NewHandler(engine Engine) *AttributionHandler {
	h := &AttributionHandler{engine: engine, mux: http.NewServeMux()}
	h.mux.HandleFunc(SaveImpressionPath, h.post(h.saveImpression))
	h.mux.HandleFunc(MeasureConversionPath, h.post(h.measureConversion))
	h.mux.HandleFunc(ClearConversionSitePath, h.post(h.clearConversionSite))
	h.mux.HandleFunc(ClearBrowsingHistoryPath, h.post(h.clearBrowsingHistory))
	h.mux.HandleFunc(SetEnabledPath, h.post(h.setEnabled))
	h.mux.HandleFunc(StatePath, h.state)
	return h
}

// Handler helper function to get Handler for http.Server
func (h *AttributionHandler) Handler() http.Handler {
	return h
}

func (h *AttributionHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mux.ServeHTTP(w, req)
}

// StatusCode maps an error returned by the engine to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, attributiontypes.ErrRange),
		errors.Is(err, attributiontypes.ErrReference),
		errors.Is(err, attributiontypes.ErrSyntax):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type requestFunc func(ctx context.Context, req *http.Request) (interface{}, error)

func (h *AttributionHandler) post(fn requestFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serve(w, req, fn)
	}
}

func (h *AttributionHandler) serve(w http.ResponseWriter, req *http.Request, fn requestFunc) {
	requestID := uuid.NewString()
	start := time.Now()

	result, err := fn(req.Context(), req)
	if err != nil {
		code := StatusCode(err)
		if code == http.StatusInternalServerError {
			log.Errorf("request %s to %s failed: %v", requestID, req.URL.Path, err)
		} else {
			log.V(1).Infof("request %s to %s rejected: %v", requestID, req.URL.Path, err)
		}
		if name := attributiontypes.ErrorName(err); name != "" {
			w.Header().Set(ErrorHeader, name)
		}
		http.Error(w, err.Error(), code)
		return
	}
	log.V(2).Infof("request %s to %s served in %v", requestID, req.URL.Path, time.Since(start))

	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		log.Errorf("request %s: failed in encoding response: %v", requestID, err)
	}
}

func decodeBody(req *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: failed in decoding request: %v", attributiontypes.ErrSyntax, err)
	}
	return nil
}

func (h *AttributionHandler) saveImpression(ctx context.Context, req *http.Request) (interface{}, error) {
	body := &SaveImpressionRequest{}
	if err := decodeBody(req, body); err != nil {
		return nil, err
	}
	opts := body.Options
	if opts == nil {
		values := req.Header.Values(headers.SaveImpressionHeader)
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: missing impression options", attributiontypes.ErrRange)
		}
		var err error
		if opts, err = headers.ParseSaveImpressionHeader(values); err != nil {
			return nil, err
		}
	}
	return nil, h.engine.SaveImpression(ctx, body.ImpressionSite, body.IntermediarySite, *opts)
}

func (h *AttributionHandler) measureConversion(ctx context.Context, req *http.Request) (interface{}, error) {
	body := &MeasureConversionRequest{}
	if err := decodeBody(req, body); err != nil {
		return nil, err
	}
	return h.engine.MeasureConversion(ctx, body.TopLevelSite, body.IntermediarySite, body.Options)
}

func (h *AttributionHandler) clearConversionSite(ctx context.Context, req *http.Request) (interface{}, error) {
	body := &ClearConversionSiteRequest{}
	if err := decodeBody(req, body); err != nil {
		return nil, err
	}
	return nil, h.engine.ClearImpressionsForConversionSite(ctx, body.Site)
}

func (h *AttributionHandler) clearBrowsingHistory(ctx context.Context, req *http.Request) (interface{}, error) {
	return nil, h.engine.ClearBrowsingHistory(ctx)
}

func (h *AttributionHandler) setEnabled(ctx context.Context, req *http.Request) (interface{}, error) {
	body := &SetEnabledRequest{}
	if err := decodeBody(req, body); err != nil {
		return nil, err
	}
	h.engine.SetEnabled(body.Enabled)
	log.Infof("attribution enabled: %v", body.Enabled)
	return nil, nil
}

func (h *AttributionHandler) state(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.serve(w, req, func(ctx context.Context, req *http.Request) (interface{}, error) {
		return h.engine.State(ctx)
	})
}

// RunExpirySweeper deletes expired impressions every interval until ctx is done.
func RunExpirySweeper(ctx context.Context, engine Engine, interval time.Duration) error {
	log.Infof("Starting expiry sweeper with %v interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := engine.ClearExpiredImpressions(ctx); err != nil {
				log.Errorf("failed in clearing expired impressions: %v", err)
			}
		}
	}
}
