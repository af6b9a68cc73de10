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

package attributionservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

// retryPolicy retries transport errors and 503 responses only; any other response may come from a
// request the engine already charged.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		return false, ctx.Err()
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewRetryingHTTPClient returns an HTTP client for Client that retries only requests the service did
// not handle.
func NewRetryingHTTPClient() *http.Client {
	client := retryablehttp.NewClient()
	client.CheckRetry = retryPolicy
	return client.StandardClient()
}

// Client calls a remote attribution service.
type Client struct {
	// Address is the base URL of the service.
	Address string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Token, if not empty, is sent as a bearer token.
	Token string
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.Address, "/")+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if result == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(result)
	case http.StatusNoContent:
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
	if kind, ok := attributiontypes.ErrorByName(resp.Header.Get(ErrorHeader)); ok {
		return fmt.Errorf("%w: %s", kind, strings.TrimSpace(string(msg)))
	}
	return fmt.Errorf("request to %s failed with status %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
}

// SaveImpression sends the impression options in the request body.
func (c *Client) SaveImpression(ctx context.Context, impressionSite, intermediarySite string, opts attributiontypes.ImpressionOptions) error {
	return c.post(ctx, SaveImpressionPath, &SaveImpressionRequest{
		ImpressionSite:   impressionSite,
		IntermediarySite: intermediarySite,
		Options:          &opts,
	}, nil)
}

// MeasureConversion returns the result produced by the remote backend.
func (c *Client) MeasureConversion(ctx context.Context, topLevelSite, intermediarySite string, opts attributiontypes.ConversionOptions) (*attributiontypes.ConversionResult, error) {
	result := &attributiontypes.ConversionResult{}
	if err := c.post(ctx, MeasureConversionPath, &MeasureConversionRequest{
		TopLevelSite:     topLevelSite,
		IntermediarySite: intermediarySite,
		Options:          opts,
	}, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ClearImpressionsForConversionSite asks the service to forget the site.
func (c *Client) ClearImpressionsForConversionSite(ctx context.Context, site string) error {
	return c.post(ctx, ClearConversionSitePath, &ClearConversionSiteRequest{Site: site}, nil)
}

// ClearBrowsingHistory asks the service to clear all impressions.
func (c *Client) ClearBrowsingHistory(ctx context.Context) error {
	return c.post(ctx, ClearBrowsingHistoryPath, struct{}{}, nil)
}

// SetEnabled toggles attribution on the service.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	return c.post(ctx, SetEnabledPath, &SetEnabledRequest{Enabled: enabled}, nil)
}
