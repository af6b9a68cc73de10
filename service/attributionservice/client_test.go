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
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-attribution/attribution/attributiontypes"
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	client := &Client{Address: srv.URL + "/", HTTPClient: srv.Client()}

	for _, index := range []int64{2, 1} {
		if err := client.SaveImpression(ctx, "https://www.pub.test", "", attributiontypes.ImpressionOptions{HistogramIndex: int64Ptr(index)}); err != nil {
			t.Fatal(err)
		}
	}
	value, maxValue := int64(4), int64(4)
	result, err := client.MeasureConversion(ctx, "adv.test", "", attributiontypes.ConversionOptions{
		HistogramSize: 3,
		Value:         &value,
		MaxValue:      &maxValue,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{0, 4, 0}, result.UnencryptedHistogram); diff != "" {
		t.Errorf("histogram mismatch (-want +got):\n%s", diff)
	}

	if err := client.ClearImpressionsForConversionSite(ctx, "adv.test"); err != nil {
		t.Fatal(err)
	}
	if err := client.ClearBrowsingHistory(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
}

func TestClientErrorKinds(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	client := &Client{Address: srv.URL, HTTPClient: srv.Client()}

	if err := client.SaveImpression(ctx, "not a site", "", attributiontypes.ImpressionOptions{}); !errors.Is(err, attributiontypes.ErrSyntax) {
		t.Errorf("got error %v, want %v", err, attributiontypes.ErrSyntax)
	}
	if _, err := client.MeasureConversion(ctx, "adv.test", "", attributiontypes.ConversionOptions{HistogramSize: 0}); !errors.Is(err, attributiontypes.ErrRange) {
		t.Errorf("got error %v, want %v", err, attributiontypes.ErrRange)
	}
	if _, err := client.MeasureConversion(ctx, "adv.test", "", attributiontypes.ConversionOptions{
		AggregationService: "https://unknown.test",
		HistogramSize:      1,
	}); !errors.Is(err, attributiontypes.ErrReference) {
		t.Errorf("got error %v, want %v", err, attributiontypes.ErrReference)
	}
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		desc string
		resp *http.Response
		err  error
		want bool
	}{
		{desc: "transport error", err: errors.New("connection reset"), want: true},
		{desc: "unavailable", resp: &http.Response{StatusCode: http.StatusServiceUnavailable}, want: true},
		{desc: "internal error", resp: &http.Response{StatusCode: http.StatusInternalServerError}},
		{desc: "bad gateway", resp: &http.Response{StatusCode: http.StatusBadGateway}},
		{desc: "bad request", resp: &http.Response{StatusCode: http.StatusBadRequest}},
		{desc: "ok", resp: &http.Response{StatusCode: http.StatusOK}},
	} {
		got, err := retryPolicy(ctx, tc.resp, tc.err)
		if err != nil {
			t.Fatalf("%s: %v", tc.desc, err)
		}
		if got != tc.want {
			t.Errorf("%s: retryPolicy() = %v, want %v", tc.desc, got, tc.want)
		}
	}
}

func TestMeasurementNotRetriedOnServerError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "storage failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := &Client{Address: srv.URL, HTTPClient: NewRetryingHTTPClient()}
	if _, err := client.MeasureConversion(context.Background(), "adv.test", "", attributiontypes.ConversionOptions{HistogramSize: 1}); err == nil {
		t.Error("expect error for a failed measurement")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("got %d requests, want 1", got)
	}
}
