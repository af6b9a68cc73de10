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

// Package utils contains basic utilities.
package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/golang/glog"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/idtoken"
	"github.com/ugorji/go/codec"
)

// ParseGCSPath gets the bucket and object names from the input filename.
func ParseGCSPath(filename string) (bucket, object string, err error) {
	parsed, err := url.Parse(filename)
	if err != nil {
		return
	}
	if parsed.Scheme != "gs" {
		err = fmt.Errorf("object %q must have 'gs' scheme", filename)
		return
	}
	if parsed.Host == "" {
		err = fmt.Errorf("object %q must have bucket", filename)
		return
	}

	bucket = parsed.Host
	if parsed.Path != "" {
		object = parsed.Path[1:]
	}
	return
}

func writeGCSObject(ctx context.Context, data []byte, filename string) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	bucket, object, err := ParseGCSPath(filename)
	if err != nil {
		return err
	}
	writer := client.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return err
	}

	return writer.Close()
}

func readGCSObject(ctx context.Context, filename string) ([]byte, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	bucket, object, err := ParseGCSPath(filename)
	if err != nil {
		return nil, err
	}
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// IsNotExist reports whether the error returned by ReadBytes means the file does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrObjectNotExist)
}

// WriteBytes writes bytes into a local or GCS file.
//
// Local files are written to a temporary file first and renamed, so readers never see a partial file.
func WriteBytes(ctx context.Context, data []byte, filename string) error {
	if strings.HasPrefix(filename, "gs://") {
		return writeGCSObject(ctx, data, filename)
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return err
		}
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

func readBytesFromURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reading %q: unexpected status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ReadBytes reads bytes from a file stored locally, in GCS or served at an URL.
func ReadBytes(ctx context.Context, filename string) ([]byte, error) {
	u, err := url.Parse(filename)
	if err == nil {
		if u.Scheme == "gs" {
			return readGCSObject(ctx, filename)
		} else if u.Scheme == "http" || u.Scheme == "https" {
			return readBytesFromURL(ctx, filename)
		}
	}
	return os.ReadFile(filename)
}

// Times are written as RFC 3339 strings. Decoded times are in UTC and rounded to the microsecond.
var cborHandle = &codec.CborHandle{TimeRFC3339: true}

// MarshalCBOR serializes the input data in CBOR format.
func MarshalCBOR(v interface{}) ([]byte, error) {
	encBuf := new(bytes.Buffer)
	enc := codec.NewEncoder(encBuf, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return encBuf.Bytes(), nil
}

// UnmarshalCBOR parses the bytes in CBOR format.
func UnmarshalCBOR(b []byte, v interface{}) error {
	decBuf := bytes.NewBuffer(b)
	dec := codec.NewDecoder(decBuf, cborHandle)
	return dec.Decode(v)
}

// JoinPath joins the directory and the filename to get the full path of a file.
func JoinPath(directory, filename string) string {
	// Function path.Join does not work for GCS files, for example:
	// path.Join("gs://foo", "bar") returns "gs:/foo/bar"
	if strings.HasPrefix(directory, "gs://") {
		if strings.HasSuffix(directory, "/") {
			return fmt.Sprintf("%s%s", directory, filename)
		}
		return fmt.Sprintf("%s/%s", directory, filename)
	}
	return path.Join(directory, filename)
}

// GetAuthorizationToken gets GCP service auth token based env service account or impersonated service account through default credentials
func GetAuthorizationToken(ctx context.Context, audience, impersonatedSvcAccount string) (string, error) {
	token := ""
	// First we try the idtoken package, which only works for service accounts
	tokenSource, err := idtoken.NewTokenSource(ctx, audience)
	if err != nil {
		if !strings.Contains(err.Error(), `idtoken: credential must be service_account, found`) {
			return token, err
		}
		if impersonatedSvcAccount == "" {
			return token, fmt.Errorf("couldn't obtain auth token, no svc account for impersonation set (flag 'impersonated_svc_account'): %v", err)
		}

		log.Info("no service account found, using application default credentials to impersonate service account")
		svc, err := iamcredentials.NewService(ctx)
		if err != nil {
			return token, err
		}
		resp, err := svc.Projects.ServiceAccounts.GenerateIdToken("projects/-/serviceAccounts/"+impersonatedSvcAccount, &iamcredentials.GenerateIdTokenRequest{
			Audience: audience,
		}).Do()
		if err != nil {
			return token, err
		}
		token = resp.Token

	} else {
		t, err := tokenSource.Token()
		if err != nil {
			return token, fmt.Errorf("TokenSource.Token: %v", err)
		}
		token = t.AccessToken
	}
	return token, nil
}
