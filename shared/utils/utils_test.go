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

package utils

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestWriteReadBytes(t *testing.T) {
	fileDir := t.TempDir()

	want := []byte("foo\nbar\nbaz")
	resultFile := path.Join(fileDir, "nested", "result.txt")
	ctx := context.Background()
	if err := WriteBytes(ctx, want, resultFile); err != nil {
		t.Fatal(err)
	}

	got, err := ReadBytes(ctx, resultFile)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestReadBytesMissingFile(t *testing.T) {
	_, err := ReadBytes(context.Background(), path.Join(t.TempDir(), "missing.cbor"))
	if !IsNotExist(err) {
		t.Errorf("ReadBytes() error = %v, want a not-exist error", err)
	}
}

func TestCborMarshalUnmarshal(t *testing.T) {
	type testStruct struct {
		FieldStr   string    `codec:"field_str"`
		FieldInt   int64     `codec:"field_int"`
		FieldBytes []byte    `codec:"field_bytes"`
		FieldTime  time.Time `codec:"field_time"`
		FieldList  []string  `codec:"field_list"`
	}

	want := &testStruct{
		FieldStr:   "test_string",
		FieldInt:   12345,
		FieldBytes: []byte("test_bytes"),
		FieldTime:  time.Unix(1700000000, 0).UTC(),
		FieldList:  []string{"a.example", "b.example"},
	}

	b, err := MarshalCBOR(want)
	if err != nil {
		t.Fatal(err)
	}

	got := &testStruct{}
	if err := UnmarshalCBOR(b, got); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unmarshaled message mismatch (-want +got):\n%s", diff)
	}
}

func TestCBORTimePrecision(t *testing.T) {
	type timeStruct struct {
		T time.Time `codec:"t"`
	}
	for _, tc := range []struct {
		in, want time.Time
	}{
		{in: time.Unix(1000, 123456000).UTC(), want: time.Unix(1000, 123456000).UTC()},
		{in: time.Unix(1000, 123456789).UTC(), want: time.Unix(1000, 123457000).UTC()},
	} {
		b, err := MarshalCBOR(&timeStruct{T: tc.in})
		if err != nil {
			t.Fatal(err)
		}
		got := &timeStruct{}
		if err := UnmarshalCBOR(b, got); err != nil {
			t.Fatal(err)
		}
		if !got.T.Equal(tc.want) {
			t.Errorf("CBOR round trip of %v = %v, want %v", tc.in, got.T, tc.want)
		}
	}
}

func TestJoinPath(t *testing.T) {
	filename := "bar"

	for _, tc := range []struct {
		dir, want string
	}{
		{"gs://foo", "gs://foo/bar"},
		{"gs://foo/", "gs://foo/bar"},
		{"/foo", "/foo/bar"},
		{"/foo/", "/foo/bar"},
	} {
		if got := JoinPath(tc.dir, filename); got != tc.want {
			t.Errorf("JoinPath(%q, %q) = %q, want %q", tc.dir, filename, got, tc.want)
		}
	}
}

func TestParseGCSPath(t *testing.T) {
	bucket, object, err := ParseGCSPath("gs://bucket/dir/state.cbor")
	if err != nil {
		t.Fatal(err)
	}
	if bucket != "bucket" || object != "dir/state.cbor" {
		t.Errorf("ParseGCSPath() = %q, %q; want %q, %q", bucket, object, "bucket", "dir/state.cbor")
	}

	for _, input := range []string{"/local/file", "gs:///object"} {
		if _, _, err := ParseGCSPath(input); err == nil {
			t.Errorf("ParseGCSPath(%q) expected error", input)
		}
	}
}
