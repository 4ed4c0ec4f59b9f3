// Copyright 2021 Google LLC
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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteReadBytesAndLines(t *testing.T) {
	ctx := context.Background()
	// The nested directory does not exist yet.
	filename := filepath.Join(t.TempDir(), "nested", "result.txt")
	if err := WriteBytes(ctx, []byte("foo\nbar\nbaz\n"), filename); err != nil {
		t.Fatal(err)
	}

	got, err := ReadLines(ctx, filename)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"foo", "bar", "baz"}, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteObjectReplacesFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	filename := filepath.Join(dir, "task_job.collection")
	for _, data := range []string{"first result", "second"} {
		if err := WriteObject(ctx, []byte(data), filename, "application/dap-collection"); err != nil {
			t.Fatal(err)
		}
		got, err := ReadBytes(ctx, filename)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != data {
			t.Errorf("want %q, got %q", data, got)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{"task_job.collection"}, names); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestReadBytesFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/tasks.json" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"tasks":[]}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	got, err := ReadBytes(ctx, srv.URL+"/tasks.json")
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"tasks":[]}`; string(got) != want {
		t.Errorf("want %q, got %q", want, got)
	}

	if _, err := ReadBytes(ctx, srv.URL+"/missing"); err == nil {
		t.Error("expect error reading a missing URL")
	}
}

func TestCborMarshalUnmarshal(t *testing.T) {
	type record struct {
		Name   string
		Count  uint64
		Share  []byte
		Labels map[string]string
	}
	want := &record{
		Name:   "bucket",
		Count:  12345,
		Share:  []byte("share"),
		Labels: map[string]string{"b": "2", "a": "1", "c": "3"},
	}

	b, err := MarshalCBOR(want)
	if err != nil {
		t.Fatal(err)
	}
	got := &record{}
	if err := UnmarshalCBOR(b, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 10; i++ {
		again, err := MarshalCBOR(want)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(b, again); diff != "" {
			t.Fatalf("record encodings differ (-want +got):\n%s", diff)
		}
	}
}

func TestJoinPath(t *testing.T) {
	for _, tc := range []struct {
		dir, want string
	}{
		{"gs://foo", "gs://foo/bar"},
		{"gs://foo/", "gs://foo/bar"},
		{"gs://foo/results", "gs://foo/results/bar"},
		{"/foo", "/foo/bar"},
		{"/foo/", "/foo/bar"},
	} {
		if got := JoinPath(tc.dir, "bar"); got != tc.want {
			t.Errorf("JoinPath(%q, %q) = %q, want %q", tc.dir, "bar", got, tc.want)
		}
	}
}

func TestGCSObject(t *testing.T) {
	bucket, object, err := gcsObject("gs://results/task/job")
	if err != nil {
		t.Fatal(err)
	}
	if bucket != "results" || object != "task/job" {
		t.Errorf("want bucket %q and object %q, got %q and %q", "results", "task/job", bucket, object)
	}

	for _, uri := range []string{"/local/file", "gs://results", "gs://results/", "gs:///object"} {
		if _, _, err := gcsObject(uri); err == nil {
			t.Errorf("gcsObject(%q): expect error", uri)
		}
	}
}

func TestParsePubSubResourceName(t *testing.T) {
	for _, tc := range []struct {
		input, project, name string
		wantErr              bool
	}{
		{input: "projects/myproject/subscriptions/process", project: "myproject", name: "process"},
		{input: "projects/myproject/topics/process", project: "myproject", name: "process"},
		{input: "projects/myproject/topics", wantErr: true},
		{input: "projects/myproject/foo/mytopic", wantErr: true},
		{input: "projects//topics/mytopic", wantErr: true},
	} {
		project, name, err := ParsePubSubResourceName(tc.input)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("ParsePubSubResourceName(%q) error = %v, want error %t", tc.input, err, tc.wantErr)
		}
		if project != tc.project || name != tc.name {
			t.Errorf("ParsePubSubResourceName(%q) = %q, %q, want %q, %q", tc.input, project, name, tc.project, tc.name)
		}
	}
}
