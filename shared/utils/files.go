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

// Package utils reads and writes the files, secrets and messages shared by the aggregator binaries.
//
// A file is named by a URI: "gs://bucket/object" for GCS, "http(s)://..." for read-only files
// served over HTTP, and a local path otherwise.
package utils

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-retryablehttp"
)

const gcsScheme = "gs://"

// gcsObject splits a GCS URI into bucket and object names.
func gcsObject(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, gcsScheme)
	if !ok {
		return "", "", fmt.Errorf("%q is not a GCS URI", uri)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("GCS URI %q needs a bucket and an object", uri)
	}
	return bucket, object, nil
}

func withGCSObject(ctx context.Context, uri string, f func(*storage.ObjectHandle) error) error {
	bucket, object, err := gcsObject(uri)
	if err != nil {
		return err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return f(client.Bucket(bucket).Object(object))
}

// WriteObject writes data to a file. GCS objects get the content type; local files are replaced
// atomically so readers never see a partial file.
func WriteObject(ctx context.Context, data []byte, uri, contentType string) error {
	if strings.HasPrefix(uri, gcsScheme) {
		return withGCSObject(ctx, uri, func(o *storage.ObjectHandle) error {
			w := o.NewWriter(ctx)
			w.ContentType = contentType
			if _, err := w.Write(data); err != nil {
				w.Close()
				return err
			}
			return w.Close()
		})
	}

	dir := filepath.Dir(uri)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(uri)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), uri)
}

// WriteBytes writes data to a file, creating missing local directories.
func WriteBytes(ctx context.Context, data []byte, uri string) error {
	return WriteObject(ctx, data, uri, "application/octet-stream")
}

func readURL(ctx context.Context, u string) ([]byte, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reading %s: %s", u, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ReadBytes reads a whole file.
func ReadBytes(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, gcsScheme) {
		var data []byte
		err := withGCSObject(ctx, uri, func(o *storage.ObjectHandle) error {
			r, err := o.NewReader(ctx)
			if err != nil {
				return err
			}
			defer r.Close()
			data, err = io.ReadAll(r)
			return err
		})
		return data, err
	}
	if u, err := url.Parse(uri); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return readURL(ctx, uri)
	}
	return os.ReadFile(uri)
}

// ReadLines reads a file and splits it into lines.
func ReadLines(ctx context.Context, uri string) ([]string, error) {
	b, err := ReadBytes(ctx, uri)
	if err != nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// JoinPath names a file in a local or GCS directory.
func JoinPath(dir, name string) string {
	// path.Join would turn "gs://b" into "gs:/b".
	if strings.HasPrefix(dir, gcsScheme) {
		return strings.TrimSuffix(dir, "/") + "/" + name
	}
	return path.Join(dir, name)
}
