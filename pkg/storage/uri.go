// Copyright 2026 Google LLC
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

package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// S3Scheme is the scheme of object storage URIs.
const S3Scheme = "s3"

// URI addresses an object or a prefix in a bucket.
type URI struct {
	Bucket string
	Key    string
}

// ParseURI parses s3://bucket/key.
func ParseURI(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("invalid object storage url %q: %w", raw, err)
	}
	if u.Scheme != S3Scheme {
		return URI{}, fmt.Errorf("invalid object storage url %q: scheme must be %s", raw, S3Scheme)
	}
	if u.Host == "" {
		return URI{}, fmt.Errorf("invalid object storage url %q: missing bucket", raw)
	}
	return URI{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
}

// String renders the URI as s3://bucket/key.
func (u URI) String() string {
	if u.Key == "" {
		return fmt.Sprintf("%s://%s", S3Scheme, u.Bucket)
	}
	return fmt.Sprintf("%s://%s/%s", S3Scheme, u.Bucket, u.Key)
}

// Join appends path elements to the key.
func (u URI) Join(elem ...string) URI {
	all := append([]string{u.Key}, elem...)
	return URI{Bucket: u.Bucket, Key: strings.TrimPrefix(path.Join(all...), "/")}
}
