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

package staging

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	getter "github.com/hashicorp/go-getter"
)

// Fetcher downloads src to dst. When file is false, dst is a directory and
// archives are unpacked into it.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string, file bool) error
}

// GetterFetcher fetches with go-getter, which understands http(s), s3, gcs and
// git sources and unpacks .zip, .tar.gz and friends by extension.
type GetterFetcher struct{}

// Fetch implements Fetcher.
func (GetterFetcher) Fetch(ctx context.Context, src, dst string, file bool) error {
	pwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	mode := getter.ClientModeDir
	if file {
		mode = getter.ClientModeFile
	}
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Pwd:  pwd,
		Mode: mode,
	}
	if err := client.Get(); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", src, err)
	}
	return nil
}

// SourceBase returns the file name a source URL points at, ignoring any
// forced-getter prefix ("s3::") and query string.
func SourceBase(src string) (string, error) {
	if i := strings.Index(src, "::"); i >= 0 {
		src = src[i+2:]
	}
	u, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid source %q: %w", src, err)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "", fmt.Errorf("source %q does not name a file", src)
	}
	return base, nil
}
