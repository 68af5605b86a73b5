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

// Package storage uploads local files to S3, or to an S3-compatible endpoint
// when one is configured.
package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"trainrun/pkg/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/afero"
)

// ObjectStore writes and deletes single objects.
type ObjectStore interface {
	Put(ctx context.Context, dst URI, body io.Reader, size int64) error
	Delete(ctx context.Context, dst URI) error
}

// Options selects and configures an ObjectStore.
type Options struct {
	// Endpoint of an S3-compatible service. Empty means AWS S3.
	Endpoint  string
	UseSSL    bool
	AccessKey string
	SecretKey string
	AWS       aws.Config
}

// New returns a minio-backed store when an endpoint is configured and an
// AWS S3 store otherwise.
func New(opts Options) (ObjectStore, error) {
	if opts.Endpoint != "" {
		logging.Info("Using S3-compatible endpoint %s", opts.Endpoint)
		return NewMinioStore(opts.Endpoint, opts.UseSSL, opts.AccessKey, opts.SecretKey, opts.AWS.Region)
	}
	return NewS3Store(opts.AWS), nil
}

// UploadFile uploads one local file to dst.
func UploadFile(ctx context.Context, store ObjectStore, fsys afero.Fs, localPath string, dst URI) error {
	f, err := fsys.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}

	logging.Debug("Uploading %s to %s", localPath, dst)
	if err := store.Put(ctx, dst, f, info.Size()); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", localPath, dst, err)
	}
	return nil
}

// UploadDir uploads every regular file below dir to dst, keeping relative
// paths, and returns the number of files uploaded. The first failure stops
// the upload.
func UploadDir(ctx context.Context, store ObjectStore, fsys afero.Fs, dir string, dst URI) (int, error) {
	count := 0
	err := afero.Walk(fsys, dir, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %q: %w", path, err)
		}
		if err := UploadFile(ctx, store, fsys, path, dst.Join(filepath.ToSlash(rel))); err != nil {
			return err
		}
		count++
		if count%1000 == 0 {
			logging.Info("Uploaded %d files to %s", count, dst)
		}
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, nil
}
