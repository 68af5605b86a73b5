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
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore writes objects to an S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore creates a client for endpoint. Empty keys fall back to the
// AWS credential environment variables.
func NewMinioStore(endpoint string, useSSL bool, accessKey, secretKey, region string) (*MinioStore, error) {
	creds := credentials.NewEnvAWS()
	if accessKey != "" {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage client for %s: %w", endpoint, err)
	}
	return &MinioStore{client: client}, nil
}

// Put uploads body to dst.
func (m *MinioStore) Put(ctx context.Context, dst URI, body io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, dst.Bucket, dst.Key, body, size, minio.PutObjectOptions{})
	return err
}

// Delete removes dst.
func (m *MinioStore) Delete(ctx context.Context, dst URI) error {
	return m.client.RemoveObject(ctx, dst.Bucket, dst.Key, minio.RemoveObjectOptions{})
}
