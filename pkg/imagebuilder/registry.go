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

package imagebuilder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"trainrun/pkg/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-containerregistry/pkg/authn"
	gocache "github.com/patrickmn/go-cache"
)

// RegionPlaceholder is replaced by the target region in base image templates.
const RegionPlaceholder = "{region}"

// tokenSlack is subtracted from a token's expiry before it is cached.
const tokenSlack = 5 * time.Minute

// tokenLifetime is how long ECR authorization tokens are valid. It bounds
// the cache when a response carries no expiry.
const tokenLifetime = 12 * time.Hour

// RegistryHost returns the ECR registry host of an account in a region.
func RegistryHost(account, region string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", account, region)
}

// ImageReference returns <account>.dkr.ecr.<region>.amazonaws.com/<image>:<tag>.
func ImageReference(account, region, image, tag string) string {
	return fmt.Sprintf("%s/%s:%s", RegistryHost(account, region), image, tag)
}

// BaseImage resolves a base image template for region.
func BaseImage(template, region string) string {
	return strings.ReplaceAll(template, RegionPlaceholder, region)
}

// IsECRHost reports whether host is an ECR registry in region.
func IsECRHost(host, region string) bool {
	return strings.HasSuffix(host, ".dkr.ecr."+region+".amazonaws.com")
}

// ECRAPI is the subset of the ECR client used here.
type ECRAPI interface {
	DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// Registry manages repositories and login credentials for ECR in one region.
type Registry struct {
	client ECRAPI
	region string
	tokens *gocache.Cache
}

// NewRegistry creates a Registry for the region of cfg.
func NewRegistry(cfg aws.Config) *Registry {
	return NewRegistryWith(ecr.NewFromConfig(cfg), cfg.Region)
}

// NewRegistryWith creates a Registry backed by client.
func NewRegistryWith(client ECRAPI, region string) *Registry {
	return &Registry{
		client: client,
		region: region,
		tokens: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Region returns the region the registry operates in.
func (r *Registry) Region() string {
	return r.region
}

// EnsureRepository creates the repository unless it already exists.
func (r *Registry) EnsureRepository(ctx context.Context, name string) error {
	_, err := r.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err == nil {
		logging.Debug("Repository %s exists", name)
		return nil
	}
	var notFound *types.RepositoryNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe repository %s: %w", name, err)
	}

	logging.Info("Creating repository %s", name)
	_, err = r.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RepositoryAlreadyExistsException" {
		logging.Debug("Repository %s was created concurrently", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create repository %s: %w", name, err)
	}
	return nil
}

// Credentials returns the basic credentials for ECR registries in the region.
// The token is valid for every registry the caller may pull from, including
// the vendor's base image registry, and is cached until shortly before expiry.
func (r *Registry) Credentials(ctx context.Context) (*authn.Basic, error) {
	if cached, ok := r.tokens.Get(r.region); ok {
		return cached.(*authn.Basic), nil
	}

	out, err := r.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get ECR authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return nil, fmt.Errorf("ECR returned no authorization data")
	}
	data := out.AuthorizationData[0]

	creds, err := decodeToken(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return nil, err
	}

	ttl := tokenLifetime - tokenSlack
	if data.ExpiresAt != nil {
		ttl = time.Until(*data.ExpiresAt) - tokenSlack
	}
	if ttl > 0 {
		r.tokens.Set(r.region, creds, ttl)
	}
	return creds, nil
}

// Resolve implements authn.Keychain for ECR registries in the region.
func (r *Registry) Resolve(res authn.Resource) (authn.Authenticator, error) {
	if !IsECRHost(res.RegistryStr(), r.region) {
		return authn.Anonymous, nil
	}
	creds, err := r.Credentials(context.Background())
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// Keychain returns a keychain trying ECR first, then the local docker config.
func (r *Registry) Keychain() authn.Keychain {
	return authn.NewMultiKeychain(r, authn.DefaultKeychain)
}

func decodeToken(token string) (*authn.Basic, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ECR authorization token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("malformed ECR authorization token")
	}
	return &authn.Basic{Username: user, Password: pass}, nil
}
