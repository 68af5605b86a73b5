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

// Package session resolves who is running the runbook, which role the
// training job assumes, and which region everything is created in.
package session

import (
	"context"
	"fmt"
	"os"
	"strings"

	"trainrun/pkg/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/joho/godotenv"
)

// RoleEnvVar names the environment variable consulted for the execution role.
const RoleEnvVar = "SAGEMAKER_ROLE_ARN"

// Identity is the resolved caller, execution role and region.
type Identity struct {
	Account   string
	CallerARN string
	Role      string
	Region    string
	AWS       aws.Config
}

// Options controls identity resolution. Empty fields fall back to the
// ambient environment.
type Options struct {
	Region  string
	Profile string
	Role    string
	EnvFile string
}

// STSAPI is the subset of the STS client used here.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logging.Debug("No env file at %s", path)
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	logging.Info("Loaded environment from %s", path)
	return nil
}

// Resolve loads the env file and AWS configuration, then asks STS who the
// caller is.
func Resolve(ctx context.Context, opts Options) (*Identity, error) {
	if err := LoadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return ResolveWith(ctx, awsCfg, sts.NewFromConfig(awsCfg), opts.Role)
}

// ResolveWith builds the identity from an already loaded configuration.
func ResolveWith(ctx context.Context, awsCfg aws.Config, client STSAPI, role string) (*Identity, error) {
	if awsCfg.Region == "" {
		return nil, fmt.Errorf("no AWS region configured. Please provide it via --region, the config file or AWS_REGION")
	}

	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}
	ident := &Identity{
		Account:   aws.ToString(out.Account),
		CallerARN: aws.ToString(out.Arn),
		Region:    awsCfg.Region,
		AWS:       awsCfg,
	}

	ident.Role, err = executionRole(role, ident.CallerARN)
	if err != nil {
		return nil, err
	}

	logging.Info("Using account %s in %s as %s", ident.Account, ident.Region, ident.CallerARN)
	logging.Info("Training jobs will assume %s", ident.Role)
	return ident, nil
}

func executionRole(explicit, callerARN string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(RoleEnvVar); env != "" {
		return env, nil
	}
	if role, ok := RoleFromCallerARN(callerARN); ok {
		logging.Info("No role configured, using the caller's role %s", role)
		return role, nil
	}
	return "", fmt.Errorf("no execution role configured and caller %s is not an assumed role. Please provide it via --role, the config file or %s", callerARN, RoleEnvVar)
}

// RoleFromCallerARN converts an assumed-role session ARN into the ARN of the
// IAM role behind it:
//
//	arn:aws:sts::123456789012:assumed-role/Name/session -> arn:aws:iam::123456789012:role/Name
//
// Roles with a path cannot be recovered from the session ARN; they resolve
// to the root path.
func RoleFromCallerARN(callerARN string) (string, bool) {
	parts := strings.SplitN(callerARN, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "sts" {
		return "", false
	}
	resource := strings.Split(parts[5], "/")
	if len(resource) < 2 || resource[0] != "assumed-role" || resource[1] == "" {
		return "", false
	}
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", parts[1], parts[4], resource[1]), true
}

// DefaultBucket is the bucket SageMaker tooling creates per account and region.
func DefaultBucket(region, account string) string {
	return fmt.Sprintf("sagemaker-%s-%s", region, account)
}
