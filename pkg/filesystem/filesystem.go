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

// Package filesystem provisions the FSx for Lustre filesystem that serves the
// training data. The filesystem imports objects from an S3 prefix, so data
// staged there becomes visible to the training instances without a copy.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"trainrun/pkg/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/fsx"
	"github.com/aws/aws-sdk-go-v2/service/fsx/types"
)

// Type is the filesystem type name the training platform expects.
const Type = "FSxLustre"

// FSxAPI is the subset of the FSx client used here.
type FSxAPI interface {
	CreateFileSystem(ctx context.Context, in *fsx.CreateFileSystemInput, optFns ...func(*fsx.Options)) (*fsx.CreateFileSystemOutput, error)
	DescribeFileSystems(ctx context.Context, in *fsx.DescribeFileSystemsInput, optFns ...func(*fsx.Options)) (*fsx.DescribeFileSystemsOutput, error)
	DeleteFileSystem(ctx context.Context, in *fsx.DeleteFileSystemInput, optFns ...func(*fsx.Options)) (*fsx.DeleteFileSystemOutput, error)
}

// Spec holds the creation parameters of a Lustre filesystem.
type Spec struct {
	StorageCapacity            int32
	StorageType                string
	DeploymentType             string
	PerUnitStorageThroughput   int32
	ImportPath                 string
	ImportedFileChunkSize      int32
	AutoImportPolicy           string
	WeeklyMaintenanceStartTime string
	Subnets                    []string
	SecurityGroups             []string
	Tags                       map[string]string
}

// Validate checks the fields the platform cannot default.
func (s Spec) Validate() error {
	if s.StorageCapacity <= 0 {
		return fmt.Errorf("storage capacity must be positive, got %d", s.StorageCapacity)
	}
	if len(s.Subnets) == 0 {
		return fmt.Errorf("at least one subnet is required")
	}
	if s.ImportPath == "" {
		return fmt.Errorf("an import path is required")
	}
	return nil
}

// Descriptor describes a provisioned filesystem.
type Descriptor struct {
	ID                       string   `json:"id"`
	MountName                string   `json:"mountName"`
	DNSName                  string   `json:"dnsName"`
	StorageCapacity          int32    `json:"storageCapacity"`
	StorageType              string   `json:"storageType"`
	DeploymentType           string   `json:"deploymentType"`
	PerUnitStorageThroughput int32    `json:"perUnitStorageThroughput,omitempty"`
	ImportPath               string   `json:"importPath,omitempty"`
	AutoImportPolicy         string   `json:"autoImportPolicy,omitempty"`
	Lifecycle                string   `json:"lifecycle"`
	Subnets                  []string `json:"subnets,omitempty"`
	FailureReason            string   `json:"failureReason,omitempty"`
}

// DirectoryPath returns the absolute path of prefix on the mounted filesystem.
func (d Descriptor) DirectoryPath(prefix string) string {
	return path.Join("/", d.MountName, prefix)
}

// Available reports whether the filesystem can be mounted.
func (d Descriptor) Available() bool {
	return d.Lifecycle == string(types.FileSystemLifecycleAvailable)
}

// Provisioner creates, inspects and deletes Lustre filesystems.
type Provisioner struct {
	client FSxAPI
}

// NewProvisioner creates a Provisioner for the region of cfg.
func NewProvisioner(cfg aws.Config) *Provisioner {
	return &Provisioner{client: fsx.NewFromConfig(cfg)}
}

// NewProvisionerWith creates a Provisioner backed by client.
func NewProvisionerWith(client FSxAPI) *Provisioner {
	return &Provisioner{client: client}
}

// Create submits the filesystem creation request. The filesystem is still
// CREATING when Create returns.
func (p *Provisioner) Create(ctx context.Context, spec Spec) (*Descriptor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	in := &fsx.CreateFileSystemInput{
		FileSystemType:   types.FileSystemTypeLustre,
		StorageCapacity:  aws.Int32(spec.StorageCapacity),
		StorageType:      types.StorageType(spec.StorageType),
		SubnetIds:        spec.Subnets,
		SecurityGroupIds: spec.SecurityGroups,
		Tags:             toTags(spec.Tags),
		LustreConfiguration: &types.CreateFileSystemLustreConfiguration{
			ImportPath:       aws.String(spec.ImportPath),
			DeploymentType:   types.LustreDeploymentType(spec.DeploymentType),
			AutoImportPolicy: types.AutoImportPolicyType(spec.AutoImportPolicy),
		},
	}
	lustre := in.LustreConfiguration
	if spec.ImportedFileChunkSize > 0 {
		lustre.ImportedFileChunkSize = aws.Int32(spec.ImportedFileChunkSize)
	}
	if spec.PerUnitStorageThroughput > 0 {
		lustre.PerUnitStorageThroughput = aws.Int32(spec.PerUnitStorageThroughput)
	}
	if spec.WeeklyMaintenanceStartTime != "" {
		lustre.WeeklyMaintenanceStartTime = aws.String(spec.WeeklyMaintenanceStartTime)
	}

	logging.Info("Creating %d GiB %s Lustre filesystem importing from %s", spec.StorageCapacity, spec.StorageType, spec.ImportPath)
	out, err := p.client.CreateFileSystem(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem: %w", err)
	}
	if out.FileSystem == nil {
		return nil, fmt.Errorf("failed to create filesystem: empty response")
	}
	d := describe(*out.FileSystem)
	logging.Info("Filesystem %s is %s", d.ID, d.Lifecycle)
	return d, nil
}

// Describe returns the current state of filesystem id.
func (p *Provisioner) Describe(ctx context.Context, id string) (*Descriptor, error) {
	out, err := p.client.DescribeFileSystems(ctx, &fsx.DescribeFileSystemsInput{
		FileSystemIds: []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe filesystem %s: %w", id, err)
	}
	if len(out.FileSystems) == 0 {
		return nil, fmt.Errorf("filesystem %s not found", id)
	}
	return describe(out.FileSystems[0]), nil
}

// WaitAvailable polls until the filesystem is AVAILABLE. A FAILED or
// MISCONFIGURED filesystem ends the wait with an error, and so does ctx.
func (p *Provisioner) WaitAvailable(ctx context.Context, id string, interval time.Duration) (*Descriptor, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		d, err := p.Describe(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.Lifecycle != last {
			logging.Info("Filesystem %s is %s", id, d.Lifecycle)
			last = d.Lifecycle
		}

		switch types.FileSystemLifecycle(d.Lifecycle) {
		case types.FileSystemLifecycleAvailable:
			return d, nil
		case types.FileSystemLifecycleFailed,
			types.FileSystemLifecycleMisconfigured,
			types.FileSystemLifecycleMisconfiguredUnavailable,
			types.FileSystemLifecycleDeleting:
			return d, fmt.Errorf("filesystem %s is %s: %s", id, d.Lifecycle, d.FailureReason)
		}

		select {
		case <-ctx.Done():
			return d, fmt.Errorf("timed out waiting for filesystem %s, last state %s: %w", id, d.Lifecycle, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Delete deletes filesystem id. It returns false without error when the
// filesystem no longer exists.
func (p *Provisioner) Delete(ctx context.Context, id string) (bool, error) {
	logging.Info("Deleting filesystem %s", id)
	_, err := p.client.DeleteFileSystem(ctx, &fsx.DeleteFileSystemInput{
		FileSystemId: aws.String(id),
	})
	if err != nil {
		var notFound *types.FileSystemNotFound
		if errors.As(err, &notFound) {
			logging.Info("Filesystem %s does not exist, nothing to delete", id)
			return false, nil
		}
		return false, fmt.Errorf("failed to delete filesystem %s: %w", id, err)
	}
	return true, nil
}

func describe(fs types.FileSystem) *Descriptor {
	d := &Descriptor{
		ID:              aws.ToString(fs.FileSystemId),
		DNSName:         aws.ToString(fs.DNSName),
		StorageCapacity: aws.ToInt32(fs.StorageCapacity),
		StorageType:     string(fs.StorageType),
		Lifecycle:       string(fs.Lifecycle),
		Subnets:         fs.SubnetIds,
	}
	if fs.FailureDetails != nil {
		d.FailureReason = aws.ToString(fs.FailureDetails.Message)
	}
	if lc := fs.LustreConfiguration; lc != nil {
		d.MountName = aws.ToString(lc.MountName)
		d.DeploymentType = string(lc.DeploymentType)
		d.PerUnitStorageThroughput = aws.ToInt32(lc.PerUnitStorageThroughput)
		if repo := lc.DataRepositoryConfiguration; repo != nil {
			d.ImportPath = aws.ToString(repo.ImportPath)
			d.AutoImportPolicy = string(repo.AutoImportPolicy)
		}
	}
	return d
}

func toTags(m map[string]string) []types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}
