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

package filesystem

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/fsx"
	"github.com/aws/aws-sdk-go-v2/service/fsx/types"
	"github.com/google/go-cmp/cmp"
)

// fakeFSx keeps filesystems in memory. Each describe advances the lifecycle
// of a filesystem by one step of its script.
type fakeFSx struct {
	created   *fsx.CreateFileSystemInput
	scripts   map[string][]types.FileSystemLifecycle
	deleted   map[string]bool
	describes int
}

func newFakeFSx() *fakeFSx {
	return &fakeFSx{scripts: map[string][]types.FileSystemLifecycle{}, deleted: map[string]bool{}}
}

func (f *fakeFSx) fileSystem(id string, lifecycle types.FileSystemLifecycle) types.FileSystem {
	return types.FileSystem{
		FileSystemId:    aws.String(id),
		DNSName:         aws.String(id + ".fsx.us-west-2.amazonaws.com"),
		Lifecycle:       lifecycle,
		StorageCapacity: aws.Int32(1200),
		StorageType:     types.StorageTypeSsd,
		SubnetIds:       []string{"subnet-0a1b2c"},
		LustreConfiguration: &types.LustreFileSystemConfiguration{
			MountName:                aws.String("abcdefgh"),
			DeploymentType:           types.LustreDeploymentTypePersistent1,
			PerUnitStorageThroughput: aws.Int32(200),
			DataRepositoryConfiguration: &types.DataRepositoryConfiguration{
				ImportPath:       aws.String("s3://bucket/mask-rcnn"),
				AutoImportPolicy: types.AutoImportPolicyTypeNewChanged,
			},
		},
	}
}

func (f *fakeFSx) CreateFileSystem(ctx context.Context, in *fsx.CreateFileSystemInput, optFns ...func(*fsx.Options)) (*fsx.CreateFileSystemOutput, error) {
	f.created = in
	fs := f.fileSystem("fs-0123456789abcdef0", types.FileSystemLifecycleCreating)
	return &fsx.CreateFileSystemOutput{FileSystem: &fs}, nil
}

func (f *fakeFSx) DescribeFileSystems(ctx context.Context, in *fsx.DescribeFileSystemsInput, optFns ...func(*fsx.Options)) (*fsx.DescribeFileSystemsOutput, error) {
	f.describes++
	id := in.FileSystemIds[0]
	script, ok := f.scripts[id]
	if !ok || f.deleted[id] {
		return nil, &types.FileSystemNotFound{Message: aws.String("File system '" + id + "' does not exist.")}
	}
	state := script[0]
	if len(script) > 1 {
		f.scripts[id] = script[1:]
	}
	return &fsx.DescribeFileSystemsOutput{FileSystems: []types.FileSystem{f.fileSystem(id, state)}}, nil
}

func (f *fakeFSx) DeleteFileSystem(ctx context.Context, in *fsx.DeleteFileSystemInput, optFns ...func(*fsx.Options)) (*fsx.DeleteFileSystemOutput, error) {
	id := aws.ToString(in.FileSystemId)
	if _, ok := f.scripts[id]; !ok || f.deleted[id] {
		return nil, &types.FileSystemNotFound{Message: aws.String("File system '" + id + "' does not exist.")}
	}
	f.deleted[id] = true
	return &fsx.DeleteFileSystemOutput{FileSystemId: in.FileSystemId, Lifecycle: types.FileSystemLifecycleDeleting}, nil
}

func testSpec() Spec {
	return Spec{
		StorageCapacity:            1200,
		StorageType:                "SSD",
		DeploymentType:             "PERSISTENT_1",
		PerUnitStorageThroughput:   200,
		ImportPath:                 "s3://bucket/mask-rcnn",
		ImportedFileChunkSize:      1024,
		AutoImportPolicy:           "NEW_CHANGED",
		WeeklyMaintenanceStartTime: "1:00:00",
		Subnets:                    []string{"subnet-0a1b2c"},
		SecurityGroups:             []string{"sg-0d1e2f"},
		Tags:                       map[string]string{"Name": "trainrun-fsx", "Team": "vision"},
	}
}

func TestCreate(t *testing.T) {
	fake := newFakeFSx()
	d, err := NewProvisionerWith(fake).Create(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.ID != "fs-0123456789abcdef0" || d.Lifecycle != "CREATING" {
		t.Errorf("Create = %+v", d)
	}

	in := fake.created
	if in.FileSystemType != types.FileSystemTypeLustre {
		t.Errorf("FileSystemType = %s", in.FileSystemType)
	}
	if aws.ToInt32(in.StorageCapacity) != 1200 || in.StorageType != types.StorageTypeSsd {
		t.Errorf("capacity/type = %d/%s", aws.ToInt32(in.StorageCapacity), in.StorageType)
	}
	lc := in.LustreConfiguration
	if aws.ToString(lc.ImportPath) != "s3://bucket/mask-rcnn" ||
		aws.ToInt32(lc.ImportedFileChunkSize) != 1024 ||
		lc.DeploymentType != types.LustreDeploymentTypePersistent1 ||
		lc.AutoImportPolicy != types.AutoImportPolicyTypeNewChanged ||
		aws.ToInt32(lc.PerUnitStorageThroughput) != 200 ||
		aws.ToString(lc.WeeklyMaintenanceStartTime) != "1:00:00" {
		t.Errorf("unexpected Lustre configuration: %+v", lc)
	}
	if diff := cmp.Diff([]string{"sg-0d1e2f"}, in.SecurityGroupIds); diff != "" {
		t.Errorf("security groups mismatch (-want +got):\n%s", diff)
	}

	var tags []string
	for _, tag := range in.Tags {
		tags = append(tags, aws.ToString(tag.Key)+"="+aws.ToString(tag.Value))
	}
	if diff := cmp.Diff([]string{"Name=trainrun-fsx", "Team=vision"}, tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateValidates(t *testing.T) {
	tests := map[string]func(*Spec){
		"no capacity": func(s *Spec) { s.StorageCapacity = 0 },
		"no subnet":   func(s *Spec) { s.Subnets = nil },
		"no import":   func(s *Spec) { s.ImportPath = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			spec := testSpec()
			mutate(&spec)
			fake := newFakeFSx()
			if _, err := NewProvisionerWith(fake).Create(context.Background(), spec); err == nil {
				t.Error("Create accepted an invalid spec")
			}
			if fake.created != nil {
				t.Error("CreateFileSystem called for an invalid spec")
			}
		})
	}
}

func TestWaitAvailable(t *testing.T) {
	fake := newFakeFSx()
	fake.scripts["fs-1"] = []types.FileSystemLifecycle{
		types.FileSystemLifecycleCreating,
		types.FileSystemLifecycleCreating,
		types.FileSystemLifecycleAvailable,
	}

	d, err := NewProvisionerWith(fake).WaitAvailable(context.Background(), "fs-1", time.Millisecond)
	if err != nil {
		t.Fatalf("WaitAvailable: %v", err)
	}
	if !d.Available() || fake.describes != 3 {
		t.Errorf("WaitAvailable = %s after %d describes", d.Lifecycle, fake.describes)
	}
	if got := d.DirectoryPath("input/train"); got != "/abcdefgh/input/train" {
		t.Errorf("DirectoryPath = %q", got)
	}
	if d.ImportPath != "s3://bucket/mask-rcnn" || d.AutoImportPolicy != "NEW_CHANGED" {
		t.Errorf("import settings = %s %s", d.ImportPath, d.AutoImportPolicy)
	}
}

func TestWaitAvailableFailed(t *testing.T) {
	fake := newFakeFSx()
	fake.scripts["fs-1"] = []types.FileSystemLifecycle{types.FileSystemLifecycleCreating, types.FileSystemLifecycleMisconfigured}

	_, err := NewProvisionerWith(fake).WaitAvailable(context.Background(), "fs-1", time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "MISCONFIGURED") {
		t.Errorf("WaitAvailable error = %v, want MISCONFIGURED", err)
	}
}

func TestWaitAvailableTimeout(t *testing.T) {
	fake := newFakeFSx()
	fake.scripts["fs-1"] = []types.FileSystemLifecycle{types.FileSystemLifecycleCreating}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewProvisionerWith(fake).WaitAvailable(ctx, "fs-1", 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitAvailable error = %v, want deadline exceeded", err)
	}
}

func TestDeleteTwiceIsNoop(t *testing.T) {
	fake := newFakeFSx()
	fake.scripts["fs-1"] = []types.FileSystemLifecycle{types.FileSystemLifecycleAvailable}
	p := NewProvisionerWith(fake)

	deleted, err := p.Delete(context.Background(), "fs-1")
	if err != nil || !deleted {
		t.Fatalf("first Delete = %v, %v", deleted, err)
	}
	deleted, err = p.Delete(context.Background(), "fs-1")
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if deleted {
		t.Error("second Delete reported a deletion")
	}
}

func TestDescriptorDirectoryPath(t *testing.T) {
	d := Descriptor{MountName: "3x5lhbmv"}
	tests := map[string]string{
		"":                                  "/3x5lhbmv",
		"input/train":                       "/3x5lhbmv/input/train",
		"/mask-rcnn/smdataparallel/":        "/3x5lhbmv/mask-rcnn/smdataparallel",
		"mask-rcnn/smdataparallel/../train": "/3x5lhbmv/mask-rcnn/train",
	}
	for prefix, want := range tests {
		if got := d.DirectoryPath(prefix); got != want {
			t.Errorf("DirectoryPath(%q) = %q, want %q", prefix, got, want)
		}
	}
}
