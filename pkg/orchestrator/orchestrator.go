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

package orchestrator

import (
	"context"
	"fmt"
	"path"
	"time"

	"trainrun/pkg/metrics"

	"github.com/pkg/errors"
)

// InputChannel maps a named training input to a directory on a networked
// filesystem.
type InputChannel struct {
	Name           string `json:"name"`
	FileSystemID   string `json:"fileSystemId"`
	FileSystemType string `json:"fileSystemType"`
	DirectoryPath  string `json:"directoryPath"`
	AccessMode     string `json:"accessMode"`
}

// NetworkPlacement places the training instances next to the filesystem.
type NetworkPlacement struct {
	Subnets        []string `json:"subnets"`
	SecurityGroups []string `json:"securityGroups"`
}

// JobDefinition holds all the necessary parameters to define a training job.
// Orchestrator implementations translate it into their platform's request.
type JobDefinition struct {
	// Name of the job. Generated from BaseName when empty.
	Name     string
	BaseName string

	Image      string
	Role       string
	Region     string
	EntryPoint string
	// SubmitDirectory is the object storage URI of the packaged source dir.
	SubmitDirectory string

	InstanceType  string
	InstanceCount int32
	VolumeSizeGB  int32
	MaxRuntime    time.Duration

	FrameworkVersion string
	PyVersion        string

	Hyperparameters   map[string]any
	MetricDefinitions []metrics.Definition
	Network           NetworkPlacement
	Channels          []InputChannel

	DebuggerHook      bool
	DataParallel      bool
	CustomMPIOptions  string
	ContainerLogLevel int
	OutputPath        string
	Tags              map[string]string
}

// Validate checks the job definition before it is sent to a platform. Checks
// that only the platform can make, like instance type legality, are left to it.
func (j JobDefinition) Validate() error {
	if j.Name == "" && j.BaseName == "" {
		return errors.New("job name or base name is required")
	}
	if j.Image == "" {
		return errors.New("image is required")
	}
	if j.Role == "" {
		return errors.New("execution role is required")
	}
	if j.EntryPoint == "" {
		return errors.New("entry point is required")
	}
	if j.InstanceType == "" {
		return errors.New("instance type is required")
	}
	if j.InstanceCount < 1 {
		return errors.Errorf("instance count must be at least 1, got %d", j.InstanceCount)
	}
	if len(j.Channels) == 0 {
		return errors.New("at least one input channel is required")
	}
	for _, c := range j.Channels {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if err := metrics.ValidateAll(j.MetricDefinitions); err != nil {
		return errors.Wrap(err, "invalid metric definitions")
	}
	return nil
}

// Validate checks a single input channel.
func (c InputChannel) Validate() error {
	if c.Name == "" {
		return errors.New("input channel needs a name")
	}
	if c.FileSystemID == "" {
		return errors.Errorf("input channel %s needs a filesystem id", c.Name)
	}
	if !path.IsAbs(c.DirectoryPath) {
		return errors.Errorf("input channel %s directory path %q must be absolute", c.Name, c.DirectoryPath)
	}
	if c.AccessMode != "ro" && c.AccessMode != "rw" {
		return errors.Errorf("input channel %s access mode must be \"ro\" or \"rw\", got %q", c.Name, c.AccessMode)
	}
	return nil
}

// Submission identifies a submitted job.
type Submission struct {
	JobName     string
	JobARN      string
	SubmittedAt time.Time
}

func (s Submission) String() string {
	return fmt.Sprintf("%s (%s)", s.JobName, s.JobARN)
}

// Orchestrator defines the interface for submitting and managing training jobs.
type Orchestrator interface {
	// SubmitJob takes a JobDefinition and submits it. The platform runs the
	// job asynchronously.
	SubmitJob(ctx context.Context, job JobDefinition) (*Submission, error)
}
