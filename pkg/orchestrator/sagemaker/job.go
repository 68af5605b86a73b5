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

package sagemaker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"trainrun/pkg/filesystem"
	"trainrun/pkg/orchestrator"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
)

const (
	// MaxJobNameLength is the platform limit on training job names.
	MaxJobNameLength = 63

	TagFrameworkVersion = "trainrun:framework-version"
	TagPyVersion        = "trainrun:py-version"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// JobName returns <base>-YYYY-MM-DD-HH-MM-SS-mmm in UTC, truncating base so
// the result fits MaxJobNameLength.
func JobName(base string, now time.Time) string {
	now = now.UTC()
	suffix := fmt.Sprintf("-%s-%03d", now.Format("2006-01-02-15-04-05"), now.Nanosecond()/int(time.Millisecond))

	base = invalidNameChars.ReplaceAllString(base, "-")
	if limit := MaxJobNameLength - len(suffix); len(base) > limit {
		base = base[:limit]
	}
	base = strings.Trim(base, "-")
	if base == "" {
		base = "trainrun"
	}
	return base + suffix
}

// BuildTrainingJobInput translates job into a CreateTrainingJob request.
// job.Name must be set.
func BuildTrainingJobInput(job orchestrator.JobDefinition) (*sagemaker.CreateTrainingJobInput, error) {
	if job.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	hp, err := frameworkHyperparameters(job)
	if err != nil {
		return nil, err
	}

	in := &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(job.Name),
		RoleArn:         aws.String(job.Role),
		AlgorithmSpecification: &types.AlgorithmSpecification{
			TrainingImage:     aws.String(job.Image),
			TrainingInputMode: types.TrainingInputModeFile,
			MetricDefinitions: metricDefinitions(job),
		},
		HyperParameters: hp,
		InputDataConfig: channels(job.Channels),
		ResourceConfig: &types.ResourceConfig{
			InstanceType:  types.TrainingInstanceType(job.InstanceType),
			InstanceCount: aws.Int32(job.InstanceCount),
		},
		StoppingCondition: &types.StoppingCondition{},
		Tags:              tags(job),
	}

	if job.VolumeSizeGB > 0 {
		in.ResourceConfig.VolumeSizeInGB = aws.Int32(job.VolumeSizeGB)
	}
	if job.MaxRuntime > 0 {
		in.StoppingCondition.MaxRuntimeInSeconds = aws.Int32(int32(job.MaxRuntime / time.Second))
	}
	if job.OutputPath != "" {
		in.OutputDataConfig = &types.OutputDataConfig{S3OutputPath: aws.String(job.OutputPath)}
		if job.DebuggerHook {
			in.DebugHookConfig = &types.DebugHookConfig{S3OutputPath: aws.String(job.OutputPath)}
		}
	}
	if len(job.Network.Subnets) > 0 || len(job.Network.SecurityGroups) > 0 {
		in.VpcConfig = &types.VpcConfig{
			Subnets:          job.Network.Subnets,
			SecurityGroupIds: job.Network.SecurityGroups,
		}
	}
	return in, nil
}

// frameworkHyperparameters merges the user hyperparameters with the ones the
// training toolkit needs to locate and launch the entry point. User values
// win on conflicts.
func frameworkHyperparameters(job orchestrator.JobDefinition) (map[string]string, error) {
	all := map[string]any{
		HPProgram:           job.EntryPoint,
		HPRegion:            job.Region,
		HPJobName:           job.Name,
		HPContainerLogLevel: job.ContainerLogLevel,
	}
	if job.SubmitDirectory != "" {
		all[HPSubmitDirectory] = job.SubmitDirectory
	}
	if job.DataParallel {
		all[HPDataParallel] = true
		all[HPInstanceType] = job.InstanceType
		all[HPDataParallelMPIOpt] = job.CustomMPIOptions
	}
	for k, v := range job.Hyperparameters {
		all[k] = v
	}
	return EncodeHyperparameters(all)
}

func metricDefinitions(job orchestrator.JobDefinition) []types.MetricDefinition {
	defs := make([]types.MetricDefinition, 0, len(job.MetricDefinitions))
	for _, d := range job.MetricDefinitions {
		defs = append(defs, types.MetricDefinition{Name: aws.String(d.Name), Regex: aws.String(d.Regex)})
	}
	return defs
}

func channels(in []orchestrator.InputChannel) []types.Channel {
	out := make([]types.Channel, 0, len(in))
	for _, c := range in {
		fsType := c.FileSystemType
		if fsType == "" {
			fsType = filesystem.Type
		}
		out = append(out, types.Channel{
			ChannelName: aws.String(c.Name),
			DataSource: &types.DataSource{
				FileSystemDataSource: &types.FileSystemDataSource{
					FileSystemId:         aws.String(c.FileSystemID),
					FileSystemType:       types.FileSystemType(fsType),
					DirectoryPath:        aws.String(c.DirectoryPath),
					FileSystemAccessMode: types.FileSystemAccessMode(c.AccessMode),
				},
			},
		})
	}
	return out
}

func tags(job orchestrator.JobDefinition) []types.Tag {
	all := map[string]string{}
	for k, v := range job.Tags {
		all[k] = v
	}
	if job.FrameworkVersion != "" {
		all[TagFrameworkVersion] = job.FrameworkVersion
	}
	if job.PyVersion != "" {
		all[TagPyVersion] = job.PyVersion
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(all[k])})
	}
	return out
}
