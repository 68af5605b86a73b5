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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"trainrun/pkg/metrics"
	"trainrun/pkg/orchestrator"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/google/go-cmp/cmp"
	"sigs.k8s.io/yaml"
)

var fixedNow = time.Date(2026, 10, 19, 8, 30, 15, 123456789, time.UTC)

func testJob() orchestrator.JobDefinition {
	return orchestrator.JobDefinition{
		BaseName:         "smdataparallel-mrcnn",
		Image:            "123456789012.dkr.ecr.us-west-2.amazonaws.com/smdataparallel-mrcnn:pt1.6",
		Role:             "arn:aws:iam::123456789012:role/SageMakerRole",
		Region:           "us-west-2",
		EntryPoint:       "train_pytorch_smdataparallel_maskrcnn.py",
		SubmitDirectory:  "s3://bucket/smdataparallel-mrcnn/source/sourcedir.tar.gz",
		InstanceType:     "ml.p3.16xlarge",
		InstanceCount:    2,
		VolumeSizeGB:     30,
		MaxRuntime:       24 * time.Hour,
		FrameworkVersion: "1.6.0",
		PyVersion:        "py36",
		Hyperparameters:  map[string]any{
			"config-file": "e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml",
			"skip-test":   "",
			"seed":        987,
			"dtype":       "float16",
			"spot_ckpt":   "s3://bucket/mask-rcnn/pretrained-weights/R-50.pkl",
		},
		MetricDefinitions: metrics.DefaultDefinitions(),
		Network:           orchestrator.NetworkPlacement{
			Subnets:        []string{"subnet-0a1b2c"},
			SecurityGroups: []string{"sg-0d1e2f"},
		},
		Channels: []orchestrator.InputChannel{{
			Name:          "train",
			FileSystemID:  "fs-0123456789abcdef0",
			DirectoryPath: "/abcdefgh/mask-rcnn/smdataparallel/input/train",
			AccessMode:    "ro",
		}},
		DataParallel:      true,
		ContainerLogLevel: 20,
		OutputPath:        "s3://bucket/mask-rcnn/output",
	}
}

func TestJobName(t *testing.T) {
	if got, want := JobName("smdataparallel-mrcnn", fixedNow), "smdataparallel-mrcnn-2026-10-19-08-30-15-123"; got != want {
		t.Errorf("JobName = %q, want %q", got, want)
	}

	long := JobName(strings.Repeat("very-long-base-name", 5), fixedNow)
	if len(long) > MaxJobNameLength {
		t.Errorf("JobName length %d exceeds %d: %s", len(long), MaxJobNameLength, long)
	}
	if !strings.HasSuffix(long, "-2026-10-19-08-30-15-123") {
		t.Errorf("truncated JobName lost its timestamp: %s", long)
	}

	if got := JobName("mask_rcnn.v2", fixedNow); !strings.HasPrefix(got, "mask-rcnn-v2-") {
		t.Errorf("JobName did not sanitize the base: %s", got)
	}
}

func TestHyperparametersPreserved(t *testing.T) {
	hp := map[string]any{
		"config-file": "e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml",
		"seed":        987,
		"dtype":       "float16",
	}
	enc, err := EncodeHyperparameters(hp)
	if err != nil {
		t.Fatalf("EncodeHyperparameters: %v", err)
	}
	want := map[string]string{
		"config-file": `"e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml"`,
		"seed":        `987`,
		"dtype":       `"float16"`,
	}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Errorf("encoded hyperparameters mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(hp, DecodeHyperparameters(enc)); diff != "" {
		t.Errorf("decoded hyperparameters mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeHyperparameters(t *testing.T) {
	got := DecodeHyperparameters(map[string]string{
		"lr":      "0.02",
		"enabled": "true",
		"raw":     "not-json",
		"empty":   `""`,
	})
	want := map[string]any{"lr": 0.02, "enabled": true, "raw": "not-json", "empty": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeHyperparameters mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildTrainingJobInput(t *testing.T) {
	job := testJob()
	job.Name = JobName(job.BaseName, fixedNow)

	in, err := BuildTrainingJobInput(job)
	if err != nil {
		t.Fatalf("BuildTrainingJobInput: %v", err)
	}

	if aws.ToString(in.AlgorithmSpecification.TrainingImage) != job.Image {
		t.Errorf("TrainingImage = %s", aws.ToString(in.AlgorithmSpecification.TrainingImage))
	}
	if got := len(in.AlgorithmSpecification.MetricDefinitions); got != len(metrics.DefaultDefinitions()) {
		t.Errorf("metric definitions = %d", got)
	}
	if in.ResourceConfig.InstanceType != types.TrainingInstanceTypeMlP316xlarge || aws.ToInt32(in.ResourceConfig.InstanceCount) != 2 {
		t.Errorf("resources = %s x %d", in.ResourceConfig.InstanceType, aws.ToInt32(in.ResourceConfig.InstanceCount))
	}
	if aws.ToInt32(in.StoppingCondition.MaxRuntimeInSeconds) != 86400 {
		t.Errorf("MaxRuntimeInSeconds = %d", aws.ToInt32(in.StoppingCondition.MaxRuntimeInSeconds))
	}
	if in.DebugHookConfig != nil {
		t.Error("debug hook configured although disabled")
	}

	wantHP := map[string]string{
		"config-file": `"e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml"`,
		"skip-test":   `""`,
		"seed":        `987`,
		"dtype":       `"float16"`,
		"spot_ckpt":   `"s3://bucket/mask-rcnn/pretrained-weights/R-50.pkl"`,

		HPProgram:            `"train_pytorch_smdataparallel_maskrcnn.py"`,
		HPSubmitDirectory:    `"s3://bucket/smdataparallel-mrcnn/source/sourcedir.tar.gz"`,
		HPRegion:             `"us-west-2"`,
		HPJobName:            `"smdataparallel-mrcnn-2026-10-19-08-30-15-123"`,
		HPContainerLogLevel:  `20`,
		HPInstanceType:       `"ml.p3.16xlarge"`,
		HPDataParallel:       `true`,
		HPDataParallelMPIOpt: `""`,
	}
	if diff := cmp.Diff(wantHP, in.HyperParameters); diff != "" {
		t.Errorf("hyperparameters mismatch (-want +got):\n%s", diff)
	}

	if len(in.InputDataConfig) != 1 {
		t.Fatalf("channels = %d, want 1", len(in.InputDataConfig))
	}
	ch := in.InputDataConfig[0]
	src := ch.DataSource.FileSystemDataSource
	if aws.ToString(ch.ChannelName) != "train" ||
		aws.ToString(src.FileSystemId) != "fs-0123456789abcdef0" ||
		string(src.FileSystemType) != "FSxLustre" ||
		aws.ToString(src.DirectoryPath) != "/abcdefgh/mask-rcnn/smdataparallel/input/train" ||
		src.FileSystemAccessMode != types.FileSystemAccessModeRo {
		t.Errorf("unexpected channel %+v", src)
	}

	if diff := cmp.Diff([]string{"subnet-0a1b2c"}, in.VpcConfig.Subnets); diff != "" {
		t.Errorf("subnets mismatch (-want +got):\n%s", diff)
	}

	var tagKeys []string
	for _, tag := range in.Tags {
		tagKeys = append(tagKeys, aws.ToString(tag.Key)+"="+aws.ToString(tag.Value))
	}
	if diff := cmp.Diff([]string{TagFrameworkVersion + "=1.6.0", TagPyVersion + "=py36"}, tagKeys); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildTrainingJobInputDebuggerHook(t *testing.T) {
	job := testJob()
	job.Name = "job"
	job.DebuggerHook = true
	in, err := BuildTrainingJobInput(job)
	if err != nil {
		t.Fatalf("BuildTrainingJobInput: %v", err)
	}
	if in.DebugHookConfig == nil || aws.ToString(in.DebugHookConfig.S3OutputPath) != job.OutputPath {
		t.Errorf("DebugHookConfig = %+v", in.DebugHookConfig)
	}
}

func TestBuildTrainingJobInputRejects(t *testing.T) {
	tests := map[string]func(*orchestrator.JobDefinition){
		"no name":         func(j *orchestrator.JobDefinition) { j.Name = "" },
		"no channel":      func(j *orchestrator.JobDefinition) { j.Channels = nil },
		"relative path":   func(j *orchestrator.JobDefinition) { j.Channels[0].DirectoryPath = "input/train" },
		"bad access mode": func(j *orchestrator.JobDefinition) { j.Channels[0].AccessMode = "readonly" },
		"zero instances":  func(j *orchestrator.JobDefinition) { j.InstanceCount = 0 },
		"two groups": func(j *orchestrator.JobDefinition) {
			j.MetricDefinitions = []metrics.Definition{{Name: "loss", Regex: `loss: ([0-9.]+) \(([0-9.]+)\)`}}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			job := testJob()
			job.Name = "job"
			mutate(&job)
			if _, err := BuildTrainingJobInput(job); err == nil {
				t.Error("BuildTrainingJobInput accepted an invalid job")
			}
		})
	}
}

type fakeSageMaker struct {
	created  *sagemaker.CreateTrainingJobInput
	statuses []types.TrainingJobStatus
	failure  string
}

func (f *fakeSageMaker) CreateTrainingJob(ctx context.Context, in *sagemaker.CreateTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateTrainingJobOutput, error) {
	f.created = in
	arn := "arn:aws:sagemaker:us-west-2:123456789012:training-job/" + aws.ToString(in.TrainingJobName)
	return &sagemaker.CreateTrainingJobOutput{TrainingJobArn: aws.String(arn)}, nil
}

func (f *fakeSageMaker) DescribeTrainingJob(ctx context.Context, in *sagemaker.DescribeTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeTrainingJobOutput, error) {
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	out := &sagemaker.DescribeTrainingJobOutput{
		TrainingJobName:   in.TrainingJobName,
		TrainingJobStatus: st,
		SecondaryStatus:   types.SecondaryStatusTraining,
	}
	if st == types.TrainingJobStatusFailed {
		out.FailureReason = aws.String(f.failure)
	}
	return out, nil
}

type fakeLogs struct {
	pages  [][]logtypes.FilteredLogEvent
	calls  int
	inputs []*cloudwatchlogs.FilterLogEventsInput
}

func (f *fakeLogs) FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.calls >= len(f.pages) {
		return &cloudwatchlogs.FilterLogEventsOutput{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return &cloudwatchlogs.FilterLogEventsOutput{Events: page}, nil
}

func event(id, stream, msg string, ts int64) logtypes.FilteredLogEvent {
	return logtypes.FilteredLogEvent{
		EventId:       aws.String(id),
		LogStreamName: aws.String(stream),
		Message:       aws.String(msg),
		Timestamp:     aws.Int64(ts),
	}
}

func TestSubmitJob(t *testing.T) {
	sm := &fakeSageMaker{}
	o := NewSageMakerOrchestratorWith(sm, &fakeLogs{})
	o.now = func() time.Time { return fixedNow }

	sub, err := o.SubmitJob(context.Background(), testJob())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if sub.JobName != "smdataparallel-mrcnn-2026-10-19-08-30-15-123" {
		t.Errorf("JobName = %s", sub.JobName)
	}
	if !strings.HasSuffix(sub.JobARN, "training-job/"+sub.JobName) {
		t.Errorf("JobARN = %s", sub.JobARN)
	}
	if got := sm.created.HyperParameters["seed"]; got != "987" {
		t.Errorf("submitted seed = %q", got)
	}
}

func TestWait(t *testing.T) {
	sm := &fakeSageMaker{statuses: []types.TrainingJobStatus{
		types.TrainingJobStatusInProgress,
		types.TrainingJobStatusInProgress,
		types.TrainingJobStatusCompleted,
	}}
	o := NewSageMakerOrchestratorWith(sm, &fakeLogs{})

	st, err := o.Wait(context.Background(), "job", time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.Status != "Completed" {
		t.Errorf("status = %s", st.Status)
	}
}

func TestWaitFailed(t *testing.T) {
	sm := &fakeSageMaker{
		statuses: []types.TrainingJobStatus{types.TrainingJobStatusFailed},
		failure:  "AlgorithmError: CUDA out of memory",
	}
	o := NewSageMakerOrchestratorWith(sm, &fakeLogs{})

	_, err := o.Wait(context.Background(), "job", time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("Wait error = %v", err)
	}
}

func TestStreamLogs(t *testing.T) {
	logs := &fakeLogs{pages: [][]logtypes.FilteredLogEvent{
		{
			event("1", "job/algo-1-1700000000", "iter: 100 loss: 1.2345 time: 0.41\n", 1000),
			event("2", "job/algo-2-1700000000", "starting", 1000),
		},
		{
			event("2", "job/algo-2-1700000000", "starting", 1000),
			event("3", "job/algo-1-1700000000", "bbox_mAP: 0.3721", 2000),
		},
	}}
	sm := &fakeSageMaker{statuses: []types.TrainingJobStatus{
		types.TrainingJobStatusInProgress,
		types.TrainingJobStatusCompleted,
	}}
	o := NewSageMakerOrchestratorWith(sm, logs)

	extractor, err := metrics.NewExtractor(metrics.DefaultDefinitions())
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err = o.StreamLogs(context.Background(), "job", &out, LogOptions{Follow: true, Interval: time.Millisecond, Extractor: extractor})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}

	want := "[algo-1-1700000000] iter: 100 loss: 1.2345 time: 0.41\n" +
		"[algo-2-1700000000] starting\n" +
		"[algo-1-1700000000] bbox_mAP: 0.3721\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("log output mismatch (-want +got):\n%s", diff)
	}

	first := logs.inputs[0]
	if aws.ToString(first.LogGroupName) != LogGroup || aws.ToString(first.LogStreamNamePrefix) != "job/" {
		t.Errorf("first query = %s %s", aws.ToString(first.LogGroupName), aws.ToString(first.LogStreamNamePrefix))
	}
	if first.StartTime != nil {
		t.Error("first query has a start time")
	}
	if aws.ToInt64(logs.inputs[1].StartTime) != 1000 {
		t.Errorf("second query start = %d, want 1000", aws.ToInt64(logs.inputs[1].StartTime))
	}
}

func TestRenderSpec(t *testing.T) {
	job := testJob()
	job.Name = "smdataparallel-mrcnn-2026-10-19-08-30-15-123"
	in, err := BuildTrainingJobInput(job)
	if err != nil {
		t.Fatal(err)
	}
	out, err := RenderSpec(in)
	if err != nil {
		t.Fatalf("RenderSpec: %v", err)
	}

	var result map[string]interface{}
	if err := yaml.Unmarshal(out, &result); err != nil {
		t.Fatalf("Failed to unmarshal rendered spec: %v\n%s", err, out)
	}

	if name := result["TrainingJobName"]; name != job.Name {
		t.Errorf("Expected TrainingJobName %q, got %q", job.Name, name)
	}
	if _, ok := result["DebugHookConfig"]; ok {
		t.Errorf("Expected unset DebugHookConfig to be pruned")
	}
	hp, ok := result["HyperParameters"].(map[string]interface{})
	if !ok {
		t.Fatalf("HyperParameters not found or not a map")
	}
	if seed := hp["seed"]; seed != "987" {
		t.Errorf("Expected HyperParameters.seed %q, got %v", "987", seed)
	}
	channels, ok := result["InputDataConfig"].([]interface{})
	if !ok || len(channels) != 1 {
		t.Fatalf("InputDataConfig not found or not a single channel")
	}
	source := channels[0].(map[string]interface{})["DataSource"].(map[string]interface{})["FileSystemDataSource"].(map[string]interface{})
	if id := source["FileSystemId"]; id != "fs-0123456789abcdef0" {
		t.Errorf("Expected FileSystemId %q, got %v", "fs-0123456789abcdef0", id)
	}
}
