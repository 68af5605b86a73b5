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

// Package sagemaker submits training jobs to Amazon SageMaker and follows
// their progress and logs.
package sagemaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"trainrun/pkg/logging"
	"trainrun/pkg/metrics"
	"trainrun/pkg/orchestrator"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/sirupsen/logrus"
)

// LogGroup holds the logs of every training job.
const LogGroup = "/aws/sagemaker/TrainingJobs"

// SageMakerAPI is the subset of the SageMaker client used here.
type SageMakerAPI interface {
	CreateTrainingJob(ctx context.Context, in *sagemaker.CreateTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateTrainingJobOutput, error)
	DescribeTrainingJob(ctx context.Context, in *sagemaker.DescribeTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeTrainingJobOutput, error)
}

// LogsAPI is the subset of the CloudWatch Logs client used here.
type LogsAPI interface {
	FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// JobStatus is a snapshot of a training job.
type JobStatus struct {
	Name            string
	Status          string
	SecondaryStatus string
	FailureReason   string
}

// Terminal reports whether the job has stopped running.
func (s JobStatus) Terminal() bool {
	switch types.TrainingJobStatus(s.Status) {
	case types.TrainingJobStatusCompleted, types.TrainingJobStatusFailed, types.TrainingJobStatusStopped:
		return true
	}
	return false
}

// SageMakerOrchestrator implements orchestrator.Orchestrator for SageMaker
// training jobs.
type SageMakerOrchestrator struct {
	sm   SageMakerAPI
	logs LogsAPI
	now  func() time.Time
}

var _ orchestrator.Orchestrator = (*SageMakerOrchestrator)(nil)

// NewSageMakerOrchestrator creates an orchestrator for the region of cfg.
func NewSageMakerOrchestrator(cfg aws.Config) *SageMakerOrchestrator {
	return NewSageMakerOrchestratorWith(sagemaker.NewFromConfig(cfg), cloudwatchlogs.NewFromConfig(cfg))
}

// NewSageMakerOrchestratorWith creates an orchestrator backed by the given clients.
func NewSageMakerOrchestratorWith(sm SageMakerAPI, logs LogsAPI) *SageMakerOrchestrator {
	return &SageMakerOrchestrator{sm: sm, logs: logs, now: time.Now}
}

// Prepare names the job if needed and builds the request without sending it.
func (o *SageMakerOrchestrator) Prepare(job orchestrator.JobDefinition) (*sagemaker.CreateTrainingJobInput, error) {
	if job.Name == "" {
		job.Name = JobName(job.BaseName, o.now())
	}
	return BuildTrainingJobInput(job)
}

// SubmitJob implements orchestrator.Orchestrator.
func (o *SageMakerOrchestrator) SubmitJob(ctx context.Context, job orchestrator.JobDefinition) (*orchestrator.Submission, error) {
	in, err := o.Prepare(job)
	if err != nil {
		return nil, err
	}
	name := aws.ToString(in.TrainingJobName)

	logging.Info("Submitting training job %s on %d x %s", name, job.InstanceCount, job.InstanceType)
	out, err := o.sm.CreateTrainingJob(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to create training job %s: %w", name, err)
	}

	sub := &orchestrator.Submission{
		JobName:     name,
		JobARN:      aws.ToString(out.TrainingJobArn),
		SubmittedAt: o.now(),
	}
	logging.Info("Training job submitted: %s", sub)
	return sub, nil
}

// Describe returns the current status of job name.
func (o *SageMakerOrchestrator) Describe(ctx context.Context, name string) (*JobStatus, error) {
	out, err := o.sm.DescribeTrainingJob(ctx, &sagemaker.DescribeTrainingJobInput{
		TrainingJobName: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe training job %s: %w", name, err)
	}
	return &JobStatus{
		Name:            name,
		Status:          string(out.TrainingJobStatus),
		SecondaryStatus: string(out.SecondaryStatus),
		FailureReason:   aws.ToString(out.FailureReason),
	}, nil
}

// Wait polls the job until it reaches a terminal status. A failed or
// stopped job is returned together with an error.
func (o *SageMakerOrchestrator) Wait(ctx context.Context, name string, interval time.Duration) (*JobStatus, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		st, err := o.Describe(ctx, name)
		if err != nil {
			return nil, err
		}
		if cur := st.Status + "/" + st.SecondaryStatus; cur != last {
			logging.Info("Training job %s: %s (%s)", name, st.Status, st.SecondaryStatus)
			last = cur
		}
		if st.Terminal() {
			if types.TrainingJobStatus(st.Status) != types.TrainingJobStatusCompleted {
				return st, fmt.Errorf("training job %s ended %s: %s", name, st.Status, st.FailureReason)
			}
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LogOptions configures StreamLogs.
type LogOptions struct {
	// Follow keeps polling until the job is terminal.
	Follow   bool
	Interval time.Duration
	// Extractor, when set, logs metric samples found in each line.
	Extractor *metrics.Extractor
}

// StreamLogs copies the job's log events to w, one line per event prefixed
// with the instance stream name.
func (o *SageMakerOrchestrator) StreamLogs(ctx context.Context, name string, w io.Writer, opts LogOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	seen := map[string]bool{}
	var start int64

	for {
		// Read the status before draining so no events are lost after the
		// job turns terminal.
		done := !opts.Follow
		if opts.Follow {
			st, err := o.Describe(ctx, name)
			if err != nil {
				return err
			}
			done = st.Terminal()
		}

		latest, err := o.drain(ctx, name, start, seen, w, opts.Extractor)
		if err != nil {
			return err
		}
		if latest > start {
			start = latest
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
}

func (o *SageMakerOrchestrator) drain(ctx context.Context, name string, start int64, seen map[string]bool, w io.Writer, extractor *metrics.Extractor) (int64, error) {
	in := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName:        aws.String(LogGroup),
		LogStreamNamePrefix: aws.String(name + "/"),
	}
	if start > 0 {
		in.StartTime = aws.Int64(start)
	}

	latest := start
	paginator := cloudwatchlogs.NewFilterLogEventsPaginator(o.logs, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			var notFound *logtypes.ResourceNotFoundException
			if errors.As(err, &notFound) {
				logging.Debug("No logs for %s yet", name)
				return latest, nil
			}
			return latest, fmt.Errorf("failed to read logs of %s: %w", name, err)
		}

		for _, ev := range page.Events {
			id := aws.ToString(ev.EventId)
			if seen[id] {
				continue
			}
			seen[id] = true

			stream := strings.TrimPrefix(aws.ToString(ev.LogStreamName), name+"/")
			msg := strings.TrimRight(aws.ToString(ev.Message), "\n")
			fmt.Fprintf(w, "[%s] %s\n", stream, msg)

			if extractor != nil {
				for _, s := range extractor.Extract(msg) {
					logrus.WithFields(logrus.Fields{"metric": s.Name, "value": s.Value, "stream": stream}).Info("Metric")
				}
			}
			if ts := aws.ToInt64(ev.Timestamp); ts > latest {
				latest = ts
			}
		}
	}
	return latest, nil
}
