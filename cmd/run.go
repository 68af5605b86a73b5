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

package cmd

import (
	"slices"
	"time"

	"trainrun/pkg/logging"
	"trainrun/pkg/orchestrator/sagemaker"
	"trainrun/pkg/run"

	"github.com/spf13/cobra"
)

var (
	stageList      string
	noWait         bool
	waitJob        bool
	teardownAfter  bool
	outputSpec     string
	builderName    string
	platform       string
	jobPollSeconds int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&stageList, "stages", "s", "", "Comma separated stages to run (identity, dataset, image, filesystem, weights, job, teardown). Defaults to every stage except teardown.")
	runCmd.Flags().BoolVar(&noWait, "no-wait", false, "Do not wait for the filesystem to become available before submitting the job.")
	runCmd.Flags().BoolVar(&waitJob, "wait-job", false, "Wait for the training job to finish.")
	runCmd.Flags().BoolVar(&teardownAfter, "teardown", false, "Delete the filesystem once the job has finished. Requires --wait-job when the job stage runs.")
	runCmd.Flags().StringVarP(&outputSpec, "output-spec", "o", "", "Path to output the training job request instead of submitting it.")
	runCmd.Flags().StringVar(&builderName, "builder", "", "Image builder to use, 'docker' or 'crane'. Overrides image.builder.")
	runCmd.Flags().StringVarP(&platform, "platform", "f", "", "Target platform for the image build (e.g., 'linux/amd64'). Overrides image.platform.")
	runCmd.Flags().IntVar(&jobPollSeconds, "poll-seconds", 0, "Seconds between job status checks with --wait-job. Overrides job.poll_interval.")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the training runbook end to end.",
	Long: `The 'run' command executes the runbook stages in order: resolve the caller
identity, stage the dataset to S3, build and push the training image, create an
FSx for Lustre filesystem importing the dataset, stage the pretrained weights and
submit the data-parallel training job.

With --teardown and --wait-job the filesystem is deleted after the job ends.
Stages can be selected with --stages; outputs of stages run earlier in the same
session are read from the ledger.`,
	Run:          runRunCmd,
	SilenceUsage: true,
}

func runRunCmd(cmd *cobra.Command, args []string) {
	logging.Info("Executing trainrun run command...")

	stages, err := run.ParseStages(stageList)
	if err != nil {
		logging.Fatal("%v", err)
	}
	if teardownAfter && !slices.Contains(stages, run.StageTeardown) {
		stages = append(stages, run.StageTeardown)
	}
	submits := slices.Contains(stages, run.StageJob) && outputSpec == ""
	if slices.Contains(stages, run.StageTeardown) && submits && !waitJob {
		logging.Fatal("Tearing down the filesystem while the job trains on it would fail the job. Add --wait-job.")
	}
	if waitJob && !submits {
		logging.Fatal("--wait-job requires the job stage.")
	}

	cfg := loadConfig()
	if builderName != "" {
		cfg.Image.Builder = builderName
	}
	if platform != "" {
		cfg.Image.Platform = platform
	}
	if jobPollSeconds > 0 {
		cfg.Job.PollInterval = time.Duration(jobPollSeconds) * time.Second
	}
	if waitJob {
		cfg.Job.Wait = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	r := newRunner(ctx, cfg, true)
	defer r.Ledger.Close()
	r.NoWait = noWait
	r.OutputSpec = outputSpec

	// The job has to finish before teardown, so teardown runs last on its own.
	before := slices.DeleteFunc(slices.Clone(stages), func(s run.Stage) bool { return s == run.StageTeardown })
	if err := r.Execute(ctx, before); err != nil {
		logging.Fatal("trainrun run failed: %v", err)
	}

	var jobErr error
	if sub := r.Outputs.Job; sub != nil && cfg.Job.Wait {
		o, ok := r.Orchestrator.(*sagemaker.SageMakerOrchestrator)
		if !ok {
			logging.Fatal("Waiting is not supported by this orchestrator.")
		}
		_, jobErr = o.Wait(ctx, sub.JobName, cfg.Job.PollInterval)
	}

	if slices.Contains(stages, run.StageTeardown) {
		if jobErr != nil {
			logging.Error("%v", jobErr)
			logging.Info("Tearing down the filesystem after the failed job.")
		}
		if err := r.Execute(ctx, []run.Stage{run.StageTeardown}); err != nil {
			logging.Fatal("trainrun run failed: %v", err)
		}
	}
	if jobErr != nil {
		logging.Fatal("trainrun run failed: %v", jobErr)
	}
	logging.Info("Session %s", r.Session.ID)
}
