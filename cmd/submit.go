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
	"fmt"
	"os"

	"trainrun/pkg/logging"
	"trainrun/pkg/metrics"
	"trainrun/pkg/orchestrator/sagemaker"
	"trainrun/pkg/run"

	"github.com/spf13/cobra"
)

var (
	submitFilesystemID string
	submitLogs         bool
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&outputSpec, "output-spec", "o", "", "Path to output the training job request instead of submitting it.")
	submitCmd.Flags().BoolVar(&waitJob, "wait", false, "Wait for the training job to finish.")
	submitCmd.Flags().BoolVar(&submitLogs, "logs", false, "Stream the job's logs while waiting. Implies --wait.")
	submitCmd.Flags().StringVar(&submitFilesystemID, "filesystem-id", "", "Filesystem recorded in this session to train from. Defaults to the latest one.")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submits the training job against the session's filesystem.",
	Long: `Packages and uploads the training source, then submits the data-parallel
training job. The image, filesystem and pretrained weights are the ones recorded
in the current session. A filesystem that was not provisioned in this session
is rejected.`,
	Args:         cobra.NoArgs,
	Run:          runSubmitCmd,
	SilenceUsage: true,
}

func runSubmitCmd(cmd *cobra.Command, args []string) {
	if (waitJob || submitLogs) && outputSpec != "" {
		logging.Fatal("--wait and --logs cannot be combined with --output-spec.")
	}

	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()

	r := newRunner(ctx, cfg, false)
	r.OutputSpec = outputSpec
	if submitFilesystemID != "" {
		r.FilesystemID = submitFilesystemID
	}
	executeStages(ctx, r, run.StageIdentity, run.StageJob)

	sub := r.Outputs.Job
	if sub == nil {
		return
	}
	fmt.Println(sub.JobName)
	if !waitJob && !submitLogs {
		return
	}

	o, ok := r.Orchestrator.(*sagemaker.SageMakerOrchestrator)
	if !ok {
		logging.Fatal("Waiting is not supported by this orchestrator.")
	}
	if submitLogs {
		extractor, err := metrics.NewExtractor(cfg.Job.MetricDefinitions)
		if err != nil {
			logging.Fatal("%v", err)
		}
		opts := sagemaker.LogOptions{Follow: true, Interval: cfg.Job.PollInterval, Extractor: extractor}
		if err := o.StreamLogs(ctx, sub.JobName, os.Stdout, opts); err != nil {
			logging.Fatal("%v", err)
		}
	}
	st, err := o.Wait(ctx, sub.JobName, cfg.Job.PollInterval)
	if err != nil {
		logging.Fatal("%v", err)
	}
	logging.Info("Training job %s %s", st.Name, st.Status)
}
