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

	"trainrun/pkg/logging"
	"trainrun/pkg/run"

	"github.com/spf13/cobra"
)

var (
	stageBucket      string
	stagePrefix      string
	stageKeepScratch bool
)

func init() {
	rootCmd.AddCommand(stageCmd)
	stageCmd.AddCommand(stageDatasetCmd, stageWeightsCmd)

	stageCmd.PersistentFlags().StringVar(&stageBucket, "bucket", "", "Destination bucket. Defaults to sagemaker-<region>-<account>.")
	stageCmd.PersistentFlags().StringVar(&stagePrefix, "prefix", "", "Destination key inside the bucket, used as is. Overrides dataset.key or weights.key.")
	stageDatasetCmd.Flags().BoolVar(&stageKeepScratch, "keep-scratch", false, "Keep the unpacked archives after uploading.")
}

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Stages training inputs into S3.",
}

var stageDatasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Downloads, unpacks and uploads the dataset archives.",
	Long: `Downloads every dataset source, unpacks the archives and uploads the result
to s3://<bucket>/<prefix> when --prefix is given, or below the runbook prefix
otherwise. A failing download or upload stops the command with a non-zero exit
code.`,
	Args:         cobra.NoArgs,
	Run:          runStageCmd(run.StageDataset),
	SilenceUsage: true,
}

var stageWeightsCmd = &cobra.Command{
	Use:          "weights",
	Short:        "Downloads the pretrained checkpoint and uploads it to S3.",
	Args:         cobra.NoArgs,
	Run:          runStageCmd(run.StageWeights),
	SilenceUsage: true,
}

func runStageCmd(stage run.Stage) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if stageBucket != "" {
			cfg.Bucket = stageBucket
		}
		if stagePrefix != "" {
			switch stage {
			case run.StageDataset:
				cfg.Dataset.Key = stagePrefix
			case run.StageWeights:
				cfg.Weights.Key = stagePrefix
			}
		}
		if stageKeepScratch {
			cfg.Dataset.KeepScratch = true
		}

		ctx, cancel := signalContext()
		defer cancel()

		r := newRunner(ctx, cfg, false)
		executeStages(ctx, r, run.StageIdentity, stage)

		switch stage {
		case run.StageDataset:
			fmt.Println(r.Outputs.Dataset)
		case run.StageWeights:
			fmt.Println(r.Outputs.Weights)
		}
		logging.Info("Session %s", r.Session.ID)
	}
}
