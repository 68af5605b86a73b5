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
	"os"

	"trainrun/pkg/logging"
	"trainrun/pkg/metrics"
	"trainrun/pkg/orchestrator/sagemaker"

	"github.com/spf13/cobra"
)

var (
	logsFollow  bool
	logsMetrics bool
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep streaming until the job stops.")
	logsCmd.Flags().BoolVar(&logsMetrics, "metrics", false, "Log the metric values found in each line.")
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-name>",
	Short: "Prints the CloudWatch logs of a training job.",
	Long: `Prints the log events of every instance of the training job, prefixed with
the instance's stream name. With --metrics, values matching the configured
metric definitions are logged as they are found.`,
	Args:         cobra.ExactArgs(1),
	Run:          runLogsCmd,
	SilenceUsage: true,
}

func runLogsCmd(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()

	opts := sagemaker.LogOptions{Follow: logsFollow, Interval: cfg.Job.PollInterval}
	if logsMetrics {
		extractor, err := metrics.NewExtractor(cfg.Job.MetricDefinitions)
		if err != nil {
			logging.Fatal("%v", err)
		}
		opts.Extractor = extractor
	}

	ident := resolveIdentity(ctx, cfg)
	o := sagemaker.NewSageMakerOrchestrator(ident.AWS)
	if err := o.StreamLogs(ctx, args[0], os.Stdout, opts); err != nil {
		logging.Fatal("%v", err)
	}
}
