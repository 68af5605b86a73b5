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
	"text/tabwriter"

	"trainrun/pkg/logging"
	"trainrun/pkg/metrics"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.AddCommand(metricsCheckCmd, metricsListCmd)
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Works with the metric definitions scraped from training logs.",
}

var metricsCheckCmd = &cobra.Command{
	Use:   "check <logfile>",
	Short: "Applies the metric definitions to a local log file.",
	Long: `Validates the configured metric definitions and applies them to every line
of a local training log, printing how often each metric matched and its last,
minimum and maximum value. Use it to try patterns before submitting a job.`,
	Args:         cobra.ExactArgs(1),
	Run:          runMetricsCheckCmd,
	SilenceUsage: true,
}

var metricsListCmd = &cobra.Command{
	Use:          "list",
	Short:        "Prints the configured metric definitions.",
	Args:         cobra.NoArgs,
	Run:          runMetricsListCmd,
	SilenceUsage: true,
}

func runMetricsCheckCmd(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	extractor, err := metrics.NewExtractor(cfg.Job.MetricDefinitions)
	if err != nil {
		logging.Fatal("Invalid metric definitions: %v", err)
	}

	f, err := os.Open(args[0])
	if err != nil {
		logging.Fatal("Failed to open %s: %v", args[0], err)
	}
	defer f.Close()

	summaries, err := extractor.Summarize(f)
	if err != nil {
		logging.Fatal("%v", err)
	}

	missing := color.New(color.FgYellow).SprintFunc()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tMATCHES\tLAST\tMIN\tMAX")
	for _, s := range summaries {
		if s.Count == 0 {
			fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", s.Name, missing("0"))
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%g\t%g\t%g\n", s.Name, s.Count, s.Last, s.Min, s.Max)
	}
	w.Flush()
}

func runMetricsListCmd(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if err := metrics.ValidateAll(cfg.Job.MetricDefinitions); err != nil {
		logging.Fatal("Invalid metric definitions: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tPATTERN")
	for _, d := range cfg.Job.MetricDefinitions {
		fmt.Fprintf(w, "%s\t%s\n", d.Name, d.Regex)
	}
	w.Flush()
}
