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
	"context"
	"fmt"
	"time"

	"trainrun/pkg/filesystem"
	"trainrun/pkg/logging"
	"trainrun/pkg/run"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

func init() {
	rootCmd.AddCommand(filesystemCmd)
	filesystemCmd.AddCommand(fsCreateCmd, fsWaitCmd, fsDescribeCmd, fsDeleteCmd)

	fsCreateCmd.Flags().BoolVar(&noWait, "no-wait", false, "Return as soon as the filesystem is requested.")
}

var filesystemCmd = &cobra.Command{
	Use:     "filesystem",
	Aliases: []string{"fs"},
	Short:   "Manages the FSx for Lustre filesystem backing the training input.",
}

var fsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Creates the filesystem, importing the runbook prefix from S3.",
	Long: `Creates an FSx for Lustre filesystem that imports s3://<bucket>/<prefix> and
keeps importing new and changed objects. Waits until the filesystem is available
unless --no-wait is given. The filesystem id is printed on stdout.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx, cancel := signalContext()
		defer cancel()

		r := newRunner(ctx, cfg, false)
		r.NoWait = noWait
		executeStages(ctx, r, run.StageIdentity, run.StageFilesystem)
		fmt.Println(r.Outputs.Filesystem.ID)
	},
	SilenceUsage: true,
}

var fsWaitCmd = &cobra.Command{
	Use:   "wait <filesystem-id>",
	Short: "Waits until the filesystem is available.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withProvisioner(func(ctx context.Context, p *filesystem.Provisioner, cfg filesystemSettings) {
			if cfg.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
				defer cancel()
			}
			d, err := p.WaitAvailable(ctx, args[0], cfg.interval)
			if err != nil {
				logging.Fatal("%v", err)
			}
			printDescriptor(d)
		})
	},
	SilenceUsage: true,
}

var fsDescribeCmd = &cobra.Command{
	Use:   "describe <filesystem-id>",
	Short: "Prints the filesystem's current state.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withProvisioner(func(ctx context.Context, p *filesystem.Provisioner, _ filesystemSettings) {
			d, err := p.Describe(ctx, args[0])
			if err != nil {
				logging.Fatal("%v", err)
			}
			printDescriptor(d)
		})
	},
	SilenceUsage: true,
}

var fsDeleteCmd = &cobra.Command{
	Use:   "delete <filesystem-id>",
	Short: "Deletes a filesystem. Deleting a missing filesystem succeeds.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withProvisioner(func(ctx context.Context, p *filesystem.Provisioner, _ filesystemSettings) {
			deleted, err := p.Delete(ctx, args[0])
			if err != nil {
				logging.Fatal("%v", err)
			}
			if !deleted {
				logging.Info("Filesystem %s does not exist, nothing to delete.", args[0])
			}
		})
	},
	SilenceUsage: true,
}

type filesystemSettings struct {
	interval, timeout time.Duration
}

func withProvisioner(fn func(context.Context, *filesystem.Provisioner, filesystemSettings)) {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()

	ident := resolveIdentity(ctx, cfg)
	fn(ctx, filesystem.NewProvisioner(ident.AWS), filesystemSettings{
		interval: cfg.Filesystem.PollInterval,
		timeout:  cfg.Filesystem.WaitTimeout,
	})
}

func printDescriptor(d *filesystem.Descriptor) {
	out, err := yaml.Marshal(d)
	if err != nil {
		logging.Fatal("Failed to render filesystem %s: %v", d.ID, err)
	}
	fmt.Print(string(out))
}
