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
	"trainrun/pkg/filesystem"
	"trainrun/pkg/logging"
	"trainrun/pkg/run"

	"github.com/spf13/cobra"
)

var teardownFilesystemID string

func init() {
	rootCmd.AddCommand(teardownCmd)

	teardownCmd.Flags().StringVar(&teardownFilesystemID, "filesystem-id", "", "Filesystem recorded in this session to delete. Defaults to the latest one.")
}

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Deletes the filesystem provisioned in the session.",
	Long: `Deletes the FSx for Lustre filesystem recorded in the session. Objects in S3,
the image and the training job are left in place. Tearing down a filesystem
that is already deleted does nothing.`,
	Args:         cobra.NoArgs,
	Run:          runTeardownCmd,
	SilenceUsage: true,
}

func runTeardownCmd(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()

	r := newRunner(ctx, cfg, false)
	if r.Session == nil {
		logging.Info("No session recorded, nothing to tear down.")
		return
	}
	r.Outputs.Filesystem = usedFilesystem(teardownFilesystemID)
	executeStages(ctx, r, run.StageTeardown)
}

// usedFilesystem is the filesystem a teardown should target.
func usedFilesystem(id string) *filesystem.Descriptor {
	if id == "" {
		return nil
	}
	return &filesystem.Descriptor{ID: id}
}
