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

	"trainrun/pkg/run"

	"github.com/spf13/cobra"
)

var (
	buildImage   string
	buildTag     string
	buildContext string
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVar(&builderName, "builder", "", "Image builder to use, 'docker' or 'crane'. Overrides image.builder.")
	buildCmd.Flags().StringVarP(&platform, "platform", "f", "", "Target platform for the image build (e.g., 'linux/amd64').")
	buildCmd.Flags().StringVarP(&buildImage, "image", "i", "", "Repository name of the image. Overrides image.name.")
	buildCmd.Flags().StringVarP(&buildTag, "tag", "t", "", "Image tag. Overrides image.tag.")
	buildCmd.Flags().StringVar(&buildContext, "build-context", "", "Directory copied into the build context. Overrides image.context.")
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Builds the training image and pushes it to ECR.",
	Long: `Builds the training image on top of the regional base training image,
installing the configured packages and the pinned extension library, and pushes
it to <account>.dkr.ecr.<region>.amazonaws.com/<image>:<tag>, creating the
repository if needed. The pushed reference is printed on stdout.`,
	Args:         cobra.NoArgs,
	Run:          runBuildCmd,
	SilenceUsage: true,
}

func runBuildCmd(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if builderName != "" {
		cfg.Image.Builder = builderName
	}
	if platform != "" {
		cfg.Image.Platform = platform
	}
	if buildImage != "" {
		cfg.Image.Name = buildImage
	}
	if buildTag != "" {
		cfg.Image.Tag = buildTag
	}
	if buildContext != "" {
		cfg.Image.Context = buildContext
	}
	cfg.Image.URI = ""

	ctx, cancel := signalContext()
	defer cancel()

	r := newRunner(ctx, cfg, false)
	executeStages(ctx, r, run.StageIdentity, run.StageImage)
	fmt.Println(r.Outputs.Image)
}
