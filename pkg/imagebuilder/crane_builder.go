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

package imagebuilder

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"trainrun/pkg/logging"
	"trainrun/pkg/source"

	"github.com/google/go-containerregistry/pkg/compression"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/sirupsen/logrus"
)

// DockerPlatform represents the target platform for a Docker image.
type DockerPlatform string

const (
	LinuxAMD64 DockerPlatform = "linux/amd64"
	LinuxARM64 DockerPlatform = "linux/arm64"
)

// craneIgnorePatterns keep build metadata out of the appended layer.
var craneIgnorePatterns = []string{".git", "Dockerfile", ".dockerignore"}

// CraneBuilder appends the context directory as a layer on the base image
// without a docker daemon. It cannot run package installs, so the base image
// must already carry them.
type CraneBuilder struct {
	registry *Registry
}

// NewCraneBuilder returns a daemonless builder.
func NewCraneBuilder(registry *Registry) *CraneBuilder {
	return &CraneBuilder{registry: registry}
}

// Build implements Builder.
func (b *CraneBuilder) Build(ctx context.Context, req BuildRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if req.ContextDir == "" {
		return "", fmt.Errorf("crane builds need a context directory")
	}
	platform, err := parsePlatform(req.Platform)
	if err != nil {
		return "", err
	}

	imageName := req.Reference()
	baseDockerImage := BaseImage(req.Dockerfile.BaseTemplate, req.Region)

	logrus.Infof("Starting image build process for %s", imageName)
	logrus.Infof("Base Docker Image: %s", baseDockerImage)
	logrus.Infof("Context Directory: %s", req.ContextDir)
	logrus.Infof("Target Platform: %s/%s", platform.OS, platform.Architecture)
	if n := len(req.Dockerfile.Packages); n > 0 || req.Dockerfile.Extension.Repo != "" {
		logging.Warn("The crane builder does not install packages; %d packages and the extension are expected in the base image", n)
	}

	// 1. Create a tarball from the context directory, applying ignore patterns.
	ignoreMatcher, err := source.ReadIgnorePatterns(req.ContextDir, ".dockerignore", craneIgnorePatterns)
	if err != nil {
		return "", err
	}
	tempTarballPath, err := source.Package(req.ContextDir, ignoreMatcher, "")
	if err != nil {
		return "", fmt.Errorf("failed to create filtered tarball: %w", err)
	}
	defer func() {
		os.Remove(tempTarballPath)
		logrus.Debugf("Cleaned up temporary tarball file: %s", tempTarballPath)
	}()

	// 2. Create a v1.Layer from the tarball.
	tarLayer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		file, openErr := os.Open(tempTarballPath)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open temporary tarball %q: %w", tempTarballPath, openErr)
		}
		return file, nil
	}, tarball.WithCompression(compression.GZip))
	if err != nil {
		return "", fmt.Errorf("failed to create layer from tarball: %w", err)
	}

	opts := []crane.Option{
		crane.WithContext(ctx),
		crane.WithPlatform(&platform),
		crane.WithAuthFromKeychain(b.registry.Keychain()),
	}

	// 3. Pull the base image.
	baseRef, err := name.ParseReference(baseDockerImage)
	if err != nil {
		return "", fmt.Errorf("failed to parse base image reference %q: %w", baseDockerImage, err)
	}
	baseImg, err := crane.Pull(baseRef.String(), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to pull base image %q: %w", baseDockerImage, err)
	}

	// 4. Append the new layer to the base image.
	newImg, err := mutate.AppendLayers(baseImg, tarLayer)
	if err != nil {
		return "", fmt.Errorf("failed to append layer: %w", err)
	}

	// 5. Push the new image.
	imageRef, err := name.ParseReference(imageName)
	if err != nil {
		return "", fmt.Errorf("failed to parse new image reference %q: %w", imageName, err)
	}
	if err := b.registry.EnsureRepository(ctx, req.Repository); err != nil {
		return "", err
	}

	logrus.Infof("Uploading Container Image to %s", imageName)
	if err := crane.Push(newImg, imageRef.String(), opts...); err != nil {
		return "", fmt.Errorf("failed to push image %q: %w", imageName, err)
	}

	logrus.Infof("Image %s built and uploaded successfully.", imageName)
	return imageName, nil
}

// parsePlatform converts a platform string (e.g., "linux/amd64") into a v1.Platform struct.
func parsePlatform(platformStr string) (v1.Platform, error) {
	if platformStr == "" {
		platformStr = string(LinuxAMD64)
	}
	parts := strings.Split(platformStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return v1.Platform{}, fmt.Errorf("invalid platform format: %q, expected \"os/arch\"", platformStr)
	}
	return v1.Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}, nil
}
