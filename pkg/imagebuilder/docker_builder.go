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
	"path/filepath"

	"trainrun/pkg/logging"
	"trainrun/pkg/shell"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// DockerBuilder builds with the local docker CLI, which can run the package
// installs of the Dockerfile.
type DockerBuilder struct {
	registry *Registry
	binary   string
	output   io.Writer
	run      func(*shell.Command) shell.CommandResult
}

// NewDockerBuilder returns a builder using the docker binary on PATH.
func NewDockerBuilder(registry *Registry) *DockerBuilder {
	return &DockerBuilder{
		registry: registry,
		binary:   "docker",
		output:   os.Stderr,
		run:      (*shell.Command).Execute,
	}
}

// Build implements Builder.
func (b *DockerBuilder) Build(ctx context.Context, req BuildRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	imageName := req.Reference()
	base := BaseImage(req.Dockerfile.BaseTemplate, req.Region)

	logrus.Infof("Starting image build process for %s", imageName)
	logrus.Infof("Base Docker Image: %s", base)

	buildDir, err := os.MkdirTemp("", "trainrun-build-context-")
	if err != nil {
		return "", fmt.Errorf("failed to create build context directory: %w", err)
	}
	defer func() {
		os.RemoveAll(buildDir)
		logrus.Debugf("Cleaned up build context: %s", buildDir)
	}()

	if err := b.prepareContext(req, buildDir); err != nil {
		return "", err
	}

	if err := b.registry.EnsureRepository(ctx, req.Repository); err != nil {
		return "", err
	}
	if err := b.login(ctx, imageName, base); err != nil {
		return "", err
	}

	args := []string{"build", "-t", imageName, "--build-arg", "region=" + req.Region, "-f", filepath.Join(buildDir, "Dockerfile")}
	if req.Platform != "" {
		args = append(args, "--platform", req.Platform)
	}
	args = append(args, buildDir)
	if err := b.docker(ctx, args...); err != nil {
		return "", fmt.Errorf("failed to build image %q: %w", imageName, err)
	}

	logging.Info("Uploading Container Image to %s", imageName)
	if err := b.docker(ctx, "push", imageName); err != nil {
		return "", fmt.Errorf("failed to push image %q: %w", imageName, err)
	}

	logging.Info("Image %s built and uploaded successfully.", imageName)
	return imageName, nil
}

// prepareContext copies the context directory into dir and renders the
// Dockerfile unless the context brings its own.
func (b *DockerBuilder) prepareContext(req BuildRequest, dir string) error {
	if req.ContextDir != "" {
		if _, err := os.Stat(req.ContextDir); err == nil {
			if err := copy.Copy(req.ContextDir, dir); err != nil {
				return fmt.Errorf("failed to copy build context %s: %w", req.ContextDir, err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat build context %s: %w", req.ContextDir, err)
		} else {
			logging.Warn("Build context %s does not exist, building from the Dockerfile alone", req.ContextDir)
		}
	}

	dockerfile := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(dockerfile); err == nil {
		logging.Info("Using Dockerfile from %s", req.ContextDir)
		return nil
	}

	content, err := RenderDockerfile(req.Dockerfile)
	if err != nil {
		return err
	}
	logging.Debug("Dockerfile content:\n%s", content)
	if err := os.WriteFile(dockerfile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return nil
}

// login authenticates docker against every ECR registry the build touches.
func (b *DockerBuilder) login(ctx context.Context, images ...string) error {
	seen := map[string]bool{}
	for _, image := range images {
		ref, err := name.ParseReference(image)
		if err != nil {
			return fmt.Errorf("failed to parse image reference %q: %w", image, err)
		}
		host := ref.Context().RegistryStr()
		if seen[host] || !IsECRHost(host, b.registry.Region()) {
			continue
		}
		seen[host] = true

		creds, err := b.registry.Credentials(ctx)
		if err != nil {
			return err
		}
		cmd := shell.NewCommand(b.binary, "login", "--username", creds.Username, "--password-stdin", host).
			WithContext(ctx).
			SetInput(creds.Password)
		if res := b.run(cmd); res.ExitCode != 0 {
			return fmt.Errorf("docker login to %s failed with exit code %d: %s", host, res.ExitCode, res.Stderr)
		}
		logging.Info("Logged in to %s", host)
	}
	return nil
}

func (b *DockerBuilder) docker(ctx context.Context, args ...string) error {
	cmd := shell.NewCommand(b.binary, args...).WithContext(ctx).SetStream(b.output)
	res := b.run(cmd)
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %s", cmd, res.ExitCode, res.Stderr)
	}
	return nil
}
