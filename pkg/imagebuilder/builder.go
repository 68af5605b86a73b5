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

// Package imagebuilder builds the training image on top of the regional vendor
// base image and publishes it to ECR.
package imagebuilder

import (
	"context"
	"fmt"
)

const (
	BuilderDocker = "docker"
	BuilderCrane  = "crane"
)

// BuildRequest describes one image build.
type BuildRequest struct {
	Account    string
	Region     string
	Repository string
	Tag        string
	Platform   string
	// ContextDir is copied into the build context (docker) or appended as a
	// layer (crane). Optional for docker builds.
	ContextDir string
	Dockerfile DockerfileOptions
}

// Reference returns the registry reference the image is pushed to.
func (r BuildRequest) Reference() string {
	return ImageReference(r.Account, r.Region, r.Repository, r.Tag)
}

func (r BuildRequest) validate() error {
	if r.Account == "" || r.Region == "" {
		return fmt.Errorf("account and region are required to build an image")
	}
	if r.Repository == "" || r.Tag == "" {
		return fmt.Errorf("image name and tag are required")
	}
	return nil
}

// Builder builds and pushes an image, returning its registry reference.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (string, error)
}

// New returns the builder registered under name.
func New(name string, registry *Registry) (Builder, error) {
	switch name {
	case BuilderDocker, "":
		return NewDockerBuilder(registry), nil
	case BuilderCrane:
		return NewCraneBuilder(registry), nil
	default:
		return nil, fmt.Errorf("unknown image builder %q, expected %q or %q", name, BuilderDocker, BuilderCrane)
	}
}
