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
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in      string
		want    v1.Platform
		wantErr bool
	}{
		{in: "linux/amd64", want: v1.Platform{OS: "linux", Architecture: "amd64"}},
		{in: "linux/arm64", want: v1.Platform{OS: "linux", Architecture: "arm64"}},
		{in: "", want: v1.Platform{OS: "linux", Architecture: "amd64"}},
		{in: "linux", wantErr: true},
		{in: "linux/arm64/v8", wantErr: true},
		{in: "/amd64", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePlatform(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePlatform(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got.OS != tt.want.OS || got.Architecture != tt.want.Architecture {
				t.Errorf("parsePlatform(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCraneBuilderRequiresContext(t *testing.T) {
	b := NewCraneBuilder(NewRegistryWith(newFakeECR(), "us-west-2"))
	if _, err := b.Build(context.Background(), testRequest("")); err == nil {
		t.Error("crane Build accepted an empty context directory")
	}
}

func TestNewBuilder(t *testing.T) {
	reg := NewRegistryWith(newFakeECR(), "us-west-2")

	if b, err := New(BuilderDocker, reg); err != nil {
		t.Errorf("New(docker): %v", err)
	} else if _, ok := b.(*DockerBuilder); !ok {
		t.Errorf("New(docker) = %T", b)
	}
	if b, err := New(BuilderCrane, reg); err != nil {
		t.Errorf("New(crane): %v", err)
	} else if _, ok := b.(*CraneBuilder); !ok {
		t.Errorf("New(crane) = %T", b)
	}
	if _, err := New("kaniko", reg); err == nil {
		t.Error("New accepted an unknown builder")
	}
}
