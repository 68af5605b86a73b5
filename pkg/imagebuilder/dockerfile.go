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
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DockerfileTemplate is the Go template for the training image Dockerfile.
// The base image is kept parameterized by the region build argument.
const DockerfileTemplate = `ARG region
FROM {{.Base}}

{{- if .Packages}}

RUN pip install --no-cache-dir {{join .Packages " "}}
{{- end}}
{{- with .Extension}}{{if .Repo}}

RUN cd /tmp && \
    git clone {{.Repo}} {{.Dir}} && \
    cd {{.Dir}} && \
    git checkout {{.Ref}} && \
    {{.Install}} && \
    cd /tmp && rm -rf {{.Dir}}
{{- end}}{{end}}
`

// Extension is a library built from source at a pinned ref.
type Extension struct {
	Repo    string
	Ref     string
	Install string
}

// Dir is the checkout directory name, derived from the repository URL.
func (e Extension) Dir() string {
	base := e.Repo[strings.LastIndex(e.Repo, "/")+1:]
	return strings.TrimSuffix(base, ".git")
}

// DockerfileOptions holds the inputs of RenderDockerfile.
type DockerfileOptions struct {
	BaseTemplate string // base image, {region} becomes ${region}
	Packages     []string
	Extension    Extension
}

// RenderDockerfile generates the Dockerfile content.
func RenderDockerfile(opts DockerfileOptions) (string, error) {
	if opts.BaseTemplate == "" {
		return "", fmt.Errorf("base image cannot be empty")
	}
	if opts.Extension.Repo != "" && (opts.Extension.Ref == "" || opts.Extension.Install == "") {
		return "", fmt.Errorf("extension %s needs both a ref and an install command", opts.Extension.Repo)
	}

	tmpl, err := template.New("dockerfile").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(DockerfileTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse Dockerfile template: %w", err)
	}

	data := struct {
		Base      string
		Packages  []string
		Extension Extension
	}{
		Base:      BaseImage(opts.BaseTemplate, "${region}"),
		Packages:  opts.Packages,
		Extension: opts.Extension,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute Dockerfile template: %w", err)
	}
	return buf.String(), nil
}
