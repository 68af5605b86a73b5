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

package sagemaker

import (
	"encoding/json"
	"fmt"

	"trainrun/pkg/orchestrator"

	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"sigs.k8s.io/yaml"
)

// RenderSpec renders the request as YAML with unset fields removed, for
// review before submission.
func RenderSpec(in *sagemaker.CreateTrainingJobInput) ([]byte, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal training job spec: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal training job spec: %w", err)
	}

	out, err := yaml.Marshal(prune(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to render training job spec: %w", err)
	}
	return out, nil
}

// RenderJob renders the request SubmitJob would send for job.
func (o *SageMakerOrchestrator) RenderJob(job orchestrator.JobDefinition) ([]byte, error) {
	in, err := o.Prepare(job)
	if err != nil {
		return nil, err
	}
	return RenderSpec(in)
}

// prune drops nulls and empty collections.
func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := map[string]any{}
		for k, val := range t {
			if p := prune(val); p != nil {
				out[k] = p
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if p := prune(val); p != nil {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return v
	}
}
