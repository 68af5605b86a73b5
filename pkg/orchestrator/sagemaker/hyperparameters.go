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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Framework hyperparameters read by the training toolkit inside the container.
const (
	HPProgram            = "sagemaker_program"
	HPSubmitDirectory    = "sagemaker_submit_directory"
	HPRegion             = "sagemaker_region"
	HPJobName            = "sagemaker_job_name"
	HPContainerLogLevel  = "sagemaker_container_log_level"
	HPInstanceType       = "sagemaker_instance_type"
	HPDataParallel       = "sagemaker_distributed_dataparallel_enabled"
	HPDataParallelMPIOpt = "sagemaker_distributed_dataparallel_custom_mpi_options"
)

// EncodeHyperparameters JSON-encodes every value. The training toolkit
// decodes each value with a JSON parser, so strings keep their quotes.
func EncodeHyperparameters(hp map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(hp))
	for k, v := range hp {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode hyperparameter %s: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

// DecodeHyperparameters reverses EncodeHyperparameters. Integral numbers
// decode to int, other numbers to float64. Values that are not valid JSON are
// kept as plain strings.
func DecodeHyperparameters(hp map[string]string) map[string]any {
	out := make(map[string]any, len(hp))
	for k, raw := range hp {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()

		var v any
		if err := dec.Decode(&v); err != nil {
			out[k] = raw
			continue
		}
		if n, ok := v.(json.Number); ok {
			if i, err := strconv.Atoi(n.String()); err == nil {
				v = i
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		out[k] = v
	}
	return out
}
