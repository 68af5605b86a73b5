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

package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
)

// Summary aggregates the samples of one metric over a log.
type Summary struct {
	Name  string
	Count int
	Last  float64
	Min   float64
	Max   float64
}

// Summarize extracts samples from every line of r and aggregates them per
// definition, in definition order. Metrics that never matched have a zero
// Count.
func (e *Extractor) Summarize(r io.Reader) ([]Summary, error) {
	out := make([]Summary, len(e.defs))
	index := make(map[string]int, len(e.defs))
	for i, d := range e.defs {
		out[i] = Summary{Name: d.name, Min: math.Inf(1), Max: math.Inf(-1)}
		index[d.name] = i
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, s := range e.Extract(scanner.Text()) {
			sum := &out[index[s.Name]]
			sum.Count++
			sum.Last = s.Value
			sum.Min = math.Min(sum.Min, s.Value)
			sum.Max = math.Max(sum.Max, s.Value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}

	for i := range out {
		if out[i].Count == 0 {
			out[i].Min, out[i].Max = 0, 0
		}
	}
	return out, nil
}
