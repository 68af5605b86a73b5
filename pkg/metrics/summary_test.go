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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSummarize(t *testing.T) {
	e, err := NewExtractor([]Definition{
		{Name: "loss", Regex: `\sloss: ([0-9.]+)`},
		{Name: "bbox_mAP", Regex: `bbox mAP: ([0-9.]+)`},
	})
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}

	log := strings.Join([]string{
		"iter: 20  loss: 2.1055 (2.7040)",
		"iter: 40  loss: 1.5000 (2.1000)",
		"iter: 60  loss: 1.7500 (2.0000)",
		"evaluating",
	}, "\n")

	got, err := e.Summarize(strings.NewReader(log))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	want := []Summary{
		{Name: "loss", Count: 3, Last: 1.75, Min: 1.5, Max: 2.1055},
		{Name: "bbox_mAP"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summarize() mismatch (-want +got):\n%s", diff)
	}
}
