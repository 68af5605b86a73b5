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

package run

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/pkg/errors"
)

// Stage is one step of the runbook.
type Stage string

const (
	StageIdentity   Stage = "identity"
	StageDataset    Stage = "dataset"
	StageImage      Stage = "image"
	StageFilesystem Stage = "filesystem"
	StageWeights    Stage = "weights"
	StageJob        Stage = "job"
	StageTeardown   Stage = "teardown"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageIdentity, StageDataset, StageImage, StageFilesystem, StageWeights, StageJob, StageTeardown}

// DefaultStages is what a full run executes. Teardown is opt-in because the
// job reads from the filesystem while it trains.
var DefaultStages = []Stage{StageIdentity, StageDataset, StageImage, StageFilesystem, StageWeights, StageJob}

func (s Stage) order() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return len(Stages)
}

// ParseStages parses a comma separated stage list. An empty list or "all"
// selects DefaultStages. The identity stage is always included. The result
// is deduplicated and sorted into execution order.
func ParseStages(list string) ([]Stage, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "all" {
		return append([]Stage(nil), DefaultStages...), nil
	}

	seen := map[Stage]bool{StageIdentity: true}
	for _, raw := range strings.Split(list, ",") {
		name := Stage(strings.ToLower(strings.TrimSpace(raw)))
		if name == "" {
			continue
		}
		if name.order() == len(Stages) {
			return nil, unknownStage(string(name))
		}
		seen[name] = true
	}

	out := make([]Stage, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order() < out[j].order() })
	return out, nil
}

func unknownStage(name string) error {
	best, bestDist := "", 3
	for _, s := range Stages {
		if d := levenshtein.Distance(name, string(s), nil); d < bestDist {
			best, bestDist = string(s), d
		}
	}
	if best != "" {
		return errors.Errorf("unknown stage %q, did you mean %q?", name, best)
	}
	return errors.Errorf("unknown stage %q, valid stages are %s", name, joinStages(Stages))
}

func joinStages(stages []Stage) string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
