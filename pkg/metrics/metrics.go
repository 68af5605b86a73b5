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

// Package metrics holds the metric definitions SageMaker uses to scrape
// training logs, and a local extractor that applies the same patterns.
package metrics

import (
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// Definition names a metric and the pattern that captures its value from a
// single log line. The pattern must contain exactly one capturing group.
type Definition struct {
	Name  string `koanf:"name" json:"name"`
	Regex string `koanf:"regex" json:"regex"`
}

// Validate checks that the definition has a name and that its pattern
// compiles with exactly one capturing group.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.Errorf("metric definition with pattern %q has no name", d.Regex)
	}
	re, err := regexp.Compile(d.Regex)
	if err != nil {
		return errors.Wrapf(err, "metric %q has an invalid pattern", d.Name)
	}
	if n := re.NumSubexp(); n != 1 {
		return errors.Errorf("metric %q pattern %q must have exactly one capturing group, found %d", d.Name, d.Regex, n)
	}
	return nil
}

// ValidateAll validates every definition and rejects duplicate names.
func ValidateAll(defs []Definition) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return errors.Errorf("metric %q is defined more than once", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// DefaultDefinitions match the Mask R-CNN trainer's progress lines, e.g.
//
//	iter: 20  loss: 2.1055 (2.7040)  loss_classifier: 0.8110 (1.0950) ... lr: 0.004000
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "iteration", Regex: `iter: ([0-9]+)`},
		{Name: "loss", Regex: `\sloss: ([0-9.]+)`},
		{Name: "loss_classifier", Regex: `loss_classifier: ([0-9.]+)`},
		{Name: "loss_box_reg", Regex: `loss_box_reg: ([0-9.]+)`},
		{Name: "loss_mask", Regex: `loss_mask: ([0-9.]+)`},
		{Name: "loss_objectness", Regex: `loss_objectness: ([0-9.]+)`},
		{Name: "loss_rpn_box_reg", Regex: `loss_rpn_box_reg: ([0-9.]+)`},
		{Name: "iteration_time", Regex: `\stime: ([0-9.]+)`},
		{Name: "learning_rate", Regex: `lr: ([0-9.]+)`},
		{Name: "bbox_mAP", Regex: `bbox mAP: ([0-9.]+)`},
		{Name: "segm_mAP", Regex: `segm mAP: ([0-9.]+)`},
	}
}

// Sample is one value scraped from a log line.
type Sample struct {
	Name  string
	Value float64
}

type compiled struct {
	name string
	re   *regexp.Regexp
}

// Extractor applies a set of definitions to log lines.
type Extractor struct {
	defs []compiled
}

// NewExtractor compiles defs after validating them.
func NewExtractor(defs []Definition) (*Extractor, error) {
	if err := ValidateAll(defs); err != nil {
		return nil, err
	}
	e := &Extractor{defs: make([]compiled, 0, len(defs))}
	for _, d := range defs {
		e.defs = append(e.defs, compiled{name: d.Name, re: regexp.MustCompile(d.Regex)})
	}
	return e, nil
}

// Extract returns the samples found in line, in definition order. Captures
// that do not parse as a number are skipped, as SageMaker does.
func (e *Extractor) Extract(line string) []Sample {
	var samples []Sample
	for _, d := range e.defs {
		m := d.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		samples = append(samples, Sample{Name: d.name, Value: v})
	}
	return samples
}
