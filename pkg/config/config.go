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

// Package config loads the runbook configuration: built-in defaults for the
// Mask R-CNN walkthrough, overlaid by an optional YAML file.
package config

import (
	"fmt"
	"path"
	"strings"
	"time"

	"trainrun/pkg/metrics"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Config is the full runbook configuration.
type Config struct {
	Region  string `koanf:"region"`
	Profile string `koanf:"profile"`
	Role    string `koanf:"role"`
	Bucket  string `koanf:"bucket"` // defaults to sagemaker-<region>-<account>
	Prefix  string `koanf:"prefix"`
	EnvFile string `koanf:"env_file"`
	Ledger  string `koanf:"ledger"`

	Storage    StorageConfig    `koanf:"storage"`
	Dataset    DatasetConfig    `koanf:"dataset"`
	Weights    WeightsConfig    `koanf:"weights"`
	Image      ImageConfig      `koanf:"image"`
	Filesystem FilesystemConfig `koanf:"filesystem"`
	Job        JobConfig        `koanf:"job"`
}

// StorageConfig selects an S3-compatible endpoint instead of AWS S3.
type StorageConfig struct {
	Endpoint  string `koanf:"endpoint"`
	UseSSL    bool   `koanf:"use_ssl"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
}

// DatasetConfig describes the public dataset archives to stage.
type DatasetConfig struct {
	Sources     []string `koanf:"sources"`
	Prefix      string   `koanf:"prefix"`
	Key         string   `koanf:"key"` // full key in the bucket, replaces prefix
	ScratchDir  string   `koanf:"scratch_dir"`
	KeepScratch bool     `koanf:"keep_scratch"`
}

// WeightsConfig describes the pretrained checkpoint.
type WeightsConfig struct {
	Source         string `koanf:"source"`
	Prefix         string `koanf:"prefix"`
	Key            string `koanf:"key"`            // full key in the bucket, replaces prefix
	Hyperparameter string `koanf:"hyperparameter"` // receives the checkpoint's S3 URI
}

// ImageConfig describes the training image build.
type ImageConfig struct {
	Name      string          `koanf:"name"`
	Tag       string          `koanf:"tag"`
	Base      string          `koanf:"base"` // may contain {region}
	Builder   string          `koanf:"builder"`
	Context   string          `koanf:"context"`
	Platform  string          `koanf:"platform"`
	Packages  []string        `koanf:"packages"`
	Extension ExtensionConfig `koanf:"extension"`
	URI       string          `koanf:"uri"` // skips the build when set
}

// ExtensionConfig is a library built from source at a pinned revision.
type ExtensionConfig struct {
	Repo    string `koanf:"repo"`
	Ref     string `koanf:"ref"`
	Install string `koanf:"install"`
}

// FilesystemConfig holds the FSx for Lustre creation parameters.
type FilesystemConfig struct {
	ID                         string            `koanf:"id"` // reuse instead of create
	StorageCapacity            int32             `koanf:"storage_capacity"`
	StorageType                string            `koanf:"storage_type"`
	DeploymentType             string            `koanf:"deployment_type"`
	PerUnitStorageThroughput   int32             `koanf:"per_unit_storage_throughput"`
	ImportedFileChunkSize      int32             `koanf:"imported_file_chunk_size"`
	AutoImportPolicy           string            `koanf:"auto_import_policy"`
	WeeklyMaintenanceStartTime string            `koanf:"weekly_maintenance_start_time"`
	Subnets                    []string          `koanf:"subnets"`
	SecurityGroups             []string          `koanf:"security_groups"`
	Tags                       map[string]string `koanf:"tags"`
	Wait                       bool              `koanf:"wait"`
	WaitTimeout                time.Duration     `koanf:"wait_timeout"`
	PollInterval               time.Duration     `koanf:"poll_interval"`
}

// JobConfig holds the training job parameters.
type JobConfig struct {
	BaseName          string               `koanf:"base_name"`
	EntryPoint        string               `koanf:"entry_point"`
	SourceDir         string               `koanf:"source_dir"`
	SourceRepo        string               `koanf:"source_repo"`
	SourceRef         string               `koanf:"source_ref"`
	InstanceType      string               `koanf:"instance_type"`
	InstanceCount     int32                `koanf:"instance_count"`
	VolumeSize        int32                `koanf:"volume_size"`
	MaxRuntime        time.Duration        `koanf:"max_runtime"`
	FrameworkVersion  string               `koanf:"framework_version"`
	PyVersion         string               `koanf:"py_version"`
	Hyperparameters   map[string]any       `koanf:"hyperparameters"`
	MetricDefinitions []metrics.Definition `koanf:"metric_definitions"`
	Channel           string               `koanf:"channel"`
	AccessMode        string               `koanf:"access_mode"`
	DebuggerHook      bool                 `koanf:"debugger_hook"`
	DataParallel      bool                 `koanf:"data_parallel"`
	CustomMPIOptions  string               `koanf:"custom_mpi_options"`
	ContainerLogLevel int                  `koanf:"container_log_level"`
	OutputPath        string               `koanf:"output_path"`
	Tags              map[string]string    `koanf:"tags"`
	Wait              bool                 `koanf:"wait"`
	PollInterval      time.Duration        `koanf:"poll_interval"`
}

// Defaults returns the flattened default configuration.
func Defaults() map[string]any {
	defs := make([]any, 0)
	for _, d := range metrics.DefaultDefinitions() {
		defs = append(defs, map[string]any{"name": d.Name, "regex": d.Regex})
	}
	return map[string]any{
		"prefix":   "mask-rcnn/smdataparallel",
		"env_file": ".env",

		"storage.use_ssl": true,

		"dataset.sources": []any{
			"http://images.cocodataset.org/zips/train2017.zip",
			"http://images.cocodataset.org/zips/val2017.zip",
			"http://images.cocodataset.org/annotations/annotations_trainval2017.zip",
		},
		"dataset.prefix": "input/train",

		"weights.source":         "https://dl.fbaipublicfiles.com/detectron/ImageNetPretrained/MSRA/R-50.pkl",
		"weights.prefix":         "pretrained-weights",
		"weights.hyperparameter": "spot_ckpt",

		"image.name":     "smdataparallel-mrcnn",
		"image.tag":      "pt1.6",
		"image.base":     "763104351884.dkr.ecr.{region}.amazonaws.com/pytorch-training:1.6.0-gpu-py36-cu110-ubuntu18.04",
		"image.builder":  "docker",
		"image.context":  "",
		"image.platform": "linux/amd64",
		"image.packages": []any{
			"ninja", "yacs", "cython", "matplotlib", "tqdm", "opencv-python", "pybind11==2.5.0", "pycocotools",
		},
		"image.extension.repo":    "https://github.com/NVIDIA/dllogger",
		"image.extension.ref":     "v1.0.0",
		"image.extension.install": "pip install --no-cache-dir .",

		"filesystem.storage_capacity":              1200,
		"filesystem.storage_type":                  "SSD",
		"filesystem.deployment_type":               "PERSISTENT_1",
		"filesystem.per_unit_storage_throughput":   200,
		"filesystem.imported_file_chunk_size":      1024,
		"filesystem.auto_import_policy":            "NEW_CHANGED",
		"filesystem.weekly_maintenance_start_time": "1:00:00",
		"filesystem.tags":                          map[string]any{"Name": "trainrun-fsx"},
		"filesystem.wait":                          true,
		"filesystem.wait_timeout":                  "45m",
		"filesystem.poll_interval":                 "30s",

		"job.base_name":         "smdataparallel-mrcnn",
		"job.entry_point":       "train_pytorch_smdataparallel_maskrcnn.py",
		"job.source_dir":        "source",
		"job.instance_type":     "ml.p3.16xlarge",
		"job.instance_count":    2,
		"job.volume_size":       30,
		"job.max_runtime":       "24h",
		"job.framework_version": "1.6.0",
		"job.py_version":        "py36",
		"job.hyperparameters": map[string]any{
			"config-file": "e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml",
			"skip-test":   "",
			"seed":        987,
			"dtype":       "float16",
		},
		"job.metric_definitions":  defs,
		"job.channel":             "train",
		"job.access_mode":         "ro",
		"job.debugger_hook":       false,
		"job.data_parallel":       true,
		"job.container_log_level": 20,
		"job.poll_interval":       "60s",
	}
}

// Load reads the defaults and overlays configPath when it is not empty.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the parts of the configuration that can be verified
// locally. Anything the platform validates (instance types, subnet ids) is
// left to the platform.
func (c *Config) Validate() error {
	if c.Image.URI == "" {
		if c.Image.Name == "" {
			return errors.New("image.name is required")
		}
		if c.Image.Tag == "" {
			return errors.New("image.tag is required")
		}
		if c.Image.Builder != "docker" && c.Image.Builder != "crane" {
			return errors.Errorf("image.builder must be \"docker\" or \"crane\", got %q", c.Image.Builder)
		}
	}

	if c.Filesystem.ID == "" && c.Filesystem.StorageCapacity <= 0 {
		return errors.New("filesystem.storage_capacity must be positive")
	}
	if c.Filesystem.Wait && c.Filesystem.PollInterval <= 0 {
		return errors.New("filesystem.poll_interval must be positive when filesystem.wait is enabled")
	}

	if c.Job.EntryPoint == "" {
		return errors.New("job.entry_point is required")
	}
	if c.Job.InstanceCount < 1 {
		return errors.Errorf("job.instance_count must be at least 1, got %d", c.Job.InstanceCount)
	}
	if c.Job.Channel == "" {
		return errors.New("job.channel is required")
	}
	if c.Job.AccessMode != "ro" && c.Job.AccessMode != "rw" {
		return errors.Errorf("job.access_mode must be \"ro\" or \"rw\", got %q", c.Job.AccessMode)
	}
	for k, v := range c.Job.Hyperparameters {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			return errors.Errorf("job.hyperparameters.%s must be a scalar, got %T", k, v)
		}
	}
	if err := metrics.ValidateAll(c.Job.MetricDefinitions); err != nil {
		return errors.Wrap(err, "job.metric_definitions")
	}
	return nil
}

// Key joins parts under the runbook prefix into an object key.
func (c *Config) Key(parts ...string) string {
	all := append([]string{c.Prefix}, parts...)
	return strings.TrimPrefix(path.Join(all...), "/")
}
