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

// Package run executes the runbook stages in order, threading each stage's
// output into the next and recording it in the session ledger.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trainrun/pkg/config"
	"trainrun/pkg/filesystem"
	"trainrun/pkg/imagebuilder"
	"trainrun/pkg/ledger"
	"trainrun/pkg/logging"
	"trainrun/pkg/orchestrator"
	"trainrun/pkg/orchestrator/sagemaker"
	"trainrun/pkg/session"
	"trainrun/pkg/source"
	"trainrun/pkg/staging"
	"trainrun/pkg/storage"

	"github.com/spf13/afero"
)

// Provisioner manages the training filesystem.
type Provisioner interface {
	Create(ctx context.Context, spec filesystem.Spec) (*filesystem.Descriptor, error)
	Describe(ctx context.Context, id string) (*filesystem.Descriptor, error)
	WaitAvailable(ctx context.Context, id string, interval time.Duration) (*filesystem.Descriptor, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SpecRenderer is implemented by orchestrators that can show the request
// they would send.
type SpecRenderer interface {
	RenderJob(job orchestrator.JobDefinition) ([]byte, error)
}

// Outputs are the values produced by the stages of this invocation.
type Outputs struct {
	Dataset    storage.URI
	Weights    storage.URI
	Image      string
	Source     storage.URI
	Filesystem *filesystem.Descriptor
	Job        *orchestrator.Submission
}

// Runner executes runbook stages for one identity.
type Runner struct {
	Config   *config.Config
	Identity *session.Identity

	Store        storage.ObjectStore
	Builder      imagebuilder.Builder
	Provisioner  Provisioner
	Orchestrator orchestrator.Orchestrator

	// Ledger is optional. Without it, stages only see the outputs of the
	// current invocation.
	Ledger  *ledger.Ledger
	Session *ledger.Session

	Fetcher staging.Fetcher
	Fs      afero.Fs

	// NoWait skips waiting for the filesystem to become available.
	NoWait bool
	// FilesystemID selects a filesystem recorded earlier in the session
	// for the job stage.
	FilesystemID string
	// OutputSpec writes the job request to this file instead of submitting.
	OutputSpec string

	Outputs Outputs

	now func() time.Time
}

// NewRunner wires the AWS-backed collaborators for ident.
func NewRunner(cfg *config.Config, ident *session.Identity) (*Runner, error) {
	store, err := storage.New(storage.Options{
		Endpoint:  cfg.Storage.Endpoint,
		UseSSL:    cfg.Storage.UseSSL,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		AWS:       ident.AWS,
	})
	if err != nil {
		return nil, err
	}

	builder, err := imagebuilder.New(cfg.Image.Builder, imagebuilder.NewRegistry(ident.AWS))
	if err != nil {
		return nil, err
	}

	return &Runner{
		Config:       cfg,
		Identity:     ident,
		Store:        store,
		Builder:      builder,
		Provisioner:  filesystem.NewProvisioner(ident.AWS),
		Orchestrator: sagemaker.NewSageMakerOrchestrator(ident.AWS),
	}, nil
}

// Bucket is the configured bucket or the account's default SageMaker bucket.
func (r *Runner) Bucket() string {
	if r.Config.Bucket != "" {
		return r.Config.Bucket
	}
	return session.DefaultBucket(r.Identity.Region, r.Identity.Account)
}

func (r *Runner) uri(parts ...string) storage.URI {
	return storage.URI{Bucket: r.Bucket(), Key: r.Config.Key(parts...)}
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Execute runs stages in execution order. The first failing stage stops the
// run.
func (r *Runner) Execute(ctx context.Context, stages []Stage) error {
	logging.Info("Starting trainrun workflow: %s", joinStages(stages))
	for _, stage := range stages {
		start := r.clock()
		var err error
		switch stage {
		case StageIdentity:
			err = r.ResolveSession()
		case StageDataset:
			_, err = r.StageDataset(ctx)
		case StageImage:
			_, err = r.BuildImage(ctx)
		case StageFilesystem:
			_, err = r.ProvisionFilesystem(ctx)
		case StageWeights:
			_, err = r.StageWeights(ctx)
		case StageJob:
			_, err = r.SubmitJob(ctx)
		case StageTeardown:
			_, err = r.Teardown(ctx)
		default:
			err = unknownStage(string(stage))
		}
		if err != nil {
			return fmt.Errorf("stage %s failed: %w", stage, err)
		}
		logging.Info("Stage %s completed in %s", stage, r.clock().Sub(start).Round(time.Second))
	}
	logging.Info("trainrun workflow completed.")
	return nil
}

// ResolveSession starts a ledger session when none was selected.
func (r *Runner) ResolveSession() error {
	logging.Info("Account %s, region %s, role %s, bucket %s", r.Identity.Account, r.Identity.Region, r.Identity.Role, r.Bucket())
	if r.Ledger == nil || r.Session != nil {
		return nil
	}
	s, err := r.Ledger.NewSession(r.Identity, r.Bucket())
	if err != nil {
		return err
	}
	r.Session = s
	return nil
}

// StageDataset uploads the unpacked dataset archives below the dataset prefix.
func (r *Runner) StageDataset(ctx context.Context) (storage.URI, error) {
	cfg := r.Config.Dataset
	dst, err := staging.StageDataset(ctx, staging.DatasetOptions{
		Sources:     cfg.Sources,
		Destination: r.destination(cfg.Key, cfg.Prefix),
		ScratchDir:  cfg.ScratchDir,
		KeepScratch: cfg.KeepScratch,
		Store:       r.Store,
		Fetcher:     r.Fetcher,
		Fs:          r.Fs,
	})
	if err != nil {
		return storage.URI{}, err
	}
	r.Outputs.Dataset = dst
	return dst, r.record(ledger.KindDataset, dst.String(), nil)
}

// StageWeights uploads the pretrained checkpoint.
func (r *Runner) StageWeights(ctx context.Context) (storage.URI, error) {
	cfg := r.Config.Weights
	dst, err := staging.StageWeights(ctx, staging.WeightsOptions{
		Source:      cfg.Source,
		Destination: r.destination(cfg.Key, cfg.Prefix),
		Store:       r.Store,
		Fetcher:     r.Fetcher,
		Fs:          r.Fs,
	})
	if err != nil {
		return storage.URI{}, err
	}
	r.Outputs.Weights = dst
	return dst, r.record(ledger.KindWeights, dst.String(), nil)
}

// BuildImage builds and pushes the training image, or records the
// configured image when one is given.
func (r *Runner) BuildImage(ctx context.Context) (string, error) {
	cfg := r.Config.Image
	ref := cfg.URI
	if ref != "" {
		logging.Info("Using prebuilt image %s", ref)
	} else {
		var err error
		ref, err = r.Builder.Build(ctx, imagebuilder.BuildRequest{
			Account:    r.Identity.Account,
			Region:     r.Identity.Region,
			Repository: cfg.Name,
			Tag:        cfg.Tag,
			Platform:   cfg.Platform,
			ContextDir: cfg.Context,
			Dockerfile: imagebuilder.DockerfileOptions{
				BaseTemplate: cfg.Base,
				Packages:     cfg.Packages,
				Extension: imagebuilder.Extension{
					Repo:    cfg.Extension.Repo,
					Ref:     cfg.Extension.Ref,
					Install: cfg.Extension.Install,
				},
			},
		})
		if err != nil {
			return "", err
		}
	}
	r.Outputs.Image = ref
	return ref, r.record(ledger.KindImage, ref, nil)
}

// FilesystemSpec is the creation request for the training filesystem. It
// imports the whole runbook prefix when the dataset lies below it, so the
// dataset appears below the mount at its path relative to that prefix.
// Otherwise it imports the dataset location itself.
func (r *Runner) FilesystemSpec() (filesystem.Spec, error) {
	cfg := r.Config.Filesystem
	dataset, err := r.dataset()
	if err != nil {
		return filesystem.Spec{}, err
	}
	root := r.uri()
	if _, ok := relativeKey(root, dataset); !ok {
		root = dataset
	}
	return filesystem.Spec{
		StorageCapacity:            cfg.StorageCapacity,
		StorageType:                cfg.StorageType,
		DeploymentType:             cfg.DeploymentType,
		PerUnitStorageThroughput:   cfg.PerUnitStorageThroughput,
		ImportPath:                 root.String(),
		ImportedFileChunkSize:      cfg.ImportedFileChunkSize,
		AutoImportPolicy:           cfg.AutoImportPolicy,
		WeeklyMaintenanceStartTime: cfg.WeeklyMaintenanceStartTime,
		Subnets:                    cfg.Subnets,
		SecurityGroups:             cfg.SecurityGroups,
		Tags:                       cfg.Tags,
	}, nil
}

// ProvisionFilesystem creates the filesystem, or adopts filesystem.id when
// configured, and waits for it unless NoWait is set.
func (r *Runner) ProvisionFilesystem(ctx context.Context) (*filesystem.Descriptor, error) {
	cfg := r.Config.Filesystem

	var desc *filesystem.Descriptor
	var err error
	if cfg.ID != "" {
		logging.Info("Using existing filesystem %s", cfg.ID)
		desc, err = r.Provisioner.Describe(ctx, cfg.ID)
	} else {
		var spec filesystem.Spec
		spec, err = r.FilesystemSpec()
		if err == nil {
			desc, err = r.Provisioner.Create(ctx, spec)
		}
	}
	if err != nil {
		return nil, err
	}

	if cfg.Wait && !r.NoWait && !desc.Available() {
		waitCtx := ctx
		if cfg.WaitTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, cfg.WaitTimeout)
			defer cancel()
		}
		desc, err = r.Provisioner.WaitAvailable(waitCtx, desc.ID, cfg.PollInterval)
		if err != nil {
			return nil, err
		}
	} else if !desc.Available() {
		logging.Warn("Not waiting for filesystem %s (%s); the job may start before it is mountable", desc.ID, desc.Lifecycle)
	}

	r.Outputs.Filesystem = desc
	return desc, r.record(ledger.KindFilesystem, desc.ID, desc)
}

// SubmitJob packages and uploads the training source, then submits the job
// against the filesystem provisioned in this session.
func (r *Runner) SubmitJob(ctx context.Context) (*orchestrator.Submission, error) {
	cfg := r.Config.Job

	image, err := r.image()
	if err != nil {
		return nil, err
	}
	fs, err := r.filesystem()
	if err != nil {
		return nil, err
	}

	dir, err := r.channelDirectory(fs)
	if err != nil {
		return nil, err
	}

	hp := make(map[string]any, len(cfg.Hyperparameters)+1)
	for k, v := range cfg.Hyperparameters {
		hp[k] = v
	}
	if weights, err := r.weights(); err != nil {
		return nil, err
	} else if weights != "" && r.Config.Weights.Hyperparameter != "" {
		hp[r.Config.Weights.Hyperparameter] = weights
	}

	name := sagemaker.JobName(cfg.BaseName, r.clock())
	job := orchestrator.JobDefinition{
		Name:              name,
		BaseName:          cfg.BaseName,
		Image:             image,
		Role:              r.Identity.Role,
		Region:            r.Identity.Region,
		EntryPoint:        cfg.EntryPoint,
		InstanceType:      cfg.InstanceType,
		InstanceCount:     cfg.InstanceCount,
		VolumeSizeGB:      cfg.VolumeSize,
		MaxRuntime:        cfg.MaxRuntime,
		FrameworkVersion:  cfg.FrameworkVersion,
		PyVersion:         cfg.PyVersion,
		Hyperparameters:   hp,
		MetricDefinitions: cfg.MetricDefinitions,
		Network: orchestrator.NetworkPlacement{
			Subnets:        r.Config.Filesystem.Subnets,
			SecurityGroups: r.Config.Filesystem.SecurityGroups,
		},
		Channels: []orchestrator.InputChannel{{
			Name:           cfg.Channel,
			FileSystemID:   fs.ID,
			FileSystemType: filesystem.Type,
			DirectoryPath:  dir,
			AccessMode:     cfg.AccessMode,
		}},
		DebuggerHook:      cfg.DebuggerHook,
		DataParallel:      cfg.DataParallel,
		CustomMPIOptions:  cfg.CustomMPIOptions,
		ContainerLogLevel: cfg.ContainerLogLevel,
		OutputPath:        r.outputPath(),
		Tags:              cfg.Tags,
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	submitDir, err := r.uploadSource(ctx, name)
	if err != nil {
		return nil, err
	}
	job.SubmitDirectory = submitDir.String()

	if r.OutputSpec != "" {
		return nil, r.writeSpec(job)
	}

	sub, err := r.Orchestrator.SubmitJob(ctx, job)
	if err != nil {
		return nil, err
	}
	r.Outputs.Job = sub
	return sub, r.record(ledger.KindJob, sub.JobName, sub)
}

// Teardown deletes the session's filesystem. It is a no-op when the
// filesystem is already gone.
func (r *Runner) Teardown(ctx context.Context) (bool, error) {
	var artifact *ledger.Artifact
	id := ""
	if r.Outputs.Filesystem != nil {
		id = r.Outputs.Filesystem.ID
	}
	if r.Ledger != nil && r.Session != nil {
		var err error
		if id != "" {
			artifact, err = r.Ledger.Find(r.Session.ID, ledger.KindFilesystem, id)
		} else {
			artifact, err = r.Ledger.Latest(r.Session.ID, ledger.KindFilesystem)
		}
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			logging.Info("No filesystem to tear down in session %s", r.Session.ID)
			return false, nil
		case err != nil:
			return false, err
		}
		if artifact.State == ledger.StateDeleted {
			logging.Info("Filesystem %s was already deleted", artifact.Ref)
			return false, nil
		}
		id = artifact.Ref
	}
	if id == "" {
		logging.Info("No filesystem to tear down")
		return false, nil
	}

	deleted, err := r.Provisioner.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if artifact != nil {
		if _, err := r.Ledger.MarkDeleted(artifact); err != nil {
			return deleted, err
		}
	}
	r.Outputs.Filesystem = nil
	return deleted, nil
}

// destination is key inside the bucket when set, or prefix below the
// runbook prefix.
func (r *Runner) destination(key, prefix string) storage.URI {
	if key != "" {
		return storage.URI{Bucket: r.Bucket(), Key: strings.Trim(key, "/")}
	}
	return r.uri(prefix)
}

// dataset is the dataset staged in this invocation or session, or the
// configured destination when none was staged yet.
func (r *Runner) dataset() (storage.URI, error) {
	if r.Outputs.Dataset.Bucket != "" {
		return r.Outputs.Dataset, nil
	}
	a, err := r.latest(ledger.KindDataset)
	if errors.Is(err, ledger.ErrNotFound) {
		return r.destination(r.Config.Dataset.Key, r.Config.Dataset.Prefix), nil
	}
	if err != nil {
		return storage.URI{}, err
	}
	return storage.ParseURI(a.Ref)
}

// channelDirectory is the dataset's directory on the mounted filesystem.
func (r *Runner) channelDirectory(fs *filesystem.Descriptor) (string, error) {
	dataset, err := r.dataset()
	if err != nil {
		return "", err
	}
	root := r.uri()
	if fs.ImportPath != "" {
		if root, err = storage.ParseURI(fs.ImportPath); err != nil {
			return "", fmt.Errorf("filesystem %s: %w", fs.ID, err)
		}
	}
	rel, ok := relativeKey(root, dataset)
	if !ok {
		return "", fmt.Errorf("dataset %s is not below the import path %s of filesystem %s", dataset, root, fs.ID)
	}
	return fs.DirectoryPath(rel), nil
}

// relativeKey returns u's key relative to root when u lies below root.
func relativeKey(root, u storage.URI) (string, bool) {
	if root.Bucket != u.Bucket {
		return "", false
	}
	switch {
	case root.Key == "":
		return u.Key, true
	case u.Key == root.Key:
		return "", true
	case strings.HasPrefix(u.Key, root.Key+"/"):
		return strings.TrimPrefix(u.Key, root.Key+"/"), true
	}
	return "", false
}

func (r *Runner) image() (string, error) {
	if r.Outputs.Image != "" {
		return r.Outputs.Image, nil
	}
	if r.Config.Image.URI != "" {
		return r.Config.Image.URI, nil
	}
	a, err := r.latest(ledger.KindImage)
	if err != nil {
		return "", fmt.Errorf("no training image available, run the image stage first: %w", err)
	}
	return a.Ref, nil
}

func (r *Runner) weights() (string, error) {
	if r.Outputs.Weights.Bucket != "" {
		return r.Outputs.Weights.String(), nil
	}
	a, err := r.latest(ledger.KindWeights)
	if errors.Is(err, ledger.ErrNotFound) {
		logging.Warn("No pretrained weights staged in this session")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return a.Ref, nil
}

// filesystem resolves the job's filesystem. It must have been provisioned
// or adopted in the current session.
func (r *Runner) filesystem() (*filesystem.Descriptor, error) {
	if r.FilesystemID == "" && r.Outputs.Filesystem != nil {
		return r.Outputs.Filesystem, nil
	}
	if r.Ledger == nil || r.Session == nil {
		return nil, fmt.Errorf("no filesystem provisioned in this session, run the filesystem stage first")
	}

	var a *ledger.Artifact
	var err error
	if r.FilesystemID != "" {
		a, err = r.Ledger.Find(r.Session.ID, ledger.KindFilesystem, r.FilesystemID)
	} else {
		a, err = r.Ledger.Latest(r.Session.ID, ledger.KindFilesystem)
	}
	if err != nil {
		return nil, fmt.Errorf("no filesystem provisioned in session %s, run the filesystem stage first: %w", r.Session.ID, err)
	}
	if a.State == ledger.StateDeleted {
		return nil, fmt.Errorf("filesystem %s was deleted", a.Ref)
	}

	var desc filesystem.Descriptor
	if err := json.Unmarshal([]byte(a.Detail), &desc); err != nil {
		return nil, fmt.Errorf("failed to decode recorded filesystem %s: %w", a.Ref, err)
	}
	return &desc, nil
}

func (r *Runner) outputPath() string {
	if r.Config.Job.OutputPath != "" {
		return r.Config.Job.OutputPath
	}
	return r.uri("output").String()
}

// uploadSource packages the source directory, cloning it first when a
// repository is configured, and uploads it as <job>/source/sourcedir.tar.gz.
func (r *Runner) uploadSource(ctx context.Context, jobName string) (storage.URI, error) {
	cfg := r.Config.Job
	dir := cfg.SourceDir

	if cfg.SourceRepo != "" {
		checkout, err := os.MkdirTemp("", "trainrun-source-")
		if err != nil {
			return storage.URI{}, fmt.Errorf("failed to create checkout directory: %w", err)
		}
		defer os.RemoveAll(checkout)

		if err := source.Clone(ctx, cfg.SourceRepo, cfg.SourceRef, checkout); err != nil {
			return storage.URI{}, err
		}
		dir = filepath.Join(checkout, cfg.SourceDir)
	}

	if _, err := os.Stat(filepath.Join(dir, cfg.EntryPoint)); err != nil {
		return storage.URI{}, fmt.Errorf("entry point %s not found in source directory %s: %w", cfg.EntryPoint, dir, err)
	}

	matcher, err := source.ReadIgnorePatterns(dir, source.IgnoreFile, source.DefaultIgnorePatterns)
	if err != nil {
		return storage.URI{}, err
	}
	archive, err := source.Package(dir, matcher, "")
	if err != nil {
		return storage.URI{}, err
	}
	defer os.Remove(archive)

	dst := storage.URI{Bucket: r.Bucket(), Key: jobName}.Join("source", source.ArchiveName)
	if r.OutputSpec != "" {
		return dst, nil
	}
	logging.Info("Uploading training source %s to %s", dir, dst)
	if err := storage.UploadFile(ctx, r.Store, afero.NewOsFs(), archive, dst); err != nil {
		return storage.URI{}, err
	}
	r.Outputs.Source = dst
	return dst, r.record(ledger.KindSource, dst.String(), nil)
}

func (r *Runner) writeSpec(job orchestrator.JobDefinition) error {
	renderer, ok := r.Orchestrator.(SpecRenderer)
	if !ok {
		return fmt.Errorf("orchestrator cannot render job specifications")
	}
	out, err := renderer.RenderJob(job)
	if err != nil {
		return err
	}
	logging.Info("Saving job specification to %s", r.OutputSpec)
	if err := os.WriteFile(r.OutputSpec, out, 0644); err != nil {
		return fmt.Errorf("failed to write job specification to file %s: %w", r.OutputSpec, err)
	}
	logging.Info("Job specification saved successfully; the job was not submitted.")
	return nil
}

func (r *Runner) latest(kind ledger.Kind) (*ledger.Artifact, error) {
	if r.Ledger == nil || r.Session == nil {
		return nil, ledger.ErrNotFound
	}
	return r.Ledger.Latest(r.Session.ID, kind)
}

func (r *Runner) record(kind ledger.Kind, ref string, detail any) error {
	if r.Ledger == nil || r.Session == nil {
		return nil
	}
	d := ""
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", kind, ref, err)
		}
		d = string(b)
	}
	_, err := r.Ledger.Record(r.Session.ID, kind, ref, d)
	return err
}
