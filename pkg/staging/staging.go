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

// Package staging copies public artifacts (the training dataset and the
// pretrained checkpoint) into object storage. There is no resume and no
// checksum verification; a failed fetch or upload aborts the stage.
package staging

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"trainrun/pkg/logging"
	"trainrun/pkg/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DatasetOptions configures StageDataset.
type DatasetOptions struct {
	Sources     []string
	Destination storage.URI
	// ScratchDir holds the unpacked archives. A temporary directory is used
	// when empty.
	ScratchDir  string
	KeepScratch bool

	Store   storage.ObjectStore
	Fetcher Fetcher
	Fs      afero.Fs
}

// WeightsOptions configures StageWeights.
type WeightsOptions struct {
	Source      string
	Destination storage.URI
	ScratchDir  string

	Store   storage.ObjectStore
	Fetcher Fetcher
	Fs      afero.Fs
}

// StageDataset fetches and unpacks every source, then uploads the unpacked
// tree of each below Destination.
func StageDataset(ctx context.Context, opts DatasetOptions) (storage.URI, error) {
	if len(opts.Sources) == 0 {
		return storage.URI{}, fmt.Errorf("no dataset sources configured")
	}
	fsys, fetcher := defaults(opts.Fs, opts.Fetcher)

	scratch, cleanup, err := scratchDir(fsys, opts.ScratchDir, "trainrun-dataset-")
	if err != nil {
		return storage.URI{}, err
	}
	if opts.KeepScratch {
		logging.Info("Keeping unpacked archives in %s", scratch)
	} else {
		defer cleanup()
	}

	total := 0
	for i, src := range opts.Sources {
		dir := filepath.Join(scratch, strconv.Itoa(i))
		log := logrus.WithFields(logrus.Fields{"source": src, "scratch": dir})

		log.Info("Fetching dataset archive")
		if err := fetcher.Fetch(ctx, src, dir, false); err != nil {
			return storage.URI{}, err
		}

		log.Infof("Uploading to %s", opts.Destination)
		n, err := storage.UploadDir(ctx, opts.Store, fsys, dir, opts.Destination)
		if err != nil {
			return storage.URI{}, fmt.Errorf("failed to upload %s: %w", src, err)
		}
		total += n
	}

	logging.Info("Staged %d objects from %d sources to %s", total, len(opts.Sources), opts.Destination)
	return opts.Destination, nil
}

// StageWeights fetches a single file and uploads it as
// Destination/<file name>, returning the object's URI.
func StageWeights(ctx context.Context, opts WeightsOptions) (storage.URI, error) {
	if opts.Source == "" {
		return storage.URI{}, fmt.Errorf("no pretrained weights source configured")
	}
	fsys, fetcher := defaults(opts.Fs, opts.Fetcher)

	base, err := SourceBase(opts.Source)
	if err != nil {
		return storage.URI{}, err
	}

	scratch, cleanup, err := scratchDir(fsys, opts.ScratchDir, "trainrun-weights-")
	if err != nil {
		return storage.URI{}, err
	}
	defer cleanup()

	local := filepath.Join(scratch, base)
	logging.Info("Fetching pretrained weights from %s", opts.Source)
	if err := fetcher.Fetch(ctx, opts.Source, local, true); err != nil {
		return storage.URI{}, err
	}

	dst := opts.Destination.Join(base)
	logging.Info("Uploading pretrained weights to %s", dst)
	if err := storage.UploadFile(ctx, opts.Store, fsys, local, dst); err != nil {
		return storage.URI{}, err
	}
	return dst, nil
}

func defaults(fsys afero.Fs, fetcher Fetcher) (afero.Fs, Fetcher) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if fetcher == nil {
		fetcher = GetterFetcher{}
	}
	return fsys, fetcher
}

// scratchDir creates a temporary directory below dir, or below the system
// temp dir when dir is empty. The cleanup function removes the temporary
// directory, and dir too when scratchDir created it.
func scratchDir(fsys afero.Fs, dir, pattern string) (string, func(), error) {
	remove := ""
	if dir != "" {
		exists, err := afero.DirExists(fsys, dir)
		if err != nil {
			return "", nil, fmt.Errorf("failed to stat scratch directory %s: %w", dir, err)
		}
		if !exists {
			if err := fsys.MkdirAll(dir, 0755); err != nil {
				return "", nil, fmt.Errorf("failed to create scratch directory %s: %w", dir, err)
			}
			remove = dir
		}
	}

	tmp, err := afero.TempDir(fsys, dir, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if remove == "" {
		remove = tmp
	}

	cleanup := func() {
		if err := fsys.RemoveAll(remove); err != nil {
			logging.Warn("Failed to remove scratch directory %s: %v", remove, err)
		} else {
			logrus.Debugf("Cleaned up scratch directory: %s", remove)
		}
	}
	return tmp, cleanup, nil
}
