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

package source

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/sirupsen/logrus"
)

const (
	// IgnoreFile lists patterns excluded from the uploaded training source.
	IgnoreFile = ".trainignore"
	// ArchiveName is the object name the training container downloads.
	ArchiveName = "sourcedir.tar.gz"
)

// DefaultIgnorePatterns are always excluded.
var DefaultIgnorePatterns = []string{".git", "**/__pycache__", "**/*.pyc", "**/.ipynb_checkpoints"}

// ReadIgnorePatterns builds a matcher from defaultPatterns plus the patterns
// of dir/ignoreFile, if present.
func ReadIgnorePatterns(dir, ignoreFile string, defaultPatterns []string) (*patternmatcher.PatternMatcher, error) {
	ignorePath := filepath.Join(dir, ignoreFile)

	patterns := make([]string, len(defaultPatterns))
	copy(patterns, defaultPatterns)

	if _, err := os.Stat(ignorePath); err == nil {
		file, err := os.Open(ignorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open ignore file %q: %w", ignorePath, err)
		}
		defer file.Close()

		filePatterns, err := ignorefile.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read ignore file %q: %w", ignorePath, err)
		}
		patterns = append(patterns, filePatterns...)
		logrus.Infof("Found %d patterns in %s at %q", len(filePatterns), ignoreFile, ignorePath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat ignore file %q: %w", ignorePath, err)
	}

	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern matcher: %w", err)
	}
	return matcher, nil
}

// Package writes a gzip tarball of dir, skipping paths matched by matcher,
// to a temporary file and returns its path. Entries are placed under prefix.
// The caller removes the file.
func Package(dir string, matcher *patternmatcher.PatternMatcher, prefix string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("failed to stat source directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("source %q is not a directory", dir)
	}

	tmpFile, err := os.CreateTemp("", "trainrun-source-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file for tarball: %w", err)
	}
	defer tmpFile.Close()

	logrus.Infof("Creating filtered tar from %s to temporary file %s", dir, tmpFile.Name())

	if err := writeArchive(tmpFile, dir, matcher, prefix); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", err
	}
	return tmpFile.Name(), nil
}

func writeArchive(w io.Writer, dir string, matcher *patternmatcher.PatternMatcher, prefix string) error {
	gzipWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzipWriter)

	walkErr := filepath.Walk(dir, func(p string, info fs.FileInfo, err error) error {
		return addEntry(tarWriter, dir, matcher, prefix, p, info, err)
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return nil
}

// addEntry adds a single file or directory to the archive.
func addEntry(tarWriter *tar.Writer, dir string, matcher *patternmatcher.PatternMatcher, prefix, p string, info fs.FileInfo, errFromWalk error) error {
	if errFromWalk != nil {
		return errFromWalk
	}

	relPath, err := filepath.Rel(dir, p)
	if err != nil {
		return fmt.Errorf("failed to get relative path for %q: %w", p, err)
	}
	if relPath == "." {
		return nil
	}

	// Directories match with a trailing slash, as in patternmatcher's own tests.
	relPathSlash := filepath.ToSlash(relPath)
	if info.IsDir() && !strings.HasSuffix(relPathSlash, "/") {
		relPathSlash += "/"
	}

	if matcher != nil {
		ignored, err := matcher.MatchesOrParentMatches(relPathSlash)
		if err != nil {
			return fmt.Errorf("failed to check ignore patterns for %q: %w", p, err)
		}
		if ignored {
			if info.IsDir() {
				logrus.Debugf("Ignoring directory %q", relPath)
				return filepath.SkipDir
			}
			logrus.Debugf("Ignoring file %q", relPath)
			return nil
		}
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return fmt.Errorf("failed to read symlink %q: %w", p, err)
		}
	}
	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %q: %w", p, err)
	}
	header.Name = path.Join(prefix, filepath.ToSlash(relPath))
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %q: %w", p, err)
	}

	if info.Mode().IsRegular() {
		file, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open file %q: %w", p, err)
		}
		defer file.Close()

		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("failed to write file content for %q: %w", p, err)
		}
	}
	return nil
}
