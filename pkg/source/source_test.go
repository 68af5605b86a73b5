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
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/moby/patternmatcher"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func archiveEntries(t *testing.T, archive string) []string {
	t.Helper()
	f, err := os.Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
	sort.Strings(names)
	return names
}

func TestPackage(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"train_pytorch_smdataparallel_maskrcnn.py":                     "import torch",
		"configs/e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml":             "MODEL: {}",
		"maskrcnn_benchmark/__pycache__/utils.cpython-36.pyc":          "bytecode",
		"maskrcnn_benchmark/utils.py":                                  "pass",
		"notebooks/.ipynb_checkpoints/smdataparallel-checkpoint.ipynb": "{}",
		"outputs/model_final.pth":                                      "weights",
		".git/HEAD":                                                    "ref: refs/heads/main",
		".trainignore":                                                 "outputs\n",
	})

	matcher, err := ReadIgnorePatterns(dir, IgnoreFile, DefaultIgnorePatterns)
	if err != nil {
		t.Fatalf("ReadIgnorePatterns: %v", err)
	}
	archive, err := Package(dir, matcher, "")
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	defer os.Remove(archive)

	want := []string{
		IgnoreFile,
		"configs/e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml",
		"maskrcnn_benchmark/utils.py",
		"train_pytorch_smdataparallel_maskrcnn.py",
	}
	if diff := cmp.Diff(want, archiveEntries(t, archive)); diff != "" {
		t.Errorf("archive entries mismatch (-want +got):\n%s", diff)
	}
}

func TestPackagePrefix(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a/b.py": "x"})

	archive, err := Package(dir, nil, "opt/code")
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	defer os.Remove(archive)

	if diff := cmp.Diff([]string{"opt/code/a/b.py"}, archiveEntries(t, archive)); diff != "" {
		t.Errorf("archive entries mismatch (-want +got):\n%s", diff)
	}
}

func TestPackageKeepsSymlinkTargets(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"configs/e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml": "MODEL: {}"})
	if err := os.Symlink("e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml", filepath.Join(dir, "configs", "default.yaml")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	archive, err := Package(dir, nil, "")
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	defer os.Remove(archive)

	f, err := os.Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	links := map[string]string{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeSymlink {
			links[hdr.Name] = hdr.Linkname
		}
	}

	want := map[string]string{"configs/default.yaml": "e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml"}
	if diff := cmp.Diff(want, links); diff != "" {
		t.Errorf("symlinks mismatch (-want +got):\n%s", diff)
	}
}

func TestPackageRejectsFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"f.py": "x"})
	if _, err := Package(filepath.Join(dir, "f.py"), nil, ""); err == nil {
		t.Error("Package accepted a file")
	}
}

// Wrapper to simulate logic in addEntry
func shouldIgnore(t *testing.T, matcher *patternmatcher.PatternMatcher, relPath string, isDir bool) bool {
	relPathSlash := filepath.ToSlash(relPath)
	if isDir && !strings.HasSuffix(relPathSlash, "/") {
		relPathSlash += "/"
	}
	ignored, err := matcher.MatchesOrParentMatches(relPathSlash)
	if err != nil {
		t.Errorf("MatchesOrParentMatches error: %v", err)
	}
	return ignored
}

func TestPatternMatcherIntegration(t *testing.T) {
	tests := []struct {
		name           string
		ignorePatterns []string
		path           string
		isDir          bool
		wantIgnored    bool
	}{
		{
			name:           "Simple match",
			ignorePatterns: []string{"*.log"},
			path:           "train.log",
			wantIgnored:    true,
		},
		{
			name:           "Simple mismatch",
			ignorePatterns: []string{"*.log"},
			path:           "train.py",
			wantIgnored:    false,
		},
		{
			name:           "Directory match",
			ignorePatterns: []string{"outputs"},
			path:           "outputs",
			isDir:          true,
			wantIgnored:    true,
		},
		{
			name:           "Negation",
			ignorePatterns: []string{"*.yaml", "!e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml"},
			path:           "e2e_mask_rcnn_R_50_FPN_1x_16GPU_4bs.yaml",
			wantIgnored:    false,
		},
		{
			name:           "Double star",
			ignorePatterns: DefaultIgnorePatterns,
			path:           "a/b/c/module.pyc",
			wantIgnored:    true,
		},
		{
			name:           "Parent directory ignored",
			ignorePatterns: DefaultIgnorePatterns,
			path:           ".git/objects/pack",
			isDir:          true,
			wantIgnored:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matcher, err := patternmatcher.New(tt.ignorePatterns)
			if err != nil {
				t.Fatalf("patternmatcher.New: %v", err)
			}
			if got := shouldIgnore(t, matcher, tt.path, tt.isDir); got != tt.wantIgnored {
				t.Errorf("ignored(%q) = %v, want %v", tt.path, got, tt.wantIgnored)
			}
		})
	}
}

func TestCheckout(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}

	commit := func(body string) {
		writeFiles(t, dir, map[string]string{"version.txt": body})
		if _, err := wt.Add("version.txt"); err != nil {
			t.Fatal(err)
		}
		sig := &object.Signature{Name: "trainrun", Email: "trainrun@example.com", When: time.Now()}
		if _, err := wt.Commit(body, &git.CommitOptions{Author: sig}); err != nil {
			t.Fatal(err)
		}
	}

	commit("v1")
	head, err := repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateTag("v1.0.0", head.Hash(), nil); err != nil {
		t.Fatal(err)
	}
	commit("v2")

	if err := checkout(repo, "v1.0.0"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "version.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Errorf("version.txt = %q after checking out v1.0.0, want v1", got)
	}

	if err := checkout(repo, "no-such-ref"); err == nil {
		t.Error("checkout of an unknown ref succeeded")
	}
}
