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

package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestFormatterPlain(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	Info("staged %d objects", 3)
	logrus.WithFields(logrus.Fields{"stage": "dataset", "bucket": "b"}).Warn("slow upload")

	got := buf.String()
	want := "INFO  staged 3 objects\nWARN  slow upload bucket=b stage=dataset\n"
	if got != want {
		t.Errorf("unexpected log output:\n got: %q\nwant: %q", got, want)
	}
}

func TestVerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})
	defer SetVerbose(false)

	Debug("hidden")
	SetVerbose(true)
	Debug("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug message logged without verbose: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "DEBUG shown") {
		t.Errorf("debug message missing with verbose: %q", buf.String())
	}
}

func TestFatalExits(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	code := -1
	exitFunc = func(c int) { code = c }
	defer func() { exitFunc = os.Exit }()

	Fatal("boom: %v", "bad")
	if code != 1 {
		t.Errorf("Fatal exit code = %d, want 1", code)
	}
	if !strings.Contains(buf.String(), "ERROR boom: bad") {
		t.Errorf("Fatal output = %q", buf.String())
	}
}
