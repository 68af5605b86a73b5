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

// Package logging provides the printf-style log helpers used by every trainrun
// command. Output goes to stderr through logrus; level prefixes are colored
// when stderr is a terminal.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var exitFunc = os.Exit

func init() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(newFormatter(os.Stderr))
	logrus.SetLevel(logrus.InfoLevel)
}

// SetVerbose toggles debug output.
func SetVerbose(verbose bool) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects log output, re-evaluating whether to colorize.
func SetOutput(w io.Writer) {
	logrus.SetOutput(w)
	logrus.SetFormatter(newFormatter(w))
}

// Debug logs a debug message; shown only with --verbose.
func Debug(format string, args ...any) {
	logrus.Debugf(format, args...)
}

// Info logs an informational message.
func Info(format string, args ...any) {
	logrus.Infof(format, args...)
}

// Warn logs a warning.
func Warn(format string, args ...any) {
	logrus.Warnf(format, args...)
}

// Error logs an error without exiting.
func Error(format string, args ...any) {
	logrus.Errorf(format, args...)
}

// Fatal logs an error and exits with status 1.
func Fatal(format string, args ...any) {
	logrus.Errorf(format, args...)
	exitFunc(1)
}

type formatter struct {
	colorize bool
}

func newFormatter(w io.Writer) *formatter {
	colorize := false
	if f, ok := w.(*os.File); ok {
		colorize = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &formatter{colorize: colorize}
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.DebugLevel: color.New(color.FgHiBlack),
	logrus.InfoLevel:  color.New(color.FgCyan),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed, color.Bold),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
}

// Format renders "LEVEL message key=value ..." on a single line.
func (f *formatter) Format(e *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	level := fmt.Sprintf("%-5s", levelName(e.Level))
	if c, ok := levelColors[e.Level]; ok && f.colorize {
		c.EnableColor()
		level = c.Sprint(level)
	}
	buf.WriteString(level)
	buf.WriteByte(' ')
	buf.WriteString(e.Message)

	for _, k := range sortedKeys(e.Data) {
		fmt.Fprintf(&buf, " %s=%v", k, e.Data[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.WarnLevel:
		return "WARN"
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return "ERROR"
	default:
		return strings.ToUpper(l.String())
	}
}

func sortedKeys(data logrus.Fields) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
