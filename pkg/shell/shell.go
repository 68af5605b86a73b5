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

package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os/exec"
	"strings"
	"time"

	"trainrun/pkg/logging"
)

// CommandResult holds the captured output of a finished command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Command is a configurable external command.
type Command struct {
	ctx    context.Context
	name   string
	args   []string
	dir    string
	input  string
	stream io.Writer
}

// NewCommand prepares name with args. A single name containing spaces and no
// args is split on whitespace.
func NewCommand(name string, args ...string) *Command {
	if len(args) == 0 && strings.Contains(name, " ") {
		fields := strings.Fields(name)
		name, args = fields[0], fields[1:]
	}
	return &Command{ctx: context.Background(), name: name, args: args}
}

// WithContext binds the command to ctx; cancelling ctx kills the process.
func (c *Command) WithContext(ctx context.Context) *Command {
	c.ctx = ctx
	return c
}

// SetInput feeds s to the command's stdin.
func (c *Command) SetInput(s string) *Command {
	c.input = s
	return c
}

// SetDir sets the working directory.
func (c *Command) SetDir(dir string) *Command {
	c.dir = dir
	return c
}

// SetStream copies stdout and stderr to w while the command runs, in addition
// to capturing them.
func (c *Command) SetStream(w io.Writer) *Command {
	c.stream = w
	return c
}

// String renders the command line for logging.
func (c *Command) String() string {
	return strings.Join(append([]string{c.name}, c.args...), " ")
}

// Execute runs the command and waits for it. A command that cannot be started
// reports exit code -1 with the start error in Stderr.
func (c *Command) Execute() CommandResult {
	cmd := exec.CommandContext(c.ctx, c.name, c.args...)
	cmd.Dir = c.dir
	if c.input != "" {
		cmd.Stdin = strings.NewReader(c.input)
	}

	var stdout, stderr bytes.Buffer
	if c.stream != nil {
		cmd.Stdout = io.MultiWriter(&stdout, c.stream)
		cmd.Stderr = io.MultiWriter(&stderr, c.stream)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	logging.Debug("Executing: %s", c.String())
	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Stderr += err.Error()
		}
	}
	return res
}

// ExecuteCommand runs name with args and returns its result.
func ExecuteCommand(name string, args ...string) CommandResult {
	return NewCommand(name, args...).Execute()
}

// RandomString returns n random lowercase letters.
func RandomString(n int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz"
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, n)
	for i := range b {
		b[i] = charset[r.Intn(len(charset))]
	}
	return string(b)
}
