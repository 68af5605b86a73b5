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

package cmd

import (
	"fmt"
	"os"
	"time"

	"trainrun/pkg/ledger"
	"trainrun/pkg/logging"
	"trainrun/pkg/session"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionNewCmd, sessionShowCmd, sessionListCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manages the local ledger of runbook sessions.",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Starts a new session for the current identity and prints its id.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx, cancel := signalContext()
		defer cancel()

		ident := resolveIdentity(ctx, cfg)
		bucket := cfg.Bucket
		if bucket == "" {
			bucket = session.DefaultBucket(ident.Region, ident.Account)
		}

		l := openLedger(cfg)
		defer l.Close()
		s, err := l.NewSession(ident, bucket)
		if err != nil {
			logging.Fatal("%v", err)
		}
		fmt.Println(s.ID)
	},
	SilenceUsage: true,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Prints a session and everything recorded in it. Defaults to the latest session.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			sessionID = args[0]
		}
		l := openLedger(loadConfig())
		defer l.Close()

		s := selectSession(l, false)
		if s == nil {
			logging.Fatal("The ledger has no sessions.")
		}
		artifacts, err := l.Artifacts(s.ID)
		if err != nil {
			logging.Fatal("%v", err)
		}

		view := newSessionView(*s)
		for _, a := range artifacts {
			view.Artifacts = append(view.Artifacts, newArtifactView(a))
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			logging.Fatal("Failed to render session %s: %v", s.ID, err)
		}
		enc.Close()
	},
	SilenceUsage: true,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists all sessions, newest first.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		l := openLedger(loadConfig())
		defer l.Close()

		all, err := l.Sessions()
		if err != nil {
			logging.Fatal("%v", err)
		}
		views := make([]sessionView, 0, len(all))
		for _, s := range all {
			views = append(views, newSessionView(s))
		}
		out, err := yaml.Marshal(views)
		if err != nil {
			logging.Fatal("Failed to render sessions: %v", err)
		}
		fmt.Print(string(out))
	},
	SilenceUsage: true,
}

type sessionView struct {
	ID        string         `yaml:"id"`
	Created   string         `yaml:"created"`
	Account   string         `yaml:"account"`
	Region    string         `yaml:"region"`
	Role      string         `yaml:"role"`
	Bucket    string         `yaml:"bucket"`
	Artifacts []artifactView `yaml:"artifacts,omitempty"`
}

type artifactView struct {
	Kind    ledger.Kind `yaml:"kind"`
	Ref     string      `yaml:"ref"`
	State   string      `yaml:"state"`
	Created string      `yaml:"created"`
	Deleted string      `yaml:"deleted,omitempty"`
}

func newSessionView(s ledger.Session) sessionView {
	return sessionView{
		ID:      s.ID,
		Created: s.CreatedAt.Local().Format(time.RFC3339),
		Account: s.Account,
		Region:  s.Region,
		Role:    s.Role,
		Bucket:  s.Bucket,
	}
}

func newArtifactView(a ledger.Artifact) artifactView {
	v := artifactView{
		Kind:    a.Kind,
		Ref:     a.Ref,
		State:   a.State,
		Created: a.CreatedAt.Local().Format(time.RFC3339),
	}
	if a.DeletedAt != nil {
		v.Deleted = a.DeletedAt.Local().Format(time.RFC3339)
	}
	return v
}
