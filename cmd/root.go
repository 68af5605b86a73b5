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

// Package cmd defines the trainrun command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"trainrun/pkg/config"
	"trainrun/pkg/ledger"
	"trainrun/pkg/logging"
	"trainrun/pkg/run"
	"trainrun/pkg/session"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath string
	envFile    string
	region     string
	profile    string
	role       string
	sessionID  string
	ledgerPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "trainrun",
	Short: "Runs distributed data-parallel training jobs on Amazon SageMaker.",
	Long: `trainrun stages a dataset into S3, builds and publishes a training image to
ECR, provisions an FSx for Lustre filesystem importing the dataset, stages
pretrained weights, submits a multi-node data-parallel training job and tears
the filesystem down again.

Each stage can run on its own. Outputs are recorded in a local session ledger
so later invocations pick them up.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetVerbose(verbose)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the runbook YAML file. Built-in defaults are used for anything it omits.")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file loaded before AWS configuration resolves (default from the runbook, .env).")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "AWS region. Overrides the runbook and AWS_REGION.")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "AWS shared config profile.")
	rootCmd.PersistentFlags().StringVar(&role, "role", "", "Execution role ARN assumed by the training job.")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "Ledger session to continue. Defaults to the latest session, or a new one for 'run'.")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "Path to the session ledger database (default ~/.trainrun/ledger.db).")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")

	// Accept --no_wait for --no-wait, matching the runbook's key style.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadConfig loads the runbook and applies the global flag overrides.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Fatal("%v", err)
	}
	if region != "" {
		cfg.Region = region
	}
	if profile != "" {
		cfg.Profile = profile
	}
	if role != "" {
		cfg.Role = role
	}
	if envFile != "" {
		cfg.EnvFile = envFile
	}
	if ledgerPath != "" {
		cfg.Ledger = ledgerPath
	}
	if cfg.Ledger == "" {
		cfg.Ledger = ledger.DefaultPath()
	}
	return cfg
}

func validateConfig(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		if verbose {
			logging.Fatal("Invalid configuration: %+v", err)
		}
		logging.Fatal("Invalid configuration: %v", err)
	}
}

func resolveIdentity(ctx context.Context, cfg *config.Config) *session.Identity {
	ident, err := session.Resolve(ctx, session.Options{
		Region:  cfg.Region,
		Profile: cfg.Profile,
		Role:    cfg.Role,
		EnvFile: cfg.EnvFile,
	})
	if err != nil {
		logging.Fatal("Failed to resolve identity: %v", err)
	}
	return ident
}

func openLedger(cfg *config.Config) *ledger.Ledger {
	l, err := ledger.Open(cfg.Ledger)
	if err != nil {
		logging.Fatal("%v", err)
	}
	return l
}

// selectSession returns the --session session, or the latest one. It
// returns nil, so the identity stage starts a new session, when fresh is set
// or the ledger is empty.
func selectSession(l *ledger.Ledger, fresh bool) *ledger.Session {
	if sessionID != "" {
		s, err := l.Session(sessionID)
		if err != nil {
			logging.Fatal("%v", err)
		}
		return s
	}
	if fresh {
		return nil
	}
	s, err := l.LatestSession()
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		logging.Fatal("%v", err)
	}
	return s
}

// newRunner loads everything a stage needs. The caller closes the ledger.
func newRunner(ctx context.Context, cfg *config.Config, fresh bool) *run.Runner {
	validateConfig(cfg)
	ident := resolveIdentity(ctx, cfg)

	r, err := run.NewRunner(cfg, ident)
	if err != nil {
		logging.Fatal("Failed to set up runner: %v", err)
	}
	r.Ledger = openLedger(cfg)
	r.Session, err = matchSession(selectSession(r.Ledger, fresh), ident, sessionID != "")
	if err != nil {
		logging.Fatal("%v", err)
	}
	return r
}

// matchSession checks that s was recorded for ident. A mismatching session
// chosen with --session is an error. A mismatching latest session is
// dropped, so the identity stage starts a new one.
func matchSession(s *ledger.Session, ident *session.Identity, explicit bool) (*ledger.Session, error) {
	if s == nil {
		return nil, nil
	}
	if s.Account == ident.Account && s.Region == ident.Region {
		logging.Info("Continuing session %s", s.ID)
		return s, nil
	}
	if explicit {
		return nil, fmt.Errorf("session %s belongs to account %s in %s, but the current identity is account %s in %s",
			s.ID, s.Account, s.Region, ident.Account, ident.Region)
	}
	logging.Info("Latest session %s is for account %s in %s, starting a new session for account %s in %s",
		s.ID, s.Account, s.Region, ident.Account, ident.Region)
	return nil, nil
}

func executeStages(ctx context.Context, r *run.Runner, stages ...run.Stage) {
	defer r.Ledger.Close()
	if err := r.Execute(ctx, stages); err != nil {
		logging.Fatal("trainrun failed: %v", err)
	}
}
