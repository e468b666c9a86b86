// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain-csp.
//
// go-keychain-csp is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cli implements cspctl, the operator tool that talks to a backend
// through the same RPC client the provider uses.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-keychain-csp/internal/config"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

// clientFactory builds the RPC client for a command. Tests replace it.
var clientFactory = func(cfg rpcclient.Config, opts ...rpcclient.Option) (*rpcclient.Client, error) {
	return rpcclient.New(cfg, opts...)
}

// Settings are the global flags, resolved through viper so that flags win
// over CSPCTL_* environment variables, which win over the config file.
type Settings struct {
	v *viper.Viper
}

func newSettings() *Settings {
	v := viper.New()
	v.SetEnvPrefix("CSPCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return &Settings{v: v}
}

// Output is the selected output format.
func (s *Settings) Output() string {
	return s.v.GetString("output")
}

func (s *Settings) Verbose() bool {
	return s.v.GetBool("verbose")
}

// Config loads the config file, if any, and applies flag and environment
// overrides on top.
func (s *Settings) Config() (*config.Config, error) {
	cfg := config.Default()
	if path := s.v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	p := &cfg.Client.Pool
	if s.v.IsSet("address") {
		p.Address = s.v.GetString("address")
	}
	if s.v.IsSet("max-connections") {
		p.MaxConnections = s.v.GetInt("max-connections")
	}
	if s.v.IsSet("timeout") {
		cfg.Client.RequestTimeout = s.v.GetDuration("timeout")
	}
	if s.v.IsSet("tls") {
		p.TLS.Enabled = s.v.GetBool("tls")
	}
	if s.v.IsSet("tls-ca") {
		p.TLS.CAFile = s.v.GetString("tls-ca")
	}
	if s.v.IsSet("tls-cert") {
		p.TLS.CertFile = s.v.GetString("tls-cert")
	}
	if s.v.IsSet("tls-key") {
		p.TLS.KeyFile = s.v.GetString("tls-key")
	}
	if s.v.IsSet("tls-server-name") {
		p.TLS.ServerName = s.v.GetString("tls-server-name")
	}
	if s.v.IsSet("insecure-skip-verify") {
		p.TLS.InsecureSkipVerify = s.v.GetBool("insecure-skip-verify")
	}
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Client connects lazily; the first RPC dials.
func (s *Settings) Client(cmd *cobra.Command) (*rpcclient.Client, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if s.Verbose() {
		level = "debug"
	}
	logger, err := logging.New(level, "text", cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return clientFactory(cfg.Client, rpcclient.WithLogger(logger))
}

func (s *Settings) printer(w io.Writer) *Printer {
	return NewPrinter(s.Output(), w)
}

// verbosef prints a message to stderr if verbose mode is enabled
func (s *Settings) verbosef(cmd *cobra.Command, format string, args ...any) {
	if s.Verbose() {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}

// commandContext bounds a whole command, which may issue several RPCs.
func commandContext(cmd *cobra.Command, cfg rpcclient.Config) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 4*cfg.RequestTimeout+cfg.Pool.ConnectTimeout)
}

// NewRootCommand builds the cspctl command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(newSettings())
}

func newRootCommand(s *Settings) *cobra.Command {
	root := &cobra.Command{
		Use:   "cspctl",
		Short: "cspctl - operate a go-keychain-csp backend",
		Long: `cspctl manages keys on a go-keychain-csp backend and reports the
health of the connection pool and circuit breaker that front it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (YAML)")
	flags.String("address", "localhost:50051", "backend address")
	flags.Int("max-connections", 10, "connection pool size")
	flags.Duration("timeout", 10*time.Second, "per request timeout")
	flags.Bool("tls", true, "use TLS")
	flags.String("tls-ca", "", "CA bundle used to verify the backend")
	flags.String("tls-cert", "", "client certificate for mutual TLS")
	flags.String("tls-key", "", "client key for mutual TLS")
	flags.String("tls-server-name", "", "server name expected in the backend certificate")
	flags.Bool("insecure-skip-verify", false, "skip backend certificate verification")
	flags.StringP("output", "o", "text", "output format (text, json)")
	flags.BoolP("verbose", "v", false, "verbose output")
	_ = s.v.BindPFlags(flags)

	root.AddCommand(
		newVersionCommand(s),
		newHealthCommand(s),
		newStatsCommand(s),
		newKeysCommand(s),
		newSignCommand(s),
		newVerifyCommand(s),
		newEncryptCommand(s),
		newDecryptCommand(s),
		newSelfTestCommand(s),
	)
	return root
}

// Execute runs cspctl and prints any error in the selected format.
func Execute() error {
	root := NewRootCommand()
	err := root.Execute()
	if err != nil {
		output, _ := root.PersistentFlags().GetString("output")
		if env := os.Getenv("CSPCTL_OUTPUT"); env != "" && !root.PersistentFlags().Changed("output") {
			output = env
		}
		_ = NewPrinter(output, os.Stderr).PrintError(err) // best effort
	}
	return err
}
