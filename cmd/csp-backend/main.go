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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keychain-csp/internal/config"
	"github.com/jeremyhahn/go-keychain-csp/internal/server"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
)

var (
	// Version information (set during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		configPath  string
		showVersion bool
	)
	cmd := &cobra.Command{
		Use:           "csp-backend",
		Short:         "Reference key backend for go-keychain-csp",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "csp-backend\n")
				fmt.Fprintf(cmd.OutOrStdout(), "  Version:    %s\n", version)
				fmt.Fprintf(cmd.OutOrStdout(), "  Git Commit: %s\n", commit)
				fmt.Fprintf(cmd.OutOrStdout(), "  Built:      %s\n", date)
				return nil
			}
			if env := os.Getenv("CSP_CONFIG"); env != "" && !cmd.Flags().Changed("config") {
				configPath = env
			}
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx := server.SetupSignalHandler()
	if err := srv.Start(); err != nil {
		return err
	}

	logger, _ := cfg.Logger(os.Stderr)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			next, err := loadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload configuration", logging.Err(err))
				continue
			}
			if err := srv.Reload(next); err != nil {
				logger.Error("Failed to apply configuration", logging.Err(err))
			}
		case <-ctx.Done():
			return srv.Shutdown()
		}
	}
}
