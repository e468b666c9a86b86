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

package cli

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keychain-csp/pkg/health"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

// ErrUnhealthy is returned by the health command when any check fails, so
// scripts can rely on the exit status.
var ErrUnhealthy = errors.New("backend is unhealthy")

// waitForBackend calls Health on the backend with backoff until it answers or wait
// runs out. Every attempt goes through the client, so the breaker still
// gates it.
func waitForBackend(ctx context.Context, client *rpcclient.Client, wait time.Duration) error {
	policy := retrypolicy.Builder[any]().
		WithMaxRetries(-1).
		WithMaxDuration(wait).
		WithBackoff(50*time.Millisecond, time.Second).
		Build()
	return failsafe.NewExecutor[any](policy).WithContext(ctx).Run(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, client.Config().RequestTimeout)
		defer cancel()
		_, err := client.Health(attemptCtx)
		return err
	})
}

func newHealthCommand(s *Settings) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check backend reachability and circuit breaker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.Client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if wait > 0 {
				parent := cmd.Context()
				if parent == nil {
					parent = context.Background()
				}
				waitCtx, cancel := context.WithTimeout(parent, wait+client.Config().RequestTimeout)
				err := waitForBackend(waitCtx, client, wait)
				cancel()
				if err != nil {
					s.verbosef(cmd, "backend not ready after %s: %v", wait, err)
				}
			}

			ctx, cancel := commandContext(cmd, client.Config())
			defer cancel()

			var version string
			checker := health.NewChecker()
			checker.RegisterCheck("backend", health.ErrorCheck("backend", func(ctx context.Context) error {
				resp, err := client.Health(ctx)
				if err != nil {
					return err
				}
				version = resp.Version
				return nil
			}))
			checker.RegisterCheck("breaker", health.BreakerCheck("breaker", client.BreakerState))

			// Ready runs checks in name order, so the backend call settles
			// the breaker before its state is read.
			results := checker.Ready(ctx)
			s.verbosef(cmd, "address %s", client.Config().Pool.Address)
			if err := s.printer(cmd.OutOrStdout()).PrintHealth(version, results); err != nil {
				return err
			}
			if health.AggregateStatus(results) == health.StatusUnhealthy {
				return ErrUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "retry with backoff for up to this long until the backend answers")
	return cmd
}

func newStatsCommand(s *Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Check the backend once and print client, pool and breaker counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.Client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := commandContext(cmd, client.Config())
			defer cancel()
			if _, err := client.Health(ctx); err != nil {
				s.verbosef(cmd, "health check failed: %v", err)
			}
			return s.printer(cmd.OutOrStdout()).PrintStats(client.Stats(), client.PoolStats(), client.BreakerSnapshot())
		},
	}
}
