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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keychain-csp/pkg/health"
	"github.com/jeremyhahn/go-keychain-csp/pkg/provider"
	"github.com/jeremyhahn/go-keychain-csp/pkg/registry"
)

// ErrSelfTestFailed is returned when any self test step fails.
var ErrSelfTestFailed = errors.New("self test failed")

// selfTest drives one provider session end to end in a throwaway container.
type selfTest struct {
	p         *provider.Provider
	container string
	bits      uint32
	message   []byte

	prov     registry.Handle
	key      registry.Handle
	imported registry.Handle
	sig      []byte
	blob     []byte
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

func (t *selfTest) steps() []step {
	return []step{
		{"acquire", t.acquire},
		{"genkey", t.genKey},
		{"sign", t.sign},
		{"export", t.export},
		{"import", t.importKey},
		{"verify", t.verify},
	}
}

func (t *selfTest) acquire(ctx context.Context) (err error) {
	t.prov, err = t.p.AcquireContext(ctx, t.container, provider.NewKeyset)
	return err
}

func (t *selfTest) genKey(ctx context.Context) (err error) {
	t.key, err = t.p.GenKey(ctx, t.prov, provider.AtSignature, t.bits<<16|provider.Exportable)
	return err
}

func (t *selfTest) hashMessage() (registry.Handle, error) {
	h, err := t.p.CreateHash(t.prov, provider.AlgSHA256, 0, 0)
	if err != nil {
		return 0, err
	}
	if err := t.p.HashData(t.prov, h, t.message, 0); err != nil {
		_ = t.p.DestroyHash(t.prov, h)
		return 0, err
	}
	return h, nil
}

func (t *selfTest) sign(ctx context.Context) error {
	h, err := t.hashMessage()
	if err != nil {
		return err
	}
	defer t.p.DestroyHash(t.prov, h)

	n, err := t.p.SignHash(ctx, t.prov, h, provider.AtSignature, 0, nil)
	if err != nil && n == 0 {
		return err
	}
	t.sig = make([]byte, n)
	n, err = t.p.SignHash(ctx, t.prov, h, provider.AtSignature, 0, t.sig)
	if err != nil {
		return err
	}
	t.sig = t.sig[:n]
	return nil
}

func (t *selfTest) export(ctx context.Context) error {
	n, err := t.p.ExportKey(t.prov, t.key, 0, provider.PublicKeyBlob, 0, nil)
	if err != nil && n == 0 {
		return err
	}
	t.blob = make([]byte, n)
	n, err = t.p.ExportKey(t.prov, t.key, 0, provider.PublicKeyBlob, 0, t.blob)
	if err != nil {
		return err
	}
	t.blob = t.blob[:n]
	return nil
}

func (t *selfTest) importKey(ctx context.Context) (err error) {
	t.imported, err = t.p.ImportKey(ctx, t.prov, t.blob, 0, 0)
	return err
}

func (t *selfTest) verify(ctx context.Context) error {
	h, err := t.hashMessage()
	if err != nil {
		return err
	}
	defer t.p.DestroyHash(t.prov, h)
	return t.p.VerifySignature(ctx, t.prov, h, t.sig, t.imported, 0)
}

// cleanup releases the session and removes the container's keys.
func (t *selfTest) cleanup(ctx context.Context) error {
	if t.prov == 0 {
		return nil
	}
	_ = t.p.ReleaseContext(t.prov, 0)
	_, err := t.p.AcquireContext(ctx, t.container, provider.DeleteKeyset)
	return err
}

// run executes steps in order and stops at the first failure. Later steps
// are reported as skipped.
func (t *selfTest) run(ctx context.Context) []health.CheckResult {
	var results []health.CheckResult
	failed := false
	for _, st := range t.steps() {
		if failed {
			results = append(results, health.CheckResult{Name: st.name, Status: health.StatusDegraded, Message: "skipped"})
			continue
		}
		start := time.Now()
		err := st.run(ctx)
		r := health.CheckResult{Name: st.name, Status: health.StatusHealthy, Latency: time.Since(start)}
		if err != nil {
			failed = true
			r.Status = health.StatusUnhealthy
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	r := health.CheckResult{Name: "cleanup", Status: health.StatusHealthy}
	if err := t.cleanup(ctx); err != nil {
		r.Status = health.StatusUnhealthy
		r.Error = err.Error()
	}
	return append(results, r)
}

func newSelfTestCommand(s *Settings) *cobra.Command {
	var (
		bits      uint32
		container string
	)
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run a provider round trip: create, sign, export, import, verify, delete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.Config()
			if err != nil {
				return err
			}
			client, err := s.Client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			p, err := provider.New(client,
				provider.WithName(cfg.Provider.Name),
				provider.WithDefaultContainer(cfg.Provider.DefaultContainer))
			if err != nil {
				return err
			}
			if container == "" {
				container = "cspctl-selftest-" + uuid.NewString()
			}
			s.verbosef(cmd, "self test container %s", container)

			ctx, cancel := commandContext(cmd, client.Config())
			defer cancel()

			t := &selfTest{p: p, container: container, bits: bits, message: []byte(fmt.Sprintf("cspctl self test %s", container))}
			results := t.run(ctx)
			if err := s.printer(cmd.OutOrStdout()).PrintHealth("", results); err != nil {
				return err
			}
			if health.AggregateStatus(results) != health.StatusHealthy {
				return ErrSelfTestFailed
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&bits, "size", 2048, "RSA key size in bits")
	cmd.Flags().StringVar(&container, "container", "", "container name (random when empty)")
	return cmd
}
