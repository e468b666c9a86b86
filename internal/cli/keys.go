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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

func newKeysCommand(s *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage backend keys",
	}
	cmd.AddCommand(
		newKeysListCommand(s),
		newKeysGenerateCommand(s),
		newKeysGetCommand(s),
		newKeysDeleteCommand(s),
	)
	return cmd
}

// parseLabels turns k=v pairs into a map.
func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, csperr.Validation(csperr.InvalidParameter, "labels", fmt.Sprintf("label %q is not key=value", pair))
		}
		labels[k] = v
	}
	return labels, nil
}

func parseAlgorithm(name string) (cspv1.KeyAlgorithm, error) {
	switch strings.ToLower(name) {
	case "rsa":
		return cspv1.KeyAlgorithmRSA, nil
	case "ecdsa-p256", "p256":
		return cspv1.KeyAlgorithmECDSAP256, nil
	case "ecdsa-p384", "p384":
		return cspv1.KeyAlgorithmECDSAP384, nil
	case "ecdsa-p521", "p521":
		return cspv1.KeyAlgorithmECDSAP521, nil
	}
	return cspv1.KeyAlgorithmUnspecified, csperr.Validation(csperr.BadAlgorithm, "algorithm", fmt.Sprintf("unsupported algorithm %q", name))
}

func parseUsage(name string) (cspv1.KeyUsage, error) {
	switch strings.ToLower(name) {
	case "sign":
		return cspv1.KeyUsageSign, nil
	case "encrypt":
		return cspv1.KeyUsageEncrypt, nil
	case "sign-encrypt", "both":
		return cspv1.KeyUsageSignEncrypt, nil
	}
	return cspv1.KeyUsageUnspecified, csperr.Validation(csperr.InvalidParameter, "usage", fmt.Sprintf("unsupported usage %q", name))
}

func newKeysListCommand(s *Settings) *cobra.Command {
	var (
		labels   []string
		pageSize int
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys, optionally filtered by label",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseLabels(labels)
			if err != nil {
				return err
			}
			client, err := s.Client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := commandContext(cmd, client.Config())
			defer cancel()

			var keys []*cspv1.KeyMetadata
			opts := rpcclient.ListOptions{Labels: filter, PageSize: pageSize}
			for {
				page, err := client.ListKeys(ctx, opts)
				if err != nil {
					return err
				}
				keys = append(keys, page.Keys...)
				if !all || page.NextPageToken == "" {
					break
				}
				opts.PageToken = page.NextPageToken
			}
			s.verbosef(cmd, "listed %d keys", len(keys))
			return s.printer(cmd.OutOrStdout()).PrintKeyList(keys)
		},
	}
	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "label filter as key=value (repeatable)")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "keys per page")
	cmd.Flags().BoolVar(&all, "all", true, "follow page tokens until every key is listed")
	return cmd
}

func newKeysGenerateCommand(s *Settings) *cobra.Command {
	var (
		name       string
		algorithm  string
		size       int
		usage      string
		labels     []string
		exportable bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := parseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			u, err := parseUsage(usage)
			if err != nil {
				return err
			}
			lbls, err := parseLabels(labels)
			if err != nil {
				return err
			}
			client, err := s.Client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := commandContext(cmd, client.Config())
			defer cancel()

			key, err := client.GenerateKey(ctx, rpcclient.KeySpec{
				Name:       name,
				Algorithm:  alg,
				KeySize:    size,
				Usage:      u,
				Exportable: exportable,
				Labels:     lbls,
			})
			if err != nil {
				return err
			}
			return s.printer(cmd.OutOrStdout()).PrintKey(key)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "key name")
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "rsa", "rsa, ecdsa-p256, ecdsa-p384 or ecdsa-p521")
	cmd.Flags().IntVar(&size, "size", 0, "RSA key size in bits (backend default when 0)")
	cmd.Flags().StringVarP(&usage, "usage", "u", "sign", "sign, encrypt or sign-encrypt")
	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "label as key=value (repeatable)")
	cmd.Flags().BoolVar(&exportable, "exportable", false, "mark the key exportable")
	return cmd
}

func newKeysGetCommand(s *Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key-id>",
		Short: "Show one key and its public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.Client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := commandContext(cmd, client.Config())
			defer cancel()

			key, err := client.GetKey(ctx, args[0])
			if err != nil {
				return err
			}
			return s.printer(cmd.OutOrStdout()).PrintKey(key)
		},
	}
}

func newKeysDeleteCommand(s *Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.Client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := commandContext(cmd, client.Config())
			defer cancel()

			if err := client.DeleteKey(ctx, args[0]); err != nil {
				return err
			}
			return s.printer(cmd.OutOrStdout()).PrintSuccess(fmt.Sprintf("Key %s deleted", args[0]))
		},
	}
}
