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
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
)

// input selects where a command reads its payload from. Data given with
// --data is taken literally unless --base64 is set; --in reads a file, or
// stdin when the path is "-".
type input struct {
	data    string
	file    string
	encoded bool
}

func (in *input) bind(cmd *cobra.Command, what string) {
	cmd.Flags().StringVarP(&in.data, "data", "d", "", what+" given inline")
	cmd.Flags().StringVarP(&in.file, "in", "i", "", what+" file, or - for stdin")
	cmd.Flags().BoolVar(&in.encoded, "base64", false, what+" is base64 encoded")
}

func (in *input) read(cmd *cobra.Command, op string) ([]byte, error) {
	var raw []byte
	switch {
	case in.data != "" && in.file != "":
		return nil, csperr.Validation(csperr.InvalidParameter, op, "--data and --in are mutually exclusive")
	case in.data != "":
		raw = []byte(in.data)
	case in.file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		raw = b
	case in.file != "":
		b, err := os.ReadFile(in.file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, csperr.Validation(csperr.InvalidParameter, op, "one of --data or --in is required")
	}
	if in.encoded {
		return decodeBase64(op, string(raw))
	}
	return raw, nil
}

func decodeBase64(op, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, csperr.Wrap(csperr.KindValidation, csperr.BadData, op, err)
	}
	return b, nil
}

func parseHash(name string) (cspv1.HashAlgorithm, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "sha1":
		return cspv1.HashAlgorithmSHA1, nil
	case "sha256":
		return cspv1.HashAlgorithmSHA256, nil
	case "sha384":
		return cspv1.HashAlgorithmSHA384, nil
	case "sha512":
		return cspv1.HashAlgorithmSHA512, nil
	}
	return cspv1.HashAlgorithmUnspecified, csperr.Validation(csperr.BadAlgorithm, "hash", fmt.Sprintf("unsupported hash %q", name))
}

func padding(oaep bool) cspv1.Padding {
	if oaep {
		return cspv1.PaddingOAEP
	}
	return cspv1.PaddingPKCS1v15
}

func newSignCommand(s *Settings) *cobra.Command {
	var (
		in        input
		hash      string
		prehashed bool
	)
	cmd := &cobra.Command{
		Use:   "sign <key-id>",
		Short: "Sign data and print the base64 signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHash(hash)
			if err != nil {
				return err
			}
			data, err := in.read(cmd, "sign")
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

			sig, err := client.SignData(ctx, args[0], data, h, prehashed)
			if err != nil {
				return err
			}
			return s.printer(cmd.OutOrStdout()).PrintData("signature", sig)
		},
	}
	in.bind(cmd, "data")
	cmd.Flags().StringVar(&hash, "hash", "sha256", "sha1, sha256, sha384 or sha512")
	cmd.Flags().BoolVar(&prehashed, "prehashed", false, "data is already a digest")
	return cmd
}

func newVerifyCommand(s *Settings) *cobra.Command {
	var (
		in        input
		hash      string
		signature string
		prehashed bool
	)
	cmd := &cobra.Command{
		Use:   "verify <key-id>",
		Short: "Verify a base64 signature over data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHash(hash)
			if err != nil {
				return err
			}
			sig, err := decodeBase64("verify", signature)
			if err != nil {
				return err
			}
			data, err := in.read(cmd, "verify")
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

			valid, err := client.VerifySignature(ctx, args[0], data, sig, h, prehashed)
			if err != nil {
				return err
			}
			return s.printer(cmd.OutOrStdout()).PrintVerification(valid)
		},
	}
	in.bind(cmd, "data")
	cmd.Flags().StringVarP(&signature, "signature", "s", "", "base64 signature")
	cmd.Flags().StringVar(&hash, "hash", "sha256", "sha1, sha256, sha384 or sha512")
	cmd.Flags().BoolVar(&prehashed, "prehashed", false, "data is already a digest")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func newEncryptCommand(s *Settings) *cobra.Command {
	var (
		in   input
		oaep bool
	)
	cmd := &cobra.Command{
		Use:   "encrypt <key-id>",
		Short: "Encrypt data with an RSA key and print the base64 ciphertext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := in.read(cmd, "encrypt")
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

			ct, err := client.EncryptData(ctx, args[0], data, padding(oaep))
			if err != nil {
				return err
			}
			return s.printer(cmd.OutOrStdout()).PrintData("ciphertext", ct)
		},
	}
	in.bind(cmd, "plaintext")
	cmd.Flags().BoolVar(&oaep, "oaep", false, "use OAEP padding instead of PKCS#1 v1.5")
	return cmd
}

func newDecryptCommand(s *Settings) *cobra.Command {
	var (
		in   input
		oaep bool
	)
	cmd := &cobra.Command{
		Use:   "decrypt <key-id>",
		Short: "Decrypt base64 ciphertext and print the plaintext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.encoded = true
			ct, err := in.read(cmd, "decrypt")
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

			pt, err := client.DecryptData(ctx, args[0], ct, padding(oaep))
			if err != nil {
				return err
			}
			if s.Output() == string(OutputFormatJSON) {
				return s.printer(cmd.OutOrStdout()).PrintData("plaintext", pt)
			}
			_, err = cmd.OutOrStdout().Write(pt)
			return err
		},
	}
	cmd.Flags().StringVarP(&in.data, "data", "d", "", "base64 ciphertext given inline")
	cmd.Flags().StringVarP(&in.file, "in", "i", "", "base64 ciphertext file, or - for stdin")
	cmd.Flags().BoolVar(&oaep, "oaep", false, "use OAEP padding instead of PKCS#1 v1.5")
	return cmd
}
