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
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/breaker"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/health"
	"github.com/jeremyhahn/go-keychain-csp/pkg/pool"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer. Unknown formats print as text.
func NewPrinter(format string, writer io.Writer) *Printer {
	f := OutputFormat(strings.ToLower(format))
	if f != OutputFormatJSON {
		f = OutputFormatText
	}
	return &Printer{format: f, writer: writer}
}

type keyView struct {
	KeyID      string            `json:"key_id"`
	Name       string            `json:"name,omitempty"`
	Algorithm  string            `json:"algorithm"`
	KeySize    int32             `json:"key_size"`
	Usage      string            `json:"usage"`
	Exportable bool              `json:"exportable"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreatedAt  string            `json:"created_at,omitempty"`
	PublicKey  string            `json:"public_key,omitempty"`
}

func usageName(u cspv1.KeyUsage) string {
	switch u {
	case cspv1.KeyUsageSign:
		return "sign"
	case cspv1.KeyUsageEncrypt:
		return "encrypt"
	case cspv1.KeyUsageSignEncrypt:
		return "sign-encrypt"
	}
	return "unspecified"
}

func viewOf(k *cspv1.KeyMetadata, withPublic bool) keyView {
	v := keyView{
		KeyID:      k.KeyID,
		Name:       k.Name,
		Algorithm:  k.Algorithm.String(),
		KeySize:    k.KeySize,
		Usage:      usageName(k.Usage),
		Exportable: k.Exportable,
		Labels:     k.Labels,
	}
	if k.CreatedAt != nil {
		v.CreatedAt = k.CreatedAt.AsTime().UTC().Format(time.RFC3339)
	}
	if withPublic {
		v.PublicKey = base64.StdEncoding.EncodeToString(k.PublicKey)
	}
	return v
}

// PrintKeyList prints a list of keys
func (p *Printer) PrintKeyList(keys []*cspv1.KeyMetadata) error {
	if p.format == OutputFormatJSON {
		views := make([]keyView, len(keys))
		for i, k := range keys {
			views[i] = viewOf(k, false)
		}
		return p.printJSON(map[string]any{"keys": views})
	}
	if len(keys) == 0 {
		fmt.Fprintln(p.writer, "No keys found")
		return nil
	}
	fmt.Fprintf(p.writer, "%-36s %-20s %-12s %-6s %-12s\n", "KEY ID", "NAME", "ALGORITHM", "BITS", "USAGE")
	fmt.Fprintln(p.writer, strings.Repeat("-", 90))
	for _, k := range keys {
		fmt.Fprintf(p.writer, "%-36s %-20s %-12s %-6d %-12s\n",
			k.KeyID, k.Name, k.Algorithm, k.KeySize, usageName(k.Usage))
	}
	return nil
}

// PrintKey prints one key, public key included.
func (p *Printer) PrintKey(k *cspv1.KeyMetadata) error {
	v := viewOf(k, true)
	if p.format == OutputFormatJSON {
		return p.printJSON(v)
	}
	fmt.Fprintf(p.writer, "Key ID:     %s\n", v.KeyID)
	if v.Name != "" {
		fmt.Fprintf(p.writer, "Name:       %s\n", v.Name)
	}
	fmt.Fprintf(p.writer, "Algorithm:  %s\n", v.Algorithm)
	fmt.Fprintf(p.writer, "Key size:   %d\n", v.KeySize)
	fmt.Fprintf(p.writer, "Usage:      %s\n", v.Usage)
	fmt.Fprintf(p.writer, "Exportable: %t\n", v.Exportable)
	if v.CreatedAt != "" {
		fmt.Fprintf(p.writer, "Created:    %s\n", v.CreatedAt)
	}
	if len(v.Labels) > 0 {
		names := make([]string, 0, len(v.Labels))
		for name := range v.Labels {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(p.writer, "Labels:")
		for _, name := range names {
			fmt.Fprintf(p.writer, "  %s=%s\n", name, v.Labels[name])
		}
	}
	fmt.Fprintf(p.writer, "Public key: %s\n", v.PublicKey)
	return nil
}

// PrintData prints binary output base64 encoded under label.
func (p *Printer) PrintData(label string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]any{label: encoded})
	}
	fmt.Fprintln(p.writer, encoded)
	return nil
}

// PrintVerification prints the verdict of a signature check.
func (p *Printer) PrintVerification(valid bool) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]any{"valid": valid})
	}
	if valid {
		fmt.Fprintln(p.writer, "Signature is valid")
	} else {
		fmt.Fprintln(p.writer, "Signature is NOT valid")
	}
	return nil
}

// PrintHealth prints the aggregate and per-check health.
func (p *Printer) PrintHealth(version string, results []health.CheckResult) error {
	status := health.AggregateStatus(results)
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]any{
			"status":  status,
			"version": version,
			"checks":  results,
		})
	}
	fmt.Fprintf(p.writer, "Status:  %s\n", status)
	if version != "" {
		fmt.Fprintf(p.writer, "Version: %s\n", version)
	}
	for _, r := range results {
		line := fmt.Sprintf("  %-10s %-10s %s", r.Name, r.Status, r.Message)
		if r.Error != "" {
			line += " (" + r.Error + ")"
		}
		fmt.Fprintln(p.writer, strings.TrimRight(line, " "))
	}
	return nil
}

// PrintStats prints the client, pool and breaker counters.
func (p *Printer) PrintStats(c rpcclient.Stats, ps pool.Stats, b breaker.Snapshot) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]any{
			"client": c,
			"pool":   ps,
			"breaker": map[string]any{
				"state":                b.State.String(),
				"generation":           b.Generation,
				"consecutive_failures": b.ConsecutiveFailures,
				"rejections":           b.Rejections,
				"transitions":          b.Transitions,
			},
		})
	}
	fmt.Fprintln(p.writer, "Client:")
	fmt.Fprintf(p.writer, "  Requests:          %d\n", c.TotalRequests)
	fmt.Fprintf(p.writer, "  Successful:        %d\n", c.SuccessfulRequests)
	fmt.Fprintf(p.writer, "  Failed:            %d\n", c.FailedRequests)
	fmt.Fprintf(p.writer, "  Breaker rejects:   %d\n", c.CircuitBreakerRejects)
	fmt.Fprintf(p.writer, "  Pool exhausted:    %d\n", c.PoolExhausted)
	fmt.Fprintln(p.writer, "Pool:")
	fmt.Fprintf(p.writer, "  Active/Idle/Max:   %d/%d/%d\n", ps.Active, ps.Idle, ps.MaxConnections)
	fmt.Fprintf(p.writer, "  Created/Reused:    %d/%d\n", ps.Created, ps.Reused)
	fmt.Fprintf(p.writer, "  Discarded:         %d\n", ps.Discarded)
	fmt.Fprintln(p.writer, "Breaker:")
	fmt.Fprintf(p.writer, "  State:             %s\n", b.State)
	fmt.Fprintf(p.writer, "  Failures:          %d\n", b.ConsecutiveFailures)
	fmt.Fprintf(p.writer, "  Transitions:       %d\n", b.Transitions)
	return nil
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]any{"success": true, "message": message})
	}
	fmt.Fprintln(p.writer, message)
	return nil
}

// PrintError prints an error with its provider error code.
func (p *Printer) PrintError(err error) error {
	c := csperr.ContextOf(err)
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]any{
			"error": err.Error(),
			"code":  c.Code.String(),
			"kind":  c.Kind.String(),
		})
	}
	_, werr := fmt.Fprintf(p.writer, "Error: %v\n", err)
	return werr
}

// printJSON prints data as indented JSON
func (p *Printer) printJSON(data any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
