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

package pool

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig holds the client side transport security settings. CertFile and
// KeyFile enable mutual TLS when both are set.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	CertFile           string `yaml:"cert_file" json:"cert_file" mapstructure:"cert_file"`
	KeyFile            string `yaml:"key_file" json:"key_file" mapstructure:"key_file"`
	CAFile             string `yaml:"ca_file" json:"ca_file" mapstructure:"ca_file"`
	ServerName         string `yaml:"server_name" json:"server_name" mapstructure:"server_name"`
	MinVersion         string `yaml:"min_version" json:"min_version" mapstructure:"min_version"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("%w: tls cert_file and key_file must be set together", ErrInvalidConfig)
	}
	if c.MinVersion != "" {
		if _, err := ParseTLSVersion(c.MinVersion); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Load reads the certificate, key and CA bundle and returns a client
// tls.Config. It returns nil when TLS is disabled.
func (c TLSConfig) Load() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	minVersion := uint16(tls.VersionTLS12)
	if c.MinVersion != "" {
		v, err := ParseTLSVersion(c.MinVersion)
		if err != nil {
			return nil, err
		}
		minVersion = v
	}

	// #nosec G402 - InsecureSkipVerify is an explicit opt-in for test backends
	cfg := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		roots, err := LoadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = roots
	}
	return cfg, nil
}

// TransportCredentials returns gRPC credentials for the config: TLS when
// enabled, insecure otherwise.
func (c TLSConfig) TransportCredentials() (credentials.TransportCredentials, error) {
	tlsCfg, err := c.Load()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return insecure.NewCredentials(), nil
	}
	return credentials.NewTLS(tlsCfg), nil
}

// LoadCertPool reads PEM certificates from each file into a new pool.
func LoadCertPool(files ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, f := range files {
		// #nosec G304 - CA path comes from trusted configuration
		pem, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", f, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", f)
		}
	}
	return pool, nil
}

// ParseTLSVersion accepts TLS1.2 and TLS1.3.
func ParseTLSVersion(v string) (uint16, error) {
	switch v {
	case "TLS1.2", "1.2":
		return tls.VersionTLS12, nil
	case "TLS1.3", "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}
