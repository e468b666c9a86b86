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

package server

import (
	"fmt"

	"github.com/jeremyhahn/go-keychain-csp/internal/config"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
)

// Reload applies the parts of cfg that can change without a restart.
// Currently only logging; listener, TLS and metrics changes need a restart.
func (s *Server) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Logging.Level != s.config.Logging.Level || cfg.Logging.Format != s.config.Logging.Format {
		logger, err := cfg.Logger(s.out)
		if err != nil {
			return fmt.Errorf("failed to reload logging configuration: %w", err)
		}
		logger.Info("Logging configuration updated",
			logging.String("old_level", s.config.Logging.Level),
			logging.String("new_level", cfg.Logging.Level),
			logging.String("format", cfg.Logging.Format))
		s.logger = logger
	}
	if cfg.Server.Address != s.config.Server.Address || cfg.Server.HTTPAddress != s.config.Server.HTTPAddress {
		s.logger.Warn("Listener address changes take effect after restart")
	}

	s.config = cfg
	return nil
}
