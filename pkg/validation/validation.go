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

// Package validation checks identifiers that cross the provider and backend
// boundary: key IDs, container names and key labels.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	MaxKeyIDLength         = 255
	MaxContainerNameLength = 260
	MaxLabelKeyLength      = 128
	MaxLabelValueLength    = 1024
	maxLogLength           = 1000
)

var (
	keyIDPattern    = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)
	labelKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\./]+$`)
)

func hasControl(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 || unicode.Is(unicode.Bidi_Control, r) {
			return true
		}
	}
	return false
}

// ValidateKeyID checks a backend key identifier. IDs are opaque but must be
// short, printable and free of path or shell metacharacters.
func ValidateKeyID(keyID string) error {
	if keyID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}
	if len(keyID) > MaxKeyIDLength {
		return fmt.Errorf("key ID too long (max %d characters)", MaxKeyIDLength)
	}
	if hasControl(keyID) {
		return fmt.Errorf("key ID contains control characters")
	}
	if strings.Contains(keyID, "..") {
		return fmt.Errorf("key ID contains path traversal attempt")
	}
	if !keyIDPattern.MatchString(keyID) {
		return fmt.Errorf("key ID contains invalid characters (allowed: a-z, A-Z, 0-9, -, _, .)")
	}
	return nil
}

// ValidateContainerName checks a key container name. Names are free text
// up to MAX_PATH characters without control characters. Empty means the
// default container and is accepted.
func ValidateContainerName(name string) error {
	if len(name) > MaxContainerNameLength {
		return fmt.Errorf("container name too long (max %d characters)", MaxContainerNameLength)
	}
	if hasControl(name) {
		return fmt.Errorf("container name contains control characters")
	}
	return nil
}

// ValidateLabels checks label keys and values. A nil map is valid.
func ValidateLabels(labels map[string]string) error {
	for k, v := range labels {
		if k == "" {
			return fmt.Errorf("label key cannot be empty")
		}
		if len(k) > MaxLabelKeyLength {
			return fmt.Errorf("label key %q too long (max %d characters)", SanitizeForLog(k[:32]), MaxLabelKeyLength)
		}
		if !labelKeyPattern.MatchString(k) {
			return fmt.Errorf("label key %q contains invalid characters", SanitizeForLog(k))
		}
		if len(v) > MaxLabelValueLength {
			return fmt.Errorf("label %s value too long (max %d characters)", k, MaxLabelValueLength)
		}
		if hasControl(v) {
			return fmt.Errorf("label %s value contains control characters", k)
		}
	}
	return nil
}

// SanitizeForLog sanitizes a string for safe logging (prevents log injection).
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 || unicode.Is(unicode.Bidi_Control, r) {
			return -1
		}
		return r
	}, s)

	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}
