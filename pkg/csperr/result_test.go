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

package csperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult(t *testing.T) {
	ok := Ok(42)
	assert.True(t, ok.IsOk())
	assert.Equal(t, 42, ok.Value())
	assert.NoError(t, ok.Err())
	assert.Nil(t, ok.Error())
	assert.Equal(t, KindUnknown, ok.Kind())

	failed := Failed[int](Admission(Busy, "Acquire", "pool exhausted"))
	assert.False(t, failed.IsOk())
	assert.Equal(t, KindAdmission, failed.Kind())
	v, err := failed.Unwrap()
	assert.Zero(t, v)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestFailed_NilIsNotSuccess(t *testing.T) {
	r := Failed[string](nil)
	assert.False(t, r.IsOk())
	assert.Equal(t, InternalError, r.Error().Code)
}

func TestContextOf(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		c := ContextOf(nil)
		assert.Equal(t, Success, c.Code)
	})

	t.Run("translated", func(t *testing.T) {
		err := Validation(InvalidHandle, "DestroyHash", "").WithDetail("handle 0x3000000000000001")
		c := ContextOf(err)
		assert.Equal(t, InvalidHandle, c.Code)
		assert.Equal(t, KindValidation, c.Kind)
		assert.Equal(t, "the handle is invalid", c.Message)
		assert.Equal(t, "handle 0x3000000000000001", c.Detail)
		assert.Contains(t, c.Function, "TestContextOf")
		assert.Contains(t, c.String(), "0x00000006")
	})

	t.Run("untranslated", func(t *testing.T) {
		c := ContextOf(errors.New("disk on fire"))
		assert.Equal(t, InternalError, c.Code)
		assert.Equal(t, "disk on fire", c.Detail)
		require.NotEmpty(t, c.Function)
	})
}
