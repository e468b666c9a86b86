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

package registry

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
)

func newSession(t *testing.T, r *Registry) Handle {
	t.Helper()
	h, err := r.CreateSession(0, "container", nil)
	require.NoError(t, err)
	return h
}

func newKey(t *testing.T, r *Registry, s Handle, spec uint32) Handle {
	t.Helper()
	h, err := r.CreateKey(s, KeyInfo{KeyID: "backend-key", KeySpec: spec, AlgID: 0x2400, Bits: 2048})
	require.NoError(t, err)
	return h
}

func TestHandleKinds(t *testing.T) {
	r := New()
	s := newSession(t, r)
	k := newKey(t, r, s, KeySpecSignature)
	h, err := r.CreateHash(s, 0x800c, 0)
	require.NoError(t, err)

	assert.Equal(t, KindSession, s.Kind())
	assert.Equal(t, KindKey, k.Kind())
	assert.Equal(t, KindHash, h.Kind())
	assert.Contains(t, k.String(), "key:")
}

func TestHandlesAreNotSequential(t *testing.T) {
	r := New()
	s := newSession(t, r)
	seen := make(map[Handle]bool)
	var prev Handle
	increments := 0
	for i := 0; i < 64; i++ {
		k := newKey(t, r, s, KeySpecSignature)
		require.False(t, seen[k], "duplicate handle")
		seen[k] = true
		if prev != 0 && k == prev+1 {
			increments++
		}
		prev = k
		require.NoError(t, r.DestroyKey(k))
	}
	assert.Less(t, increments, 2)
}

func TestCollisionRedraws(t *testing.T) {
	// Two identical draws then a distinct one.
	src := bytes.NewReader(append(append(
		[]byte{1, 0, 0, 0, 0, 0, 0, 0},
		[]byte{1, 0, 0, 0, 0, 0, 0, 0}...),
		[]byte{2, 0, 0, 0, 0, 0, 0, 0}...))
	r := New(WithRandom(src))

	a, err := r.CreateSession(0, "", nil)
	require.NoError(t, err)
	b, err := r.CreateSession(0, "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, makeHandle(KindSession, 2), b)
}

func TestRandomSourceFailure(t *testing.T) {
	r := New(WithRandom(bytes.NewReader(nil)))
	_, err := r.CreateSession(0, "", nil)
	assert.ErrorIs(t, err, csperr.ErrInternal)
}

func TestInvalidHandles(t *testing.T) {
	r := New()
	s := newSession(t, r)
	k := newKey(t, r, s, KeySpecExchange)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"zero session", func() error { _, err := r.Session(0); return err }},
		{"key as session", func() error { _, err := r.Session(k); return err }},
		{"session as key", func() error { _, err := r.Key(s); return err }},
		{"unknown key", func() error { _, err := r.Key(makeHandle(KindKey, 12345)); return err }},
		{"unknown hash", func() error { return r.AppendHash(makeHandle(KindHash, 1), nil) }},
		{"key as hash", func() error { return r.DestroyHash(k) }},
		{"create key in unknown session", func() error {
			_, err := r.CreateKey(makeHandle(KindSession, 9), KeyInfo{KeyID: "x"})
			return err
		}},
		{"hash bound to foreign key", func() error {
			other := newSession(t, r)
			_, err := r.CreateHash(other, 0x800c, k)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			require.Error(t, err)
			assert.ErrorIs(t, err, csperr.ErrInvalidHandle)
			assert.Equal(t, csperr.KindValidation, csperr.KindOf(err))
		})
	}
}

func TestReleaseSessionInvalidatesChildren(t *testing.T) {
	r := New()
	s := newSession(t, r)
	other := newSession(t, r)
	k := newKey(t, r, s, KeySpecSignature)
	dup, err := r.DuplicateKey(k)
	require.NoError(t, err)
	h, err := r.CreateHash(s, 0x800c, k)
	require.NoError(t, err)
	keep := newKey(t, r, other, KeySpecSignature)

	require.NoError(t, r.ReleaseSession(s))

	_, err = r.Key(k)
	assert.ErrorIs(t, err, csperr.ErrInvalidHandle)
	_, err = r.Key(dup)
	assert.ErrorIs(t, err, csperr.ErrInvalidHandle)
	assert.ErrorIs(t, r.AppendHash(h, []byte("x")), csperr.ErrInvalidHandle)
	_, err = r.FinalizeHash(h)
	assert.ErrorIs(t, err, csperr.ErrInvalidHandle)
	assert.ErrorIs(t, r.ReleaseSession(s), csperr.ErrInvalidHandle)

	_, err = r.Key(keep)
	assert.NoError(t, err)
	assert.Equal(t, Stats{Sessions: 1, Keys: 1, Hashes: 0}, r.Stats())
}

func TestKeyLifecycle(t *testing.T) {
	r := New()
	s := newSession(t, r)
	k, err := r.CreateKey(s, KeyInfo{KeyID: "kid", KeySpec: KeySpecExchange, Bits: 1024, PublicKey: []byte{1, 2, 3}})
	require.NoError(t, err)

	got, err := r.Key(k)
	require.NoError(t, err)
	assert.Equal(t, "kid", got.KeyID)
	assert.Equal(t, s, got.Session)
	got.PublicKey[0] = 9

	again, err := r.Key(k)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again.PublicKey, "lookups return copies")

	dup, err := r.DuplicateKey(k)
	require.NoError(t, err)
	assert.NotEqual(t, k, dup)
	require.NoError(t, r.DestroyKey(k))
	_, err = r.Key(dup)
	assert.NoError(t, err, "duplicate outlives the original handle")
	assert.ErrorIs(t, r.DestroyKey(k), csperr.ErrInvalidHandle)

	_, err = r.CreateKey(s, KeyInfo{})
	assert.ErrorIs(t, err, csperr.ErrInvalidParameter)
}

func TestFindKey(t *testing.T) {
	r := New()
	s := newSession(t, r)

	_, err := r.FindKey(s, KeySpecSignature)
	assert.ErrorIs(t, err, csperr.ErrKeyNotFound)

	newKey(t, r, s, KeySpecExchange)
	sig := newKey(t, r, s, KeySpecSignature)
	found, err := r.FindKey(s, KeySpecSignature)
	require.NoError(t, err)
	assert.Equal(t, sig, found.Handle)
}

func TestHashFinalization(t *testing.T) {
	r := New()
	s := newSession(t, r)
	h, err := r.CreateHash(s, 0x800c, 0)
	require.NoError(t, err)

	require.NoError(t, r.AppendHash(h, []byte("hello ")))
	require.NoError(t, r.AppendHash(h, []byte("world")))
	dup, err := r.DuplicateHash(h)
	require.NoError(t, err)

	snap, err := r.FinalizeHash(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), snap.Data)

	again, err := r.FinalizeHash(h)
	require.NoError(t, err, "finalizing twice is allowed")
	assert.Equal(t, snap, again)

	err = r.AppendHash(h, []byte("!"))
	assert.ErrorIs(t, err, csperr.ErrBadHashState)
	_, err = r.DuplicateHash(h)
	assert.ErrorIs(t, err, csperr.ErrBadHashState)

	info, err := r.Hash(h)
	require.NoError(t, err)
	assert.True(t, info.Finalized)
	assert.Equal(t, uint64(11), info.Length)

	// The duplicate is independent of the original.
	require.NoError(t, r.AppendHash(dup, []byte("!")))
	ds, err := r.Snapshot(dup)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world!"), ds.Data)
}

func TestSetHashValue(t *testing.T) {
	r := New()
	s := newSession(t, r)
	h, err := r.CreateHash(s, 0x800c, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, r.SetHashValue(h, nil), csperr.ErrInvalidParameter)
	digest := bytes.Repeat([]byte{0xab}, 32)
	require.NoError(t, r.SetHashValue(h, digest))

	snap, err := r.FinalizeHash(h)
	require.NoError(t, err)
	assert.Equal(t, digest, snap.Value)
	assert.ErrorIs(t, r.AppendHash(h, []byte("x")), csperr.ErrBadHashState)
}

func TestDestroyHash(t *testing.T) {
	r := New()
	s := newSession(t, r)
	h, err := r.CreateHash(s, 0x800c, 0)
	require.NoError(t, err)
	require.NoError(t, r.DestroyHash(h))
	assert.ErrorIs(t, r.DestroyHash(h), csperr.ErrInvalidHandle)
	assert.Zero(t, r.Stats().Hashes)
}

// Releasing a session while other goroutines use its handles yields only
// successes or invalid-handle errors.
func TestReleaseSessionRace(t *testing.T) {
	r := New()
	s := newSession(t, r)
	keys := make([]Handle, 8)
	hashes := make([]Handle, 8)
	for i := range keys {
		keys[i] = newKey(t, r, s, KeySpecSignature)
		h, err := r.CreateHash(s, 0x800c, keys[i])
		require.NoError(t, err)
		hashes[i] = h
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2048)
	start := make(chan struct{})
	for i := range keys {
		wg.Add(1)
		go func(k, h Handle) {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				if _, err := r.Key(k); err != nil {
					errs <- err
				}
				if err := r.AppendHash(h, []byte{byte(j)}); err != nil {
					errs <- err
				}
				if _, err := r.DuplicateKey(k); err != nil {
					errs <- err
				}
			}
		}(keys[i], hashes[i])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_ = r.ReleaseSession(s)
	}()
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		var e *csperr.Error
		require.True(t, errors.As(err, &e))
		assert.ErrorIs(t, err, csperr.ErrInvalidHandle)
	}
	assert.Equal(t, Stats{}, r.Stats())
}
