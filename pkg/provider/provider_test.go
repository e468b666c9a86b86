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

package provider_test

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/jeremyhahn/go-keychain-csp/internal/testutil"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/provider"
	"github.com/jeremyhahn/go-keychain-csp/pkg/registry"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

// rsa1024 keeps key generation fast.
const rsa1024 = 1024 << 16

func newProvider(t *testing.T, opts ...provider.Option) (*provider.Provider, *testutil.Backend) {
	t.Helper()
	b := testutil.NewBackend(t)
	cfg := rpcclient.DefaultConfig()
	cfg.Pool = b.PoolConfig()
	cfg.RequestTimeout = 5 * time.Second
	client, err := rpcclient.New(cfg, rpcclient.WithDialOptions(b.DialOptions()...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	p, err := provider.New(client, opts...)
	require.NoError(t, err)
	return p, b
}

func newContainer(t *testing.T, p *provider.Provider, name string) registry.Handle {
	t.Helper()
	h, err := p.AcquireContext(context.Background(), name, provider.NewKeyset)
	require.NoError(t, err)
	return h
}

func hashOf(t *testing.T, p *provider.Provider, prov registry.Handle, data []byte) registry.Handle {
	t.Helper()
	h, err := p.CreateHash(prov, provider.AlgSHA256, 0, 0)
	require.NoError(t, err)
	require.NoError(t, p.HashData(prov, h, data, 0))
	return h
}

func TestNewRequiresClient(t *testing.T) {
	_, err := provider.New(nil)
	assert.ErrorIs(t, err, provider.ErrNilClient)
}

func TestAcquireContextLifecycle(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()

	_, err := p.AcquireContext(ctx, "vault", 0)
	assert.ErrorIs(t, err, csperr.ErrBadKeyset)

	h := newContainer(t, p, "vault")
	s, err := p.Registry().Session(h)
	require.NoError(t, err)
	assert.Equal(t, "vault", s.Container)

	_, err = p.AcquireContext(ctx, "vault", provider.NewKeyset)
	assert.ErrorIs(t, err, csperr.ErrKeyExists)

	require.NoError(t, p.ReleaseContext(h, 0))
	h, err = p.AcquireContext(ctx, "vault", 0)
	require.NoError(t, err)
	require.NoError(t, p.ReleaseContext(h, 0))

	h, err = p.AcquireContext(ctx, "vault", provider.DeleteKeyset)
	require.NoError(t, err)
	assert.Zero(t, h)

	_, err = p.AcquireContext(ctx, "vault", 0)
	assert.ErrorIs(t, err, csperr.ErrBadKeyset)
	_, err = p.AcquireContext(ctx, "vault", provider.DeleteKeyset)
	assert.ErrorIs(t, err, csperr.ErrBadKeyset)
}

func TestAcquireContextDefaultContainer(t *testing.T) {
	p, _ := newProvider(t)
	h := newContainer(t, p, "")
	s, err := p.Registry().Session(h)
	require.NoError(t, err)
	assert.Equal(t, provider.DefaultContainer, s.Container)

	p, _ = newProvider(t, provider.WithDefaultContainer("ops"))
	h = newContainer(t, p, "")
	s, err = p.Registry().Session(h)
	require.NoError(t, err)
	assert.Equal(t, "ops", s.Container)
}

func TestAcquireContextRejects(t *testing.T) {
	p, b := newProvider(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		container string
		flags     uint32
		code      csperr.Code
	}{
		{"unknown flag", "c", 0x1, csperr.BadFlags},
		{"new and delete", "c", provider.NewKeyset | provider.DeleteKeyset, csperr.BadFlags},
		{"verify with container", "c", provider.VerifyContext, csperr.BadFlags},
		{"verify with new keyset", "", provider.VerifyContext | provider.NewKeyset, csperr.BadFlags},
		{"long name", strings.Repeat("x", 261), provider.NewKeyset, csperr.InvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.AcquireContext(ctx, tt.container, tt.flags)
			assert.Equal(t, tt.code, csperr.CodeOf(err))
		})
	}
	assert.Zero(t, b.Calls())
}

func TestVerifyContextNeedsNoBackend(t *testing.T) {
	p, b := newProvider(t)
	h, err := p.AcquireContext(context.Background(), "", provider.VerifyContext)
	require.NoError(t, err)
	assert.Zero(t, b.Calls())

	_, err = p.GenKey(context.Background(), h, provider.AtSignature, rsa1024)
	assert.ErrorIs(t, err, csperr.ErrPermission)
	_, err = p.GetUserKey(context.Background(), h, provider.AtSignature)
	assert.ErrorIs(t, err, csperr.ErrKeyNotFound)
}

func TestGenKeyRejects(t *testing.T) {
	p, b := newProvider(t)
	h := newContainer(t, p, "c")
	ctx := context.Background()
	calls := b.Calls()

	tests := []struct {
		name  string
		alg   uint32
		flags uint32
		code  csperr.Code
	}{
		{"symmetric", provider.AlgAES128, 0, csperr.BadAlgorithm},
		{"rsa size", provider.AtSignature, 1000 << 16, csperr.BadFlags},
		{"ecdsa size", provider.AlgECDSA, 300 << 16, csperr.BadFlags},
		{"flags", provider.AtSignature, rsa1024 | 0x80, csperr.BadFlags},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.GenKey(ctx, h, tt.alg, tt.flags)
			assert.Equal(t, tt.code, csperr.CodeOf(err))
		})
	}
	_, err := p.GenKey(ctx, registry.Handle(12345), provider.AtSignature, rsa1024)
	assert.ErrorIs(t, err, csperr.ErrInvalidHandle)
	assert.Equal(t, calls, b.Calls())
}

func TestSignExportImportVerify(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "signer")

	key, err := p.GenKey(ctx, prov, provider.AtSignature, rsa1024|provider.Exportable)
	require.NoError(t, err)

	data := []byte("the quick brown fox")
	hash := hashOf(t, p, prov, data)

	n, err := p.SignHash(ctx, prov, hash, provider.AtSignature, 0, nil)
	assert.ErrorIs(t, err, csperr.ErrMoreData)
	assert.Equal(t, 128, n)
	hs, err := p.Registry().Hash(hash)
	require.NoError(t, err)
	assert.False(t, hs.Finalized)

	sig := make([]byte, n)
	n, err = p.SignHash(ctx, prov, hash, provider.AtSignature, 0, sig)
	require.NoError(t, err)
	assert.Equal(t, 128, n)
	assert.ErrorIs(t, p.HashData(prov, hash, []byte("more"), 0), csperr.ErrBadHashState)

	size, err := p.ExportKey(prov, key, 0, provider.PublicKeyBlob, 0, nil)
	assert.ErrorIs(t, err, csperr.ErrMoreData)
	assert.Equal(t, 8+12+128, size)
	blob := make([]byte, size)
	_, err = p.ExportKey(prov, key, 0, provider.PublicKeyBlob, 0, blob)
	require.NoError(t, err)
	assert.Equal(t, byte(provider.PublicKeyBlob), blob[0])
	assert.Equal(t, provider.AlgRSASign, binary.LittleEndian.Uint32(blob[4:]))
	assert.Equal(t, uint32(1024), binary.LittleEndian.Uint32(blob[12:]))

	verifier, err := p.AcquireContext(ctx, "", provider.VerifyContext)
	require.NoError(t, err)
	pub, err := p.ImportKey(ctx, verifier, blob, 0, 0)
	require.NoError(t, err)

	require.NoError(t, p.VerifySignature(ctx, verifier, hashOf(t, p, verifier, data), sig, pub, 0))

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0x01
	err = p.VerifySignature(ctx, verifier, hashOf(t, p, verifier, data), tampered, pub, 0)
	assert.ErrorIs(t, err, csperr.ErrBadSignature)

	err = p.VerifySignature(ctx, verifier, hashOf(t, p, verifier, []byte("other")), sig, pub, 0)
	assert.ErrorIs(t, err, csperr.ErrBadSignature)
}

func TestImportUnknownKey(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "c")
	key, err := p.GenKey(ctx, prov, provider.AtKeyExchange, rsa1024)
	require.NoError(t, err)

	blob := make([]byte, 148)
	_, err = p.ExportKey(prov, key, 0, provider.PublicKeyBlob, 0, blob)
	require.NoError(t, err)

	foreign := append([]byte(nil), blob...)
	foreign[40] ^= 0xFF
	_, err = p.ImportKey(ctx, prov, foreign, 0, 0)
	assert.ErrorIs(t, err, csperr.ErrNotSupported)

	_, err = p.ImportKey(ctx, prov, blob[:100], 0, 0)
	assert.Equal(t, csperr.BadLength, csperr.CodeOf(err))

	bad := append([]byte(nil), blob...)
	bad[0] = 7
	_, err = p.ImportKey(ctx, prov, bad, 0, 0)
	assert.ErrorIs(t, err, csperr.ErrBadType)

	imported, err := p.ImportKey(ctx, prov, blob, 0, 0)
	require.NoError(t, err)
	k, err := p.Registry().Key(imported)
	require.NoError(t, err)
	assert.Equal(t, provider.AtKeyExchange, k.KeySpec)
}

func TestECDSASignVerify(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "ec")

	tests := []struct {
		bits uint32
		size int
	}{
		{256, 64},
		{384, 96},
		{521, 132},
	}
	for _, tt := range tests {
		key, err := p.GenKey(ctx, prov, provider.AlgECDSA, tt.bits<<16)
		require.NoError(t, err)

		data := []byte("payload")
		for i := 0; i < 4; i++ {
			hash := hashOf(t, p, prov, data)
			n, err := p.SignHash(ctx, prov, hash, provider.AtSignature, 0, nil)
			assert.ErrorIs(t, err, csperr.ErrMoreData)
			require.Equal(t, tt.size, n, "P-%d size query", tt.bits)

			sig := make([]byte, n)
			written, err := p.SignHash(ctx, prov, hash, provider.AtSignature, 0, sig)
			require.NoError(t, err)
			assert.Equal(t, tt.size, written, "P-%d signature length", tt.bits)

			require.NoError(t, p.VerifySignature(ctx, prov, hashOf(t, p, prov, data), sig, key, 0))

			sig[len(sig)-1] ^= 0x01
			err = p.VerifySignature(ctx, prov, hashOf(t, p, prov, data), sig, key, 0)
			assert.Equal(t, csperr.BadSignature, csperr.CodeOf(err))
			err = p.VerifySignature(ctx, prov, hashOf(t, p, prov, data), sig[:n-1], key, 0)
			assert.Equal(t, csperr.BadSignature, csperr.CodeOf(err))
		}
		require.NoError(t, p.DestroyKey(prov, key))
	}
}

func TestECDSAExportNotSupported(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "ec")
	key, err := p.GenKey(ctx, prov, provider.AlgECDSA, 256<<16)
	require.NoError(t, err)

	_, err = p.ExportKey(prov, key, 0, provider.PublicKeyBlob, 0, nil)
	assert.ErrorIs(t, err, csperr.ErrNotSupported)
}

func TestGetUserKeyLoadsFromBackend(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "store")
	_, err := p.GenKey(ctx, prov, provider.AtKeyExchange, rsa1024|provider.Exportable)
	require.NoError(t, err)
	require.NoError(t, p.ReleaseContext(prov, 0))

	prov, err = p.AcquireContext(ctx, "store", 0)
	require.NoError(t, err)
	key, err := p.GetUserKey(ctx, prov, provider.AtKeyExchange)
	require.NoError(t, err)

	_, err = p.GetUserKey(ctx, prov, provider.AtSignature)
	assert.ErrorIs(t, err, csperr.ErrKeyNotFound)
	_, err = p.GetUserKey(ctx, prov, 9)
	assert.ErrorIs(t, err, csperr.ErrInvalidParameter)

	param := func(id uint32) uint32 {
		buf := make([]byte, 4)
		_, err := p.GetKeyParam(prov, key, id, buf)
		require.NoError(t, err)
		return binary.LittleEndian.Uint32(buf)
	}
	assert.Equal(t, provider.AlgRSAKeyExchange, param(provider.KeyParamAlgID))
	assert.Equal(t, uint32(1024), param(provider.KeyParamKeyLen))
	assert.Equal(t, uint32(1024), param(provider.KeyParamBlockLen))
	perms := param(provider.KeyParamPermissions)
	assert.NotZero(t, perms&provider.PermEncrypt)
	assert.NotZero(t, perms&provider.PermExport)

	n, err := p.GetKeyParam(prov, key, provider.KeyParamAlgID, nil)
	assert.ErrorIs(t, err, csperr.ErrMoreData)
	assert.Equal(t, 4, n)
	_, err = p.GetKeyParam(prov, key, 99, make([]byte, 4))
	assert.ErrorIs(t, err, csperr.ErrBadType)
	assert.ErrorIs(t, p.SetKeyParam(prov, key, provider.KeyParamAlgID, []byte{1}, 0), csperr.ErrPermission)

	// A second GetUserKey is an independent handle.
	again, err := p.GetUserKey(ctx, prov, provider.AtKeyExchange)
	require.NoError(t, err)
	assert.NotEqual(t, key, again)
	require.NoError(t, p.DestroyKey(prov, key))
	_, err = p.GetKeyParam(prov, again, provider.KeyParamAlgID, make([]byte, 4))
	assert.NoError(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "crypt")
	key, err := p.GenKey(ctx, prov, provider.AtKeyExchange, rsa1024)
	require.NoError(t, err)

	for _, flags := range []uint32{0, provider.OAEP} {
		msg := []byte("session secret")
		n, err := p.Encrypt(ctx, prov, key, 0, true, flags, msg, nil)
		assert.ErrorIs(t, err, csperr.ErrMoreData)
		require.Equal(t, 128, n)

		ct := make([]byte, n)
		_, err = p.Encrypt(ctx, prov, key, 0, true, flags, msg, ct)
		require.NoError(t, err)

		n, err = p.Decrypt(ctx, prov, key, 0, true, flags, ct, nil)
		assert.ErrorIs(t, err, csperr.ErrMoreData)
		assert.Equal(t, len(msg), n)

		pt := make([]byte, n)
		n, err = p.Decrypt(ctx, prov, key, 0, true, flags, ct, pt)
		require.NoError(t, err)
		assert.Equal(t, msg, pt[:n])
	}

	_, err = p.Encrypt(ctx, prov, key, 0, false, 0, []byte("x"), make([]byte, 128))
	assert.Equal(t, csperr.BadLength, csperr.CodeOf(err))
	_, err = p.Encrypt(ctx, prov, key, 0, true, 0, make([]byte, 120), make([]byte, 128))
	assert.Equal(t, csperr.BadLength, csperr.CodeOf(err))
	_, err = p.Decrypt(ctx, prov, key, 0, true, 0, make([]byte, 64), make([]byte, 128))
	assert.Equal(t, csperr.BadLength, csperr.CodeOf(err))
	_, err = p.Encrypt(ctx, prov, key, 0, true, 0x2, []byte("x"), make([]byte, 128))
	assert.ErrorIs(t, err, csperr.ErrBadFlags)

	signer, err := p.GenKey(ctx, prov, provider.AtSignature, rsa1024)
	require.NoError(t, err)
	_, err = p.Encrypt(ctx, prov, signer, 0, true, 0, []byte("x"), make([]byte, 128))
	assert.Equal(t, csperr.BadKey, csperr.CodeOf(err))
}

func TestEncryptHashesPlaintext(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "crypt")
	key, err := p.GenKey(ctx, prov, provider.AtKeyExchange, rsa1024)
	require.NoError(t, err)
	hash, err := p.CreateHash(prov, provider.AlgSHA256, 0, 0)
	require.NoError(t, err)

	msg := []byte("hashed on the way")
	_, err = p.Encrypt(ctx, prov, key, hash, true, 0, msg, make([]byte, 128))
	require.NoError(t, err)

	value := make([]byte, sha256.Size)
	_, err = p.GetHashParam(prov, hash, provider.HashParamValue, value)
	require.NoError(t, err)
	want := sha256.Sum256(msg)
	assert.Equal(t, want[:], value)
}

func TestFailedEncryptLeavesHashUntouched(t *testing.T) {
	p, b := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "crypt")
	key, err := p.GenKey(ctx, prov, provider.AtKeyExchange, rsa1024)
	require.NoError(t, err)
	hash, err := p.CreateHash(prov, provider.AlgSHA256, 0, 0)
	require.NoError(t, err)

	b.Faults.FailNext(1, codes.Unavailable)
	_, err = p.Encrypt(ctx, prov, key, hash, true, 0, []byte("secret"), make([]byte, 128))
	require.Error(t, err)
	assert.Equal(t, csperr.KindTransport, csperr.KindOf(err))

	hs, err := p.Registry().Hash(hash)
	require.NoError(t, err)
	assert.Zero(t, hs.Length)
	assert.False(t, hs.Finalized)

	_, err = p.Encrypt(ctx, prov, key, hash, true, 0, []byte("secret"), make([]byte, 128))
	require.NoError(t, err)
	hs, err = p.Registry().Hash(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), hs.Length)
}

func TestEncryptRejectsFinalizedHashBeforeBackend(t *testing.T) {
	p, b := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "crypt")
	key, err := p.GenKey(ctx, prov, provider.AtKeyExchange, rsa1024)
	require.NoError(t, err)
	hash := hashOf(t, p, prov, []byte("done"))
	_, err = p.GetHashParam(prov, hash, provider.HashParamValue, make([]byte, sha256.Size))
	require.NoError(t, err)

	before := b.Calls()
	_, err = p.Encrypt(ctx, prov, key, hash, true, 0, []byte("late"), make([]byte, 128))
	assert.ErrorIs(t, err, csperr.ErrBadHashState)
	assert.Equal(t, before, b.Calls())
}

func TestHashParams(t *testing.T) {
	p, _ := newProvider(t)
	prov := newContainer(t, p, "h")
	data := []byte("abc")
	hash := hashOf(t, p, prov, data)

	buf := make([]byte, 4)
	_, err := p.GetHashParam(prov, hash, provider.HashParamAlgID, buf)
	require.NoError(t, err)
	assert.Equal(t, provider.AlgSHA256, binary.LittleEndian.Uint32(buf))
	_, err = p.GetHashParam(prov, hash, provider.HashParamSize, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(sha256.Size), binary.LittleEndian.Uint32(buf))

	n, err := p.GetHashParam(prov, hash, provider.HashParamValue, make([]byte, 8))
	assert.ErrorIs(t, err, csperr.ErrMoreData)
	assert.Equal(t, sha256.Size, n)
	require.NoError(t, p.HashData(prov, hash, []byte("def"), 0))

	value := make([]byte, n)
	_, err = p.GetHashParam(prov, hash, provider.HashParamValue, value)
	require.NoError(t, err)
	want := sha256.Sum256([]byte("abcdef"))
	assert.Equal(t, want[:], value)
	assert.ErrorIs(t, p.HashData(prov, hash, data, 0), csperr.ErrBadHashState)

	_, err = p.GetHashParam(prov, hash, 77, buf)
	assert.ErrorIs(t, err, csperr.ErrBadType)
}

func TestSetHashValueSignsDigest(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "digest")
	key, err := p.GenKey(ctx, prov, provider.AtSignature, rsa1024)
	require.NoError(t, err)

	data := []byte("signed as a digest")
	sum := sha256.Sum256(data)

	hash, err := p.CreateHash(prov, provider.AlgSHA256, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, csperr.BadLength, csperr.CodeOf(p.SetHashParam(prov, hash, provider.HashParamValue, sum[:16], 0)))
	require.NoError(t, p.SetHashParam(prov, hash, provider.HashParamValue, sum[:], 0))
	assert.ErrorIs(t, p.HashData(prov, hash, data, 0), csperr.ErrBadHashState)
	assert.ErrorIs(t, p.SetHashParam(prov, hash, provider.HashParamValue, sum[:], 0), csperr.ErrBadHashState)

	sig := make([]byte, 128)
	_, err = p.SignHash(ctx, prov, hash, provider.AtSignature, 0, sig)
	require.NoError(t, err)

	require.NoError(t, p.VerifySignature(ctx, prov, hashOf(t, p, prov, data), sig, key, 0))
}

func TestHashObjects(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "h")

	_, err := p.CreateHash(prov, provider.AlgMD5, 0, 0)
	assert.ErrorIs(t, err, csperr.ErrBadAlgorithm)
	_, err = p.CreateHash(prov, provider.AlgSHA256, 0, 1)
	assert.ErrorIs(t, err, csperr.ErrBadFlags)

	key, err := p.GenKey(ctx, prov, provider.AtSignature, rsa1024)
	require.NoError(t, err)
	_, err = p.CreateHash(prov, provider.AlgSHA256, key, 0)
	assert.Equal(t, csperr.BadKey, csperr.CodeOf(err))

	hash := hashOf(t, p, prov, []byte("a"))
	dup, err := p.DuplicateHash(prov, hash, 0)
	require.NoError(t, err)
	require.NoError(t, p.HashData(prov, dup, []byte("b"), 0))

	orig, err := p.Registry().Hash(hash)
	require.NoError(t, err)
	copied, err := p.Registry().Hash(dup)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), orig.Length)
	assert.Equal(t, uint64(2), copied.Length)

	assert.Equal(t, csperr.BadKey, csperr.CodeOf(p.HashSessionKey(prov, hash, key, 0)))

	_, err = p.DeriveKey(prov, provider.AlgAES256, hash, 0)
	assert.ErrorIs(t, err, csperr.ErrNotSupported)
	_, err = p.DeriveKey(prov, provider.AlgRSASign, hash, 0)
	assert.ErrorIs(t, err, csperr.ErrBadAlgorithm)

	require.NoError(t, p.DestroyHash(prov, hash))
	assert.ErrorIs(t, p.HashData(prov, hash, []byte("c"), 0), csperr.ErrInvalidHandle)
	assert.ErrorIs(t, p.DestroyHash(prov, hash), csperr.ErrInvalidHandle)
}

func TestHandlesAreScopedToTheirContext(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	a := newContainer(t, p, "a")
	b := newContainer(t, p, "b")

	key, err := p.GenKey(ctx, a, provider.AtSignature, rsa1024)
	require.NoError(t, err)
	hash := hashOf(t, p, a, []byte("x"))

	_, err = p.GetKeyParam(b, key, provider.KeyParamAlgID, make([]byte, 4))
	assert.ErrorIs(t, err, csperr.ErrInvalidHandle)
	assert.ErrorIs(t, p.HashData(b, hash, nil, 0), csperr.ErrInvalidHandle)
	_, err = p.DuplicateKey(b, key, 0)
	assert.ErrorIs(t, err, csperr.ErrInvalidHandle)

	// A hash handle is not a key handle.
	assert.ErrorIs(t, p.DestroyKey(a, hash), csperr.ErrInvalidHandle)

	require.NoError(t, p.ReleaseContext(a, 0))
	assert.ErrorIs(t, p.ReleaseContext(a, 0), csperr.ErrInvalidHandle)
	_, err = p.GetKeyParam(a, key, provider.KeyParamAlgID, make([]byte, 4))
	assert.ErrorIs(t, err, csperr.ErrInvalidHandle)
	assert.ErrorIs(t, p.ReleaseContext(b, 1), csperr.ErrBadFlags)
}

func TestProvParams(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "beta")
	newContainer(t, p, "alpha")

	str := func(param uint32) string {
		n, err := p.GetProvParam(ctx, prov, param, nil, 0)
		require.ErrorIs(t, err, csperr.ErrMoreData)
		buf := make([]byte, n)
		_, err = p.GetProvParam(ctx, prov, param, buf, 0)
		require.NoError(t, err)
		return strings.TrimRight(string(buf), "\x00")
	}
	assert.Equal(t, provider.DefaultName, str(provider.ParamName))
	assert.Equal(t, "beta", str(provider.ParamContainer))

	buf := make([]byte, 4)
	_, err := p.GetProvParam(ctx, prov, provider.ParamProvType, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf))
	_, err = p.GetProvParam(ctx, prov, provider.ParamKeySpec, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf))
	_, err = p.GetProvParam(ctx, prov, 999, buf, 0)
	assert.ErrorIs(t, err, csperr.ErrBadType)
	_, err = p.GetProvParam(ctx, prov, provider.ParamName, buf, 0x8)
	assert.ErrorIs(t, err, csperr.ErrBadFlags)

	assert.NoError(t, p.SetProvParam(prov, provider.ParamClientHWND, []byte{1, 0, 0, 0}, 0))
	assert.ErrorIs(t, p.SetProvParam(prov, provider.ParamSignaturePIN, []byte("1234"), 0), csperr.ErrNotSupported)
	assert.ErrorIs(t, p.SetProvParam(prov, 999, nil, 0), csperr.ErrBadType)
}

func TestEnumAlgs(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "c")

	n, err := p.GetProvParam(ctx, prov, provider.ParamEnumAlgs, make([]byte, 4), provider.First)
	assert.ErrorIs(t, err, csperr.ErrMoreData)
	assert.Equal(t, 32, n)

	var ids []uint32
	flags := provider.First
	for {
		rec := make([]byte, 32)
		_, err := p.GetProvParam(ctx, prov, provider.ParamEnumAlgs, rec, flags)
		if errors.Is(err, csperr.ErrNoMoreItems) {
			break
		}
		require.NoError(t, err)
		ids = append(ids, binary.LittleEndian.Uint32(rec))
		flags = 0
	}
	require.Len(t, ids, 7)
	assert.Equal(t, provider.AlgRSASign, ids[0])
	assert.Contains(t, ids, provider.AlgSHA256)

	// First restarts the cursor.
	rec := make([]byte, 32)
	_, err = p.GetProvParam(ctx, prov, provider.ParamEnumAlgs, rec, provider.First)
	require.NoError(t, err)
	assert.Equal(t, provider.AlgRSASign, binary.LittleEndian.Uint32(rec))
}

func TestEnumContainers(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "zeta")
	other := newContainer(t, p, "eta")
	_, err := p.GenKey(ctx, other, provider.AtSignature, rsa1024)
	require.NoError(t, err)

	var names []string
	flags := provider.First
	for {
		buf := make([]byte, 64)
		n, err := p.GetProvParam(ctx, prov, provider.ParamEnumContainers, buf, flags)
		if errors.Is(err, csperr.ErrNoMoreItems) {
			break
		}
		require.NoError(t, err)
		names = append(names, string(buf[:n-1]))
		flags = 0
	}
	assert.Equal(t, []string{"eta", "zeta"}, names)
}

func TestGenRandom(t *testing.T) {
	p, _ := newProvider(t)
	prov := newContainer(t, p, "r")
	a := make([]byte, 32)
	b := make([]byte, 32)
	require.NoError(t, p.GenRandom(prov, a))
	require.NoError(t, p.GenRandom(prov, b))
	assert.NotEqual(t, a, b)
	assert.ErrorIs(t, p.GenRandom(registry.Handle(1), a), csperr.ErrInvalidHandle)
}

func TestBackendFaultSurfacesAsTransportError(t *testing.T) {
	p, b := newProvider(t)
	ctx := context.Background()
	prov := newContainer(t, p, "f")

	b.Faults.FailNext(1, codes.Unavailable)
	_, err := p.GenKey(ctx, prov, provider.AtSignature, rsa1024)
	require.Error(t, err)
	assert.Equal(t, csperr.NetworkUnreachable, csperr.CodeOf(err))
	assert.Equal(t, csperr.KindTransport, csperr.KindOf(err))

	_, err = p.GenKey(ctx, prov, provider.AtSignature, rsa1024)
	assert.NoError(t, err)
}

func TestThreadLastError(t *testing.T) {
	p, _ := newProvider(t)
	th := p.NewThread(context.Background())
	assert.Equal(t, csperr.Success, th.LastError().Code)

	var prov registry.Handle
	assert.False(t, th.AcquireContext(&prov, "t", 0x1))
	assert.Equal(t, csperr.BadFlags, th.LastError().Code)
	assert.Equal(t, csperr.KindValidation, th.LastError().Kind)
	assert.Zero(t, prov)

	require.True(t, th.AcquireContext(&prov, "t", provider.NewKeyset))
	assert.NotZero(t, prov)
	// Success leaves the stored context alone.
	assert.Equal(t, csperr.BadFlags, th.LastError().Code)

	var key registry.Handle
	require.True(t, th.GenKey(prov, provider.AtSignature, rsa1024, &key))

	var hash registry.Handle
	require.True(t, th.CreateHash(prov, provider.AlgSHA256, 0, 0, &hash))
	require.True(t, th.HashData(prov, hash, []byte("thread"), 0))

	var n int
	assert.False(t, th.SignHash(prov, hash, provider.AtSignature, 0, nil, &n))
	assert.Equal(t, csperr.MoreData, th.LastError().Code)
	assert.Equal(t, 128, n)

	sig := make([]byte, n)
	require.True(t, th.SignHash(prov, hash, provider.AtSignature, 0, sig, &n))

	var verifyHash registry.Handle
	require.True(t, th.CreateHash(prov, provider.AlgSHA256, 0, 0, &verifyHash))
	require.True(t, th.HashData(prov, verifyHash, []byte("thread"), 0))
	require.True(t, th.VerifySignature(prov, verifyHash, sig, key, 0))

	require.True(t, th.ReleaseContext(prov, 0))
	assert.False(t, th.DestroyKey(prov, key))
	last := th.LastError()
	assert.Equal(t, csperr.InvalidHandle, last.Code)
	assert.NotEmpty(t, last.Function)

	th.SetLastError(csperr.Success)
	assert.Equal(t, csperr.Success, th.LastError().Code)
}

func TestThreadsKeepSeparateErrors(t *testing.T) {
	p, _ := newProvider(t)
	a := p.NewThread(context.Background())
	b := p.NewThread(context.Background())

	var h registry.Handle
	assert.False(t, a.AcquireContext(&h, "x", 0x1))
	assert.False(t, b.GenRandom(registry.Handle(42), make([]byte, 4)))

	assert.Equal(t, csperr.BadFlags, a.LastError().Code)
	assert.Equal(t, csperr.InvalidHandle, b.LastError().Code)
}
