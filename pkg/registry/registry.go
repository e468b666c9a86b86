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
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/metrics"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

// Key specs of the legacy interface.
const (
	KeySpecExchange  uint32 = 1 // AT_KEYEXCHANGE
	KeySpecSignature uint32 = 2 // AT_SIGNATURE
)

// maxHandleDraws bounds the collision redraw loop.
const maxHandleDraws = 16

// Session is one acquired provider context.
type Session struct {
	Handle    Handle
	ID        string
	Container string
	Flags     uint32
	Client    *rpcclient.Client
	CreatedAt time.Time
}

// KeyInfo describes a key as it is registered.
type KeyInfo struct {
	KeyID      string
	KeySpec    uint32
	AlgID      uint32
	Bits       int
	Exportable bool
	// PublicKey is the DER SubjectPublicKeyInfo cached from the backend.
	PublicKey []byte
}

// Key is a registered key.
type Key struct {
	KeyInfo
	Handle    Handle
	Session   Handle
	CreatedAt time.Time
}

// Hash is a registered hash object.
type Hash struct {
	Handle    Handle
	Session   Handle
	AlgID     uint32
	Key       Handle
	Length    uint64
	Finalized bool
}

// HashSnapshot is the accumulated state handed to sign and verify.
type HashSnapshot struct {
	AlgID uint32
	Key   Handle
	Data  []byte
	// Value is set when the digest was supplied directly.
	Value []byte
}

// Stats are live object counts.
type Stats struct {
	Sessions int `json:"sessions"`
	Keys     int `json:"keys"`
	Hashes   int `json:"hashes"`
}

type sessionEntry struct {
	Session
	keys   map[Handle]struct{}
	hashes map[Handle]struct{}
}

type hashEntry struct {
	Hash
	data  []byte
	value []byte
}

// Registry owns every session, key and hash object of one provider.
type Registry struct {
	rand   io.Reader
	now    func() time.Time
	logger logging.Logger

	mu       sync.RWMutex
	sessions map[Handle]*sessionEntry
	keys     map[Handle]*Key
	hashes   map[Handle]*hashEntry
}

// Option configures a Registry.
type Option func(*Registry)

// WithRandom replaces crypto/rand as the handle source.
func WithRandom(r io.Reader) Option {
	return func(reg *Registry) { reg.rand = r }
}

func WithClock(now func() time.Time) Option {
	return func(reg *Registry) { reg.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(reg *Registry) {
		if l != nil {
			reg.logger = l
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		rand:     rand.Reader,
		now:      time.Now,
		logger:   logging.NewNop(),
		sessions: make(map[Handle]*sessionEntry),
		keys:     make(map[Handle]*Key),
		hashes:   make(map[Handle]*hashEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func invalidHandle(op string, h Handle) *csperr.Error {
	return csperr.Validation(csperr.InvalidHandle, op, "invalid handle").WithDetail(h.String())
}

// newHandleLocked draws a random handle of kind k that is not live.
func (r *Registry) newHandleLocked(op string, k Kind) (Handle, error) {
	var buf [8]byte
	for i := 0; i < maxHandleDraws; i++ {
		if _, err := io.ReadFull(r.rand, buf[:]); err != nil {
			return 0, csperr.Wrap(csperr.KindValidation, csperr.InternalError, op, err)
		}
		v := binary.LittleEndian.Uint64(buf[:]) & valueMask
		if v == 0 {
			continue
		}
		h := makeHandle(k, v)
		if !r.liveLocked(h) {
			return h, nil
		}
	}
	return 0, csperr.New(csperr.KindValidation, csperr.InternalError, op, "no free handle value")
}

func (r *Registry) liveLocked(h Handle) bool {
	switch h.Kind() {
	case KindSession:
		_, ok := r.sessions[h]
		return ok
	case KindKey:
		_, ok := r.keys[h]
		return ok
	case KindHash:
		_, ok := r.hashes[h]
		return ok
	}
	return false
}

func (r *Registry) sessionLocked(op string, h Handle) (*sessionEntry, error) {
	if h.Kind() != KindSession {
		return nil, invalidHandle(op, h)
	}
	s, ok := r.sessions[h]
	if !ok {
		return nil, invalidHandle(op, h)
	}
	return s, nil
}

func (r *Registry) keyLocked(op string, h Handle) (*Key, error) {
	if h.Kind() != KindKey {
		return nil, invalidHandle(op, h)
	}
	k, ok := r.keys[h]
	if !ok {
		return nil, invalidHandle(op, h)
	}
	if _, live := r.sessions[k.Session]; !live {
		return nil, invalidHandle(op, h)
	}
	return k, nil
}

func (r *Registry) hashLocked(op string, h Handle) (*hashEntry, error) {
	if h.Kind() != KindHash {
		return nil, invalidHandle(op, h)
	}
	e, ok := r.hashes[h]
	if !ok {
		return nil, invalidHandle(op, h)
	}
	if _, live := r.sessions[e.Session]; !live {
		return nil, invalidHandle(op, h)
	}
	return e, nil
}

// CreateSession registers a provider context bound to client.
func (r *Registry) CreateSession(flags uint32, container string, client *rpcclient.Client) (Handle, error) {
	r.mu.Lock()
	h, err := r.newHandleLocked("CreateSession", KindSession)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.sessions[h] = &sessionEntry{
		Session: Session{
			Handle:    h,
			ID:        uuid.NewString(),
			Container: container,
			Flags:     flags,
			Client:    client,
			CreatedAt: r.now(),
		},
		keys:   make(map[Handle]struct{}),
		hashes: make(map[Handle]struct{}),
	}
	stats := r.statsLocked()
	r.mu.Unlock()

	publish(stats)
	return h, nil
}

// ReleaseSession removes the session and every key and hash it spawned.
func (r *Registry) ReleaseSession(h Handle) error {
	r.mu.Lock()
	s, err := r.sessionLocked("ReleaseSession", h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for kh := range s.keys {
		delete(r.keys, kh)
	}
	for hh := range s.hashes {
		delete(r.hashes, hh)
	}
	delete(r.sessions, h)
	stats := r.statsLocked()
	r.mu.Unlock()

	r.logger.Debug("session released",
		logging.String("session_id", s.ID),
		logging.Int("keys", len(s.keys)),
		logging.Int("hashes", len(s.hashes)))
	publish(stats)
	return nil
}

// Session returns a copy of the session behind h.
func (r *Registry) Session(h Handle) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.sessionLocked("Session", h)
	if err != nil {
		return Session{}, err
	}
	return s.Session, nil
}

// Sessions returns the handles of every live session.
func (r *Registry) Sessions() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.sessions))
	for h := range r.sessions {
		out = append(out, h)
	}
	return out
}

// CreateKey registers a key under session.
func (r *Registry) CreateKey(session Handle, info KeyInfo) (Handle, error) {
	const op = "CreateKey"
	if info.KeyID == "" {
		return 0, csperr.Validation(csperr.InvalidParameter, op, "key id is required")
	}
	r.mu.Lock()
	s, err := r.sessionLocked(op, session)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	h, err := r.newHandleLocked(op, KindKey)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	info.PublicKey = append([]byte(nil), info.PublicKey...)
	r.keys[h] = &Key{KeyInfo: info, Handle: h, Session: session, CreatedAt: r.now()}
	s.keys[h] = struct{}{}
	stats := r.statsLocked()
	r.mu.Unlock()

	publish(stats)
	return h, nil
}

// DuplicateKey registers a second handle to the same backend key in the
// same session.
func (r *Registry) DuplicateKey(h Handle) (Handle, error) {
	const op = "DuplicateKey"
	r.mu.Lock()
	k, err := r.keyLocked(op, h)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	dup, err := r.newHandleLocked(op, KindKey)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	cp := *k
	cp.Handle = dup
	cp.PublicKey = append([]byte(nil), k.PublicKey...)
	cp.CreatedAt = r.now()
	r.keys[dup] = &cp
	r.sessions[k.Session].keys[dup] = struct{}{}
	stats := r.statsLocked()
	r.mu.Unlock()

	publish(stats)
	return dup, nil
}

// DestroyKey removes the handle. Hashes bound to it keep their reference,
// which no longer resolves.
func (r *Registry) DestroyKey(h Handle) error {
	r.mu.Lock()
	k, err := r.keyLocked("DestroyKey", h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.keys, h)
	delete(r.sessions[k.Session].keys, h)
	stats := r.statsLocked()
	r.mu.Unlock()

	publish(stats)
	return nil
}

// Key returns a copy of the key behind h.
func (r *Registry) Key(h Handle) (Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, err := r.keyLocked("Key", h)
	if err != nil {
		return Key{}, err
	}
	cp := *k
	cp.PublicKey = append([]byte(nil), k.PublicKey...)
	return cp, nil
}

// FindKey returns the most recently registered key of spec in session.
// It fails with csperr.ErrKeyNotFound when there is none.
func (r *Registry) FindKey(session Handle, spec uint32) (Key, error) {
	const op = "FindKey"
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.sessionLocked(op, session)
	if err != nil {
		return Key{}, err
	}
	var best *Key
	for kh := range s.keys {
		k := r.keys[kh]
		if k == nil || k.KeySpec != spec {
			continue
		}
		if best == nil || k.CreatedAt.After(best.CreatedAt) ||
			(k.CreatedAt.Equal(best.CreatedAt) && k.Handle > best.Handle) {
			best = k
		}
	}
	if best == nil {
		return Key{}, csperr.New(csperr.KindValidation, csperr.KeyNotFound, op, "no key of the requested spec in session")
	}
	cp := *best
	cp.PublicKey = append([]byte(nil), best.PublicKey...)
	return cp, nil
}

// CreateHash registers a hash object. key may be zero; otherwise it must be a
// live key of the same session.
func (r *Registry) CreateHash(session Handle, alg uint32, key Handle) (Handle, error) {
	const op = "CreateHash"
	r.mu.Lock()
	s, err := r.sessionLocked(op, session)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if key != 0 {
		k, err := r.keyLocked(op, key)
		if err != nil || k.Session != session {
			r.mu.Unlock()
			return 0, invalidHandle(op, key)
		}
	}
	h, err := r.newHandleLocked(op, KindHash)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.hashes[h] = &hashEntry{Hash: Hash{Handle: h, Session: session, AlgID: alg, Key: key}}
	s.hashes[h] = struct{}{}
	stats := r.statsLocked()
	r.mu.Unlock()

	publish(stats)
	return h, nil
}

// AppendHash adds data to an unfinalized hash.
func (r *Registry) AppendHash(h Handle, data []byte) error {
	const op = "AppendHash"
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.hashLocked(op, h)
	if err != nil {
		return err
	}
	if e.Finalized {
		return csperr.Validation(csperr.BadHashState, op, "hash is finalized")
	}
	e.data = append(e.data, data...)
	e.Length += uint64(len(data))
	return nil
}

// FinalizeHash marks the hash finalized and returns its state. Finalizing
// again returns the same state.
func (r *Registry) FinalizeHash(h Handle) (HashSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.hashLocked("FinalizeHash", h)
	if err != nil {
		return HashSnapshot{}, err
	}
	e.Finalized = true
	return e.snapshot(), nil
}

// SetHashValue installs an externally computed digest and finalizes the
// hash.
func (r *Registry) SetHashValue(h Handle, digest []byte) error {
	const op = "SetHashValue"
	if len(digest) == 0 {
		return csperr.Validation(csperr.InvalidParameter, op, "digest is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.hashLocked(op, h)
	if err != nil {
		return err
	}
	e.value = append([]byte(nil), digest...)
	e.Finalized = true
	return nil
}

// Snapshot returns the hash state without finalizing it.
func (r *Registry) Snapshot(h Handle) (HashSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.hashLocked("Snapshot", h)
	if err != nil {
		return HashSnapshot{}, err
	}
	return e.snapshot(), nil
}

// DuplicateHash copies an unfinalized hash into a new handle.
func (r *Registry) DuplicateHash(h Handle) (Handle, error) {
	const op = "DuplicateHash"
	r.mu.Lock()
	e, err := r.hashLocked(op, h)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if e.Finalized {
		r.mu.Unlock()
		return 0, csperr.Validation(csperr.BadHashState, op, "hash is finalized")
	}
	dup, err := r.newHandleLocked(op, KindHash)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	cp := &hashEntry{Hash: e.Hash, data: append([]byte(nil), e.data...)}
	cp.Handle = dup
	r.hashes[dup] = cp
	r.sessions[e.Session].hashes[dup] = struct{}{}
	stats := r.statsLocked()
	r.mu.Unlock()

	publish(stats)
	return dup, nil
}

func (r *Registry) DestroyHash(h Handle) error {
	r.mu.Lock()
	e, err := r.hashLocked("DestroyHash", h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.hashes, h)
	delete(r.sessions[e.Session].hashes, h)
	stats := r.statsLocked()
	r.mu.Unlock()

	publish(stats)
	return nil
}

// Hash returns a copy of the hash metadata behind h.
func (r *Registry) Hash(h Handle) (Hash, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.hashLocked("Hash", h)
	if err != nil {
		return Hash{}, err
	}
	return e.Hash, nil
}

// Stats returns live object counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

func (r *Registry) statsLocked() Stats {
	return Stats{Sessions: len(r.sessions), Keys: len(r.keys), Hashes: len(r.hashes)}
}

func (e *hashEntry) snapshot() HashSnapshot {
	return HashSnapshot{
		AlgID: e.AlgID,
		Key:   e.Key,
		Data:  append([]byte(nil), e.data...),
		Value: append([]byte(nil), e.value...),
	}
}

func publish(s Stats) {
	metrics.SetRegistryHandles(s.Sessions, s.Keys, s.Hashes)
}
