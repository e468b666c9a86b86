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

// Package provider exposes the legacy handle-based provider verbs on top of
// the handle registry and the backend RPC client. Methods return Go errors;
// Thread adapts them to a boolean plus last-error surface.
package provider

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sort"
	"sync"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/metrics"
	"github.com/jeremyhahn/go-keychain-csp/pkg/registry"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
	"github.com/jeremyhahn/go-keychain-csp/pkg/validation"
)

// Backend labels that place keys in containers.
const (
	LabelContainer = "csp.container"
	LabelKeySpec   = "csp.keyspec"
)

// DefaultContainer is used when AcquireContext is given no container name
// and WithDefaultContainer was not set.
const DefaultContainer = "default"

// DefaultName is reported for ParamName.
const DefaultName = "go-keychain-csp"

const listPageSize = 100

// ErrNilClient is returned by New without an RPC client.
var ErrNilClient = errors.New("provider: rpc client is required")

// Provider implements the provider verbs. It is safe for concurrent use.
type Provider struct {
	client *rpcclient.Client
	reg    *registry.Registry
	logger logging.Logger
	name   string
	rand   io.Reader
	dflt   string

	mu         sync.Mutex
	containers map[string]struct{}
	enums      map[registry.Handle]*enumState
}

type enumState struct {
	alg        int
	containers []string
	container  int
	loaded     bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithRegistry replaces the registry the provider creates for itself.
func WithRegistry(r *registry.Registry) Option {
	return func(p *Provider) {
		if r != nil {
			p.reg = r
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithName sets the name reported for ParamName.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithDefaultContainer names the container opened when AcquireContext is
// given an empty name.
func WithDefaultContainer(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.dflt = name
		}
	}
}

// WithRandom replaces crypto/rand as the GenRandom source.
func WithRandom(r io.Reader) Option {
	return func(p *Provider) { p.rand = r }
}

// New returns a provider that sends cryptographic work through client.
func New(client *rpcclient.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	p := &Provider{
		client:     client,
		logger:     logging.NewNop(),
		name:       DefaultName,
		dflt:       DefaultContainer,
		rand:       rand.Reader,
		containers: make(map[string]struct{}),
		enums:      make(map[registry.Handle]*enumState),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.reg == nil {
		p.reg = registry.New(registry.WithLogger(p.logger))
	}
	return p, nil
}

// Registry returns the registry holding the provider's handles.
func (p *Provider) Registry() *registry.Registry {
	return p.reg
}

// Client returns the RPC client.
func (p *Provider) Client() *rpcclient.Client {
	return p.client
}

// observe records the outcome of a verb. It is deferred with a pointer to
// the named error result.
func (p *Provider) observe(verb string, err *error) {
	code := csperr.CodeOf(*err)
	metrics.RecordProviderCall(verb, code.String())
	if *err != nil && code != csperr.MoreData {
		p.logger.Debug("provider call failed",
			logging.String("verb", verb),
			logging.String("code", code.String()),
			logging.Err(*err))
	}
}

func badFlags(op string) error {
	return csperr.Validation(csperr.BadFlags, op, "unsupported flags")
}

func foreign(op string, h registry.Handle) error {
	return csperr.Validation(csperr.InvalidHandle, op, "handle belongs to another context").WithDetail(h.String())
}

func moreData(op string) error {
	return csperr.Validation(csperr.MoreData, op, "output buffer is too small")
}

// copyOut applies the buffer-size protocol: a nil or short buffer reports
// the needed length with MoreData and is left untouched.
func copyOut(op string, out, src []byte) (int, error) {
	if len(out) < len(src) {
		return len(src), moreData(op)
	}
	return copy(out, src), nil
}

func (p *Provider) session(h registry.Handle) (registry.Session, error) {
	return p.reg.Session(h)
}

func (p *Provider) ownedKey(op string, prov, h registry.Handle) (registry.Key, error) {
	if _, err := p.session(prov); err != nil {
		return registry.Key{}, err
	}
	k, err := p.reg.Key(h)
	if err != nil {
		return registry.Key{}, err
	}
	if k.Session != prov {
		return registry.Key{}, foreign(op, h)
	}
	return k, nil
}

func (p *Provider) ownedHash(op string, prov, h registry.Handle) (registry.Hash, error) {
	if _, err := p.session(prov); err != nil {
		return registry.Hash{}, err
	}
	hs, err := p.reg.Hash(h)
	if err != nil {
		return registry.Hash{}, err
	}
	if hs.Session != prov {
		return registry.Hash{}, foreign(op, h)
	}
	return hs, nil
}

// AcquireContext opens a session on container. NewKeyset creates the
// container and DeleteKeyset removes it together with its backend keys, in
// which case no handle is returned. VerifyContext opens a session without a
// container.
func (p *Provider) AcquireContext(ctx context.Context, container string, flags uint32) (h registry.Handle, err error) {
	const op = "AcquireContext"
	defer p.observe(op, &err)

	if flags&^acquireFlags != 0 {
		return 0, badFlags(op)
	}
	verify := flags&VerifyContext == VerifyContext
	if verify {
		if flags&(NewKeyset|DeleteKeyset) != 0 {
			return 0, badFlags(op)
		}
		if container != "" {
			return 0, csperr.Validation(csperr.BadFlags, op, "verification contexts take no container")
		}
		return p.reg.CreateSession(flags, "", p.client)
	}
	if flags&NewKeyset != 0 && flags&DeleteKeyset != 0 {
		return 0, badFlags(op)
	}
	if container == "" {
		container = p.dflt
	}
	if err := validation.ValidateContainerName(container); err != nil {
		return 0, csperr.Validation(csperr.InvalidParameter, op, err.Error())
	}

	switch {
	case flags&DeleteKeyset != 0:
		return 0, p.deleteContainer(ctx, op, container)
	case flags&NewKeyset != 0:
		exists, err := p.containerExists(ctx, container)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, csperr.Validation(csperr.KeyExists, op, "container already exists").WithDetail(container)
		}
		h, err := p.reg.CreateSession(flags, container, p.client)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		p.containers[container] = struct{}{}
		p.mu.Unlock()
		return h, nil
	default:
		exists, err := p.containerExists(ctx, container)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, csperr.Validation(csperr.BadKeyset, op, "container does not exist").WithDetail(container)
		}
		return p.reg.CreateSession(flags, container, p.client)
	}
}

// ReleaseContext releases a session and every key and hash it owns.
func (p *Provider) ReleaseContext(h registry.Handle, flags uint32) (err error) {
	const op = "ReleaseContext"
	defer p.observe(op, &err)

	if flags != 0 {
		return badFlags(op)
	}
	if err := p.reg.ReleaseSession(h); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.enums, h)
	p.mu.Unlock()
	return nil
}

func containerLabels(container string) map[string]string {
	return map[string]string{LabelContainer: container}
}

func (p *Provider) containerExists(ctx context.Context, container string) (bool, error) {
	p.mu.Lock()
	_, ok := p.containers[container]
	p.mu.Unlock()
	if ok {
		return true, nil
	}
	page, err := p.client.ListKeys(ctx, rpcclient.ListOptions{Labels: containerLabels(container), PageSize: 1})
	if err != nil {
		return false, err
	}
	return len(page.Keys) > 0, nil
}

func (p *Provider) deleteContainer(ctx context.Context, op, container string) error {
	keys, err := p.listAll(ctx, containerLabels(container))
	if err != nil {
		return err
	}
	p.mu.Lock()
	_, known := p.containers[container]
	p.mu.Unlock()
	if len(keys) == 0 && !known {
		return csperr.Validation(csperr.BadKeyset, op, "container does not exist").WithDetail(container)
	}
	for _, k := range keys {
		if err := p.client.DeleteKey(ctx, k.KeyID); err != nil && !errors.Is(err, csperr.ErrKeyNotFound) {
			return err
		}
	}
	p.mu.Lock()
	delete(p.containers, container)
	p.mu.Unlock()
	p.logger.Info("container deleted",
		logging.String("container", validation.SanitizeForLog(container)),
		logging.Int("keys", len(keys)))
	return nil
}

// listAll walks every page of keys matching labels.
func (p *Provider) listAll(ctx context.Context, labels map[string]string) ([]*cspv1.KeyMetadata, error) {
	var (
		out   []*cspv1.KeyMetadata
		token string
	)
	for {
		page, err := p.client.ListKeys(ctx, rpcclient.ListOptions{Labels: labels, PageSize: listPageSize, PageToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Keys...)
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

// containerNames returns the sorted set of containers known locally or on
// the backend.
func (p *Provider) containerNames(ctx context.Context) ([]string, error) {
	keys, err := p.listAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, k := range keys {
		if c := k.Labels[LabelContainer]; c != "" {
			set[c] = struct{}{}
		}
	}
	p.mu.Lock()
	for c := range p.containers {
		set[c] = struct{}{}
	}
	p.mu.Unlock()
	names := make([]string, 0, len(set))
	for c := range set {
		names = append(names, c)
	}
	sort.Strings(names)
	return names, nil
}
