// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry maps logical datasource names to open pools.
//
// Usage:
//
//	reg := registry.New[*sqlconn.Conn](sqlconn.NewFactory(logger).Build, registry.WithLogger(logger))
//	if err := reg.RegisterAll(ctx, cfgs); err != nil { ... }
//	defer reg.ShutdownAll(context.Background())
//
//	pool, err := reg.Get("second")
//	primary, err := reg.Default()
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/multigres/multids/go/pools/dspool"
)

// DefaultName is the pool returned when no name is given.
const DefaultName = "primary"

var (
	// ErrDuplicateName is returned when registering a name that is already
	// taken by a pool with a different configuration.
	ErrDuplicateName = errors.New("pool name already registered with a different configuration")

	// ErrUnknownPool is returned when looking up a name that was never registered.
	ErrUnknownPool = errors.New("unknown pool")

	// ErrClosed is returned when registering or looking up a pool after
	// ShutdownAll.
	ErrClosed = errors.New("registry is shut down")
)

// Builder creates an unopened pool for cfg.
type Builder[C dspool.Connection] func(cfg dspool.Config) (*dspool.Pool[C], error)

// Registry holds at most one pool per name for its whole lifetime.
//
// Lookups read an immutable snapshot and take no lock. Registration of a
// new name builds and opens the pool outside the registry lock, so distinct
// names open in parallel while concurrent registrations of the same name
// wait for the first one.
type Registry[C dspool.Connection] struct {
	build       Builder[C]
	defaultName string
	logger      *slog.Logger

	pools atomic.Pointer[map[string]*dspool.Pool[C]]

	mu      sync.Mutex
	pending map[string]*pendingPool[C]
	closed  bool
}

// pendingPool is a registration in flight.
type pendingPool[C dspool.Connection] struct {
	cfg  dspool.Config
	done chan struct{}
	pool *dspool.Pool[C]
	err  error
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	defaultName string
}

// WithLogger sets the registry logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDefaultName changes the name used by Default and by Get("").
func WithDefaultName(name string) Option {
	return func(o *options) { o.defaultName = name }
}

// New creates an empty registry that builds pools with build.
func New[C dspool.Connection](build Builder[C], opts ...Option) *Registry[C] {
	o := options{defaultName: DefaultName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.defaultName == "" {
		o.defaultName = DefaultName
	}

	r := &Registry[C]{
		build:       build,
		defaultName: o.defaultName,
		logger:      o.logger,
		pending:     make(map[string]*pendingPool[C]),
	}
	empty := make(map[string]*dspool.Pool[C])
	r.pools.Store(&empty)
	return r
}

// Register builds and opens the pool for cfg.Name, or returns the pool
// already registered under that name if its configuration is identical.
// A different configuration fails with ErrDuplicateName. A pool that fails
// to open is not kept, so a later Register may try again.
func (r *Registry[C]) Register(ctx context.Context, cfg dspool.Config) (*dspool.Pool[C], error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if pool, ok := (*r.pools.Load())[cfg.Name]; ok {
		return r.existing(pool, cfg)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	// Double-check after acquiring lock
	if pool, ok := (*r.pools.Load())[cfg.Name]; ok {
		r.mu.Unlock()
		return r.existing(pool, cfg)
	}
	if p, ok := r.pending[cfg.Name]; ok {
		r.mu.Unlock()
		if p.cfg != cfg {
			return nil, fmt.Errorf("register %q: %w", cfg.Name, ErrDuplicateName)
		}
		select {
		case <-p.done:
			return p.pool, p.err
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	p := &pendingPool[C]{cfg: cfg, done: make(chan struct{})}
	r.pending[cfg.Name] = p
	r.mu.Unlock()

	p.pool, p.err = r.open(ctx, cfg)

	r.mu.Lock()
	delete(r.pending, cfg.Name)
	closed := r.closed
	if p.err == nil && !closed {
		// Copy-on-write: create new map with the new pool
		current := *r.pools.Load()
		next := make(map[string]*dspool.Pool[C], len(current)+1)
		maps.Copy(next, current)
		next[cfg.Name] = p.pool
		r.pools.Store(&next)
	}
	r.mu.Unlock()

	if p.err == nil && closed {
		// ShutdownAll ran while we were opening.
		_ = p.pool.Shutdown(context.WithoutCancel(ctx))
		p.pool, p.err = nil, ErrClosed
	}
	close(p.done)

	if p.err != nil {
		return nil, p.err
	}
	r.logger.InfoContext(ctx, "registered pool", "pool", cfg.Name, "driver", cfg.Driver, "max_active", cfg.MaxActive)
	return p.pool, nil
}

func (r *Registry[C]) open(ctx context.Context, cfg dspool.Config) (*dspool.Pool[C], error) {
	pool, err := r.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", cfg.Name, err)
	}
	if err := pool.Open(ctx); err != nil {
		return nil, fmt.Errorf("register %q: %w", cfg.Name, err)
	}
	return pool, nil
}

func (r *Registry[C]) existing(pool *dspool.Pool[C], cfg dspool.Config) (*dspool.Pool[C], error) {
	if pool.Config() != cfg {
		return nil, fmt.Errorf("register %q: %w", cfg.Name, ErrDuplicateName)
	}
	return pool, nil
}

// RegisterAll registers every config concurrently. Failures do not stop the
// other registrations; they are joined in the returned error.
func (r *Registry[C]) RegisterAll(ctx context.Context, cfgs []dspool.Config) error {
	errs := make([]error, len(cfgs))
	var g errgroup.Group
	for i, cfg := range cfgs {
		g.Go(func() error {
			_, errs[i] = r.Register(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Get returns the pool registered under name. An empty name means the
// default pool.
func (r *Registry[C]) Get(name string) (*dspool.Pool[C], error) {
	if name == "" {
		name = r.defaultName
	}
	pool, ok := (*r.pools.Load())[name]
	if !ok {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("get %q: %w", name, ErrClosed)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, name)
	}
	return pool, nil
}

// Default returns the default pool.
func (r *Registry[C]) Default() (*dspool.Pool[C], error) {
	return r.Get(r.defaultName)
}

// DefaultName returns the name Default looks up.
func (r *Registry[C]) DefaultName() string {
	return r.defaultName
}

// Names returns the registered pool names in sorted order.
func (r *Registry[C]) Names() []string {
	return slices.Sorted(maps.Keys(*r.pools.Load()))
}

// Pools returns the registered pools ordered by name.
func (r *Registry[C]) Pools() []*dspool.Pool[C] {
	pools := *r.pools.Load()
	out := make([]*dspool.Pool[C], 0, len(pools))
	for _, name := range slices.Sorted(maps.Keys(pools)) {
		out = append(out, pools[name])
	}
	return out
}

// ShutdownAll shuts every pool down in parallel, continuing past failures,
// and returns them joined. The registry accepts no registrations afterwards.
func (r *Registry[C]) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pools := *r.pools.Load()
	empty := make(map[string]*dspool.Pool[C])
	r.pools.Store(&empty)
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for name, pool := range pools {
		g.Go(func() error {
			if err := pool.Shutdown(ctx); err != nil {
				r.logger.ErrorContext(ctx, "pool shutdown failed", "pool", name, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.InfoContext(ctx, "registry shut down", "pools", len(pools), "failed", len(errs))
	return errors.Join(errs...)
}
