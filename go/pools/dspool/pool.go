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

package dspool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/multigres/multids/go/tools/retry"
)

var (
	// ErrPoolExhausted is returned when no connection became available
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrValidationFailed is returned when no connection passing validation
	// could be produced.
	ErrValidationFailed = errors.New("connection validation failed")

	// ErrShutdownInProgress is returned when acquiring from a draining pool.
	ErrShutdownInProgress = errors.New("pool shutdown in progress")

	// ErrPoolClosed is returned when operating on a pool that is not open.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrNotBorrowed is returned when releasing a slot that is not currently
	// borrowed from this pool.
	ErrNotBorrowed = errors.New("slot is not borrowed from this pool")
)

// Delays between attempts of the initial fill.
const (
	connectRetryBaseDelay = 100 * time.Millisecond
	connectRetryMaxDelay  = 5 * time.Second
)

type poolState int

const (
	stateNew poolState = iota
	stateOpen
	stateDraining
	stateClosed
)

func (s poolState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateOpen:
		return "open"
	case stateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Pool is a bounded pool of connections to one datasource.
//
// All slot bookkeeping (idle set, busy set, counts, waitlist) is guarded by
// mu. Connecting, validating and closing connections happen outside mu.
type Pool[C Connection] struct {
	cfg     Config
	connect func(context.Context) (C, error)
	logger  *slog.Logger
	meter   metric.Meter
	metrics *Metrics
	onClose []func() error

	mu    sync.Mutex
	state poolState
	// idle is a stack: the last element is the most recently returned slot.
	idle []*Slot[C]
	// busy holds every slot outside the idle set, borrowed or being checked.
	busy map[*Slot[C]]struct{}
	// opening counts capacity reserved for connections being created.
	opening int
	waiters waitlist[C]
	// drained is created by Shutdown and closed once busy and opening are empty.
	drained chan struct{}

	evictor *evictor
	filling atomic.Bool
	bg      sync.WaitGroup

	consecutiveFailures atomic.Int64
	created             atomic.Int64
	destroyed           atomic.Int64
	evicted             atomic.Int64
	validationFailures  atomic.Int64
	timeouts            atomic.Int64
	waits               atomic.Int64
}

// Option configures optional pool collaborators.
type Option func(*poolOptions)

type poolOptions struct {
	logger  *slog.Logger
	meter   metric.Meter
	onClose []func() error
}

// WithLogger sets the pool logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *poolOptions) { o.logger = logger }
}

// WithMeter sets the meter used for pool metrics. Defaults to the global
// otel meter provider.
func WithMeter(meter metric.Meter) Option {
	return func(o *poolOptions) { o.meter = meter }
}

// WithOnClose registers a function run after Shutdown has closed every
// connection, for example to close a shared driver handle.
func WithOnClose(fn func() error) Option {
	return func(o *poolOptions) { o.onClose = append(o.onClose, fn) }
}

// NewPool creates a pool. Defaults are applied to cfg and the result is
// validated. The pool holds no connections until Open is called.
func NewPool[C Connection](cfg Config, connect func(context.Context) (C, error), opts ...Option) (*Pool[C], error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o poolOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.meter == nil {
		o.meter = otel.Meter("github.com/multigres/multids/go/pools/dspool")
	}

	p := &Pool[C]{
		cfg:     cfg,
		connect: connect,
		logger:  o.logger.With("pool", cfg.Name),
		meter:   o.meter,
		onClose: o.onClose,
		busy:    make(map[*Slot[C]]struct{}),
	}
	metrics, err := NewMetrics(o.meter, p)
	if err != nil {
		// metrics is still usable with noop instruments
		p.logger.Warn("failed to initialize pool metrics", "error", err)
	}
	p.metrics = metrics
	p.evictor = newEvictor(cfg.TimeBetweenEvictionRuns, p.runEviction)
	return p, nil
}

// Name returns the pool name.
func (p *Pool[C]) Name() string { return p.cfg.Name }

// Config returns the effective configuration, defaults applied.
func (p *Pool[C]) Config() Config { return p.cfg }

// Open opens InitialSize connections, retrying each one up to
// ConnectRetries times, and starts the evictor. If the initial fill fails
// the pool is shut down and the error returned.
func (p *Pool[C]) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateNew {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("pool %q: cannot open in state %s", p.cfg.Name, state)
	}
	p.state = stateOpen
	p.mu.Unlock()

	for i := 0; i < p.cfg.InitialSize; i++ {
		r := retry.New(connectRetryBaseDelay, connectRetryMaxDelay, retry.WithMaxAttempts(p.cfg.ConnectRetries))
		if err := retry.Do(ctx, r, p.addIdle); err != nil {
			p.logger.ErrorContext(ctx, "initial fill failed", "opened", i, "error", err)
			_ = p.Shutdown(context.Background())
			return fmt.Errorf("pool %q: initial fill: %w", p.cfg.Name, err)
		}
	}

	p.evictor.start(context.WithoutCancel(ctx))
	p.maybeFill()

	p.logger.InfoContext(ctx, "pool opened",
		"initial_size", p.cfg.InitialSize,
		"min_idle", p.cfg.MinIdle,
		"max_active", p.cfg.MaxActive,
		"max_wait", p.cfg.MaxWait,
		"eviction_interval", p.cfg.TimeBetweenEvictionRuns,
	)
	return nil
}

// Get acquires a slot using the configured MaxWait as timeout.
func (p *Pool[C]) Get(ctx context.Context) (*Slot[C], error) {
	return p.Acquire(ctx, p.cfg.MaxWait)
}

// Acquire returns an exclusively owned slot.
//
// A zero timeout never blocks: if the pool is exhausted it fails at once
// with ErrPoolExhausted. A negative timeout waits until ctx is done. Slots
// failing validation are discarded and replaced transparently; acquire only
// fails with ErrValidationFailed after MaxValidationFailures consecutive
// failures or when the timeout expires after at least one failure.
func (p *Pool[C]) Acquire(ctx context.Context, timeout time.Duration) (*Slot[C], error) {
	noWait := timeout == 0
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout,
			fmt.Errorf("pool %q: %w: no connection within %v", p.cfg.Name, ErrPoolExhausted, timeout))
		defer cancel()
	}

	var lastErr error
	failures := 0
	for {
		slot, err := p.borrow(ctx, noWait)
		if err != nil {
			if lastErr != nil {
				return nil, errors.Join(err, lastErr)
			}
			return nil, err
		}

		if !p.cfg.TestOnBorrow && !slot.Suspect() && !slot.conn.IsClosed() {
			return p.lease(slot)
		}
		if err = p.validate(ctx, slot); err == nil {
			return p.lease(slot)
		}
		lastErr = err

		p.destroy(slot)
		failures++
		if failures >= p.cfg.MaxValidationFailures {
			return nil, fmt.Errorf("pool %q: %d consecutive failures: %w", p.cfg.Name, failures, lastErr)
		}
	}
}

// borrow takes an idle slot, opens a new one, or waits for one to be
// handed over. The returned slot is busy but not yet leased.
func (p *Pool[C]) borrow(ctx context.Context, noWait bool) (*Slot[C], error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	p.mu.Lock()
	if p.state != stateOpen {
		err := p.stateErrLocked()
		p.mu.Unlock()
		return nil, err
	}
	if n := len(p.idle); n > 0 {
		slot := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.markBusyLocked(slot)
		p.mu.Unlock()
		p.maybeFill()
		return slot, nil
	}
	if p.totalLocked() < p.cfg.MaxActive {
		p.opening++
		p.mu.Unlock()
		return p.create(ctx)
	}
	if noWait {
		p.mu.Unlock()
		p.timeouts.Add(1)
		p.metrics.recordTimeout(ctx, p.cfg.Name)
		return nil, fmt.Errorf("pool %q: %w", p.cfg.Name, ErrPoolExhausted)
	}
	w := p.waiters.push()
	p.mu.Unlock()

	p.waits.Add(1)
	return p.wait(ctx, w)
}

func (p *Pool[C]) wait(ctx context.Context, w *waiter[C]) (*Slot[C], error) {
	select {
	case h := <-w.ch:
		return p.accept(ctx, h)
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.waiters.remove(w)
		p.mu.Unlock()

		err := context.Cause(ctx)
		if errors.Is(err, ErrPoolExhausted) {
			p.timeouts.Add(1)
			p.metrics.recordTimeout(context.WithoutCancel(ctx), p.cfg.Name)
		}
		if !removed {
			// We raced with a handover. Pass it on so a patient waiter
			// gets it instead of it being lost with us.
			p.forward(<-w.ch)
		}
		return nil, err
	}
}

// accept turns a handoff into a slot.
func (p *Pool[C]) accept(ctx context.Context, h handoff[C]) (*Slot[C], error) {
	switch {
	case h.err != nil:
		return nil, h.err
	case h.grant:
		return p.create(ctx)
	default:
		return h.slot, nil
	}
}

// forward gives a handoff this waiter can no longer use to the next one.
func (p *Pool[C]) forward(h handoff[C]) {
	switch {
	case h.slot != nil:
		p.mu.Lock()
		if p.state != stateOpen {
			p.unmarkBusyLocked(h.slot)
			p.mu.Unlock()
			p.closeSlot(h.slot)
			return
		}
		p.putLocked(h.slot, false)
		p.mu.Unlock()
	case h.grant:
		p.mu.Lock()
		p.opening--
		p.grantCapacityLocked()
		p.signalDrainLocked()
		p.mu.Unlock()
	}
}

// create opens a connection against capacity already reserved in
// p.opening and returns it as a busy slot.
func (p *Pool[C]) create(ctx context.Context) (*Slot[C], error) {
	start := time.Now()
	conn, err := p.connect(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.grantCapacityLocked()
		p.signalDrainLocked()
		p.mu.Unlock()
		p.consecutiveFailures.Add(1)
		return nil, fmt.Errorf("pool %q: open connection: %w", p.cfg.Name, err)
	}
	if p.state != stateOpen {
		err := p.stateErrLocked()
		p.signalDrainLocked()
		p.mu.Unlock()
		_ = conn.Close()
		return nil, err
	}
	slot := newSlot(p, conn)
	p.markBusyLocked(slot)
	p.mu.Unlock()

	p.created.Add(1)
	p.metrics.recordCreate(ctx, p.cfg.Name, time.Since(start))
	return slot, nil
}

// addIdle opens one connection and adds it to the idle set, or hands it to
// a waiter. It does nothing if the pool is already at MaxActive.
func (p *Pool[C]) addIdle(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateOpen {
		err := p.stateErrLocked()
		p.mu.Unlock()
		return err
	}
	if p.totalLocked() >= p.cfg.MaxActive {
		p.mu.Unlock()
		return nil
	}
	p.opening++
	p.mu.Unlock()

	slot, err := p.create(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state != stateOpen {
		p.unmarkBusyLocked(slot)
		p.signalDrainLocked()
		err := p.stateErrLocked()
		p.mu.Unlock()
		p.closeSlot(slot)
		return err
	}
	p.putLocked(slot, true)
	p.mu.Unlock()
	p.consecutiveFailures.Store(0)
	return nil
}

// lease hands a busy slot to its borrower. If Shutdown started while the
// slot was being validated or handed over, the slot is closed instead.
func (p *Pool[C]) lease(slot *Slot[C]) (*Slot[C], error) {
	p.mu.Lock()
	if p.state != stateOpen {
		err := p.stateErrLocked()
		owned := slot.busy
		if owned {
			p.unmarkBusyLocked(slot)
			p.signalDrainLocked()
		}
		p.mu.Unlock()
		if owned {
			p.closeSlot(slot)
		}
		return nil, err
	}
	slot.leased.Store(true)
	p.mu.Unlock()

	p.consecutiveFailures.Store(0)
	slot.borrowed.update()
	return slot, nil
}

// Release returns a borrowed slot to the pool. With TestOnReturn the slot is
// validated first and destroyed if it fails.
func (p *Pool[C]) Release(slot *Slot[C]) error {
	if slot == nil {
		return nil
	}
	if slot.pool != p || !slot.leased.CompareAndSwap(true, false) {
		return fmt.Errorf("pool %q: release slot %s: %w", p.cfg.Name, slot.id, ErrNotBorrowed)
	}
	if p.forceClosed(slot) {
		return fmt.Errorf("pool %q: %w", p.cfg.Name, ErrPoolClosed)
	}

	if slot.conn.IsClosed() {
		p.destroy(slot)
		return nil
	}
	if p.cfg.TestOnReturn && p.isOpen() {
		if err := p.validate(context.Background(), slot); err != nil {
			p.logger.Debug("slot failed validation on return", "slot_id", slot.id, "error", err)
			p.destroy(slot)
			return nil
		}
	}

	p.mu.Lock()
	switch p.state {
	case stateOpen:
		p.putLocked(slot, true)
		p.mu.Unlock()
		return nil
	case stateDraining:
		p.unmarkBusyLocked(slot)
		p.signalDrainLocked()
		p.mu.Unlock()
		p.closeSlot(slot)
		return nil
	default:
		// Shutdown already force-closed the connection.
		p.mu.Unlock()
		return fmt.Errorf("pool %q: %w", p.cfg.Name, ErrPoolClosed)
	}
}

// Discard closes a borrowed slot's connection and frees its capacity.
func (p *Pool[C]) Discard(slot *Slot[C]) error {
	if slot == nil {
		return nil
	}
	if slot.pool != p || !slot.leased.CompareAndSwap(true, false) {
		return fmt.Errorf("pool %q: discard slot %s: %w", p.cfg.Name, slot.id, ErrNotBorrowed)
	}
	if p.forceClosed(slot) {
		return fmt.Errorf("pool %q: %w", p.cfg.Name, ErrPoolClosed)
	}
	p.destroy(slot)
	return nil
}

// forceClosed reports whether Shutdown already closed a borrowed slot.
func (p *Pool[C]) forceClosed(slot *Slot[C]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !slot.busy
}

// validate runs the health check on a slot that is busy and not in the
// idle set. It is called without holding mu.
func (p *Pool[C]) validate(ctx context.Context, slot *Slot[C]) error {
	var err error
	if slot.conn.IsClosed() {
		err = errors.New("connection is closed")
	} else {
		vctx := ctx
		if p.cfg.ValidationQueryTimeout > 0 {
			var cancel context.CancelFunc
			vctx, cancel = context.WithTimeout(ctx, p.cfg.ValidationQueryTimeout)
			defer cancel()
		}
		err = slot.conn.Validate(vctx, p.cfg.ValidationQuery)
	}
	if err != nil {
		slot.status.Store(int32(StatusInvalid))
		p.validationFailures.Add(1)
		p.consecutiveFailures.Add(1)
		return fmt.Errorf("pool %q: slot %s: %w: %w", p.cfg.Name, slot.id, ErrValidationFailed, err)
	}
	slot.status.Store(int32(StatusValid))
	slot.suspect.Store(false)
	p.consecutiveFailures.Store(0)
	return nil
}

// destroy closes a busy slot and frees its capacity.
func (p *Pool[C]) destroy(slot *Slot[C]) {
	p.mu.Lock()
	p.unmarkBusyLocked(slot)
	p.grantCapacityLocked()
	p.signalDrainLocked()
	p.mu.Unlock()

	p.closeSlot(slot)
	p.maybeFill()
}

func (p *Pool[C]) closeSlot(slot *Slot[C]) {
	if !slot.conn.IsClosed() {
		if err := slot.conn.Close(); err != nil {
			p.logger.Debug("error closing connection", "slot_id", slot.id, "error", err)
		}
	}
	p.destroyed.Add(1)
}

// putLocked returns a busy slot to the first waiter or to the idle set.
func (p *Pool[C]) putLocked(slot *Slot[C], touch bool) {
	if w := p.waiters.pop(); w != nil {
		w.ch <- handoff[C]{slot: slot}
		return
	}
	p.unmarkBusyLocked(slot)
	if touch || slot.returned.isZero() {
		slot.returned.update()
	}
	p.idle = append(p.idle, slot)
}

// grantCapacityLocked lets the first waiter open a connection if capacity
// has been freed.
func (p *Pool[C]) grantCapacityLocked() {
	if p.state != stateOpen || p.waiters.len() == 0 || p.totalLocked() >= p.cfg.MaxActive {
		return
	}
	w := p.waiters.pop()
	p.opening++
	w.ch <- handoff[C]{grant: true}
}

func (p *Pool[C]) markBusyLocked(slot *Slot[C]) {
	slot.busy = true
	p.busy[slot] = struct{}{}
}

func (p *Pool[C]) unmarkBusyLocked(slot *Slot[C]) {
	slot.busy = false
	delete(p.busy, slot)
}

func (p *Pool[C]) totalLocked() int {
	return len(p.idle) + len(p.busy) + p.opening
}

func (p *Pool[C]) signalDrainLocked() {
	if p.drained != nil && len(p.busy) == 0 && p.opening == 0 {
		select {
		case <-p.drained:
		default:
			close(p.drained)
		}
	}
}

func (p *Pool[C]) stateErrLocked() error {
	switch p.state {
	case stateDraining:
		return fmt.Errorf("pool %q: %w", p.cfg.Name, ErrShutdownInProgress)
	default:
		return fmt.Errorf("pool %q: %w", p.cfg.Name, ErrPoolClosed)
	}
}

func (p *Pool[C]) isOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateOpen
}

// Shutdown stops the evictor, rejects new acquisitions, fails current
// waiters, closes idle connections and waits up to DrainTimeout (or until
// ctx is done) for borrowed slots to come back before force-closing them.
func (p *Pool[C]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == stateDraining || p.state == stateClosed {
		p.mu.Unlock()
		return fmt.Errorf("pool %q: %w", p.cfg.Name, ErrPoolClosed)
	}
	p.state = stateDraining
	failed := p.waiters.failAll(fmt.Errorf("pool %q: %w", p.cfg.Name, ErrShutdownInProgress))
	idle := p.idle
	p.idle = nil
	p.drained = make(chan struct{})
	p.signalDrainLocked()
	drained := p.drained
	p.mu.Unlock()

	p.evictor.stop()
	p.bg.Wait()

	for _, slot := range idle {
		p.closeSlot(slot)
	}
	p.logger.InfoContext(ctx, "pool draining", "closed_idle", len(idle), "failed_waiters", failed)

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.state = stateClosed
	forced := make([]*Slot[C], 0, len(p.busy))
	for slot := range p.busy {
		forced = append(forced, slot)
		slot.busy = false
	}
	clear(p.busy)
	p.mu.Unlock()

	for _, slot := range forced {
		p.closeSlot(slot)
	}
	if len(forced) > 0 {
		p.logger.WarnContext(ctx, "force-closed busy connections after drain timeout", "count", len(forced))
	}

	var errs []error
	if err := p.metrics.unregister(); err != nil {
		errs = append(errs, err)
	}
	for _, fn := range p.onClose {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.InfoContext(ctx, "pool closed")
	if len(errs) > 0 {
		return fmt.Errorf("pool %q: shutdown: %w", p.cfg.Name, errors.Join(errs...))
	}
	return nil
}

// Healthy reports whether consecutive validation and connect failures are
// below MaxValidationFailures and the pool is open.
func (p *Pool[C]) Healthy() bool {
	return p.isOpen() && p.consecutiveFailures.Load() < int64(p.cfg.MaxValidationFailures)
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	MaxActive int    `json:"max_active"`
	MinIdle   int    `json:"min_idle"`

	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Opening int `json:"opening"`
	Waiting int `json:"waiting"`

	Created             int64 `json:"created"`
	Destroyed           int64 `json:"destroyed"`
	Evicted             int64 `json:"evicted"`
	ValidationFailures  int64 `json:"validation_failures"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`
	Timeouts            int64 `json:"timeouts"`
	Waits               int64 `json:"waits"`
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Name:      p.cfg.Name,
		State:     p.state.String(),
		MaxActive: p.cfg.MaxActive,
		MinIdle:   p.cfg.MinIdle,
		Idle:      len(p.idle),
		Busy:      len(p.busy),
		Opening:   p.opening,
		Waiting:   p.waiters.len(),
	}
	p.mu.Unlock()

	s.Created = p.created.Load()
	s.Destroyed = p.destroyed.Load()
	s.Evicted = p.evicted.Load()
	s.ValidationFailures = p.validationFailures.Load()
	s.ConsecutiveFailures = p.consecutiveFailures.Load()
	s.Timeouts = p.timeouts.Load()
	s.Waits = p.waits.Load()
	return s
}
