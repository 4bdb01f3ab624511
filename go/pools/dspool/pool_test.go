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
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConnection is a mock implementation of Connection for testing.
type mockConnection struct {
	closed      atomic.Bool
	unhealthy   atomic.Bool
	validations atomic.Int64

	// onValidate, if set, runs at the start of every Validate.
	onValidate func()
}

func (m *mockConnection) Validate(ctx context.Context, query string) error {
	m.validations.Add(1)
	if m.onValidate != nil {
		m.onValidate()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.unhealthy.Load() {
		return errors.New("server closed the connection unexpectedly")
	}
	return nil
}

func (m *mockConnection) IsClosed() bool {
	return m.closed.Load()
}

func (m *mockConnection) Close() error {
	m.closed.Store(true)
	return nil
}

var errConnectRefused = errors.New("connection refused")

// mockFactory hands out mockConnections and records them.
type mockFactory struct {
	mu    sync.Mutex
	conns []*mockConnection

	// failNext makes the next n connects fail.
	failNext atomic.Int64
	// unhealthy makes new connections fail validation.
	unhealthy atomic.Bool
}

func (f *mockFactory) connect(ctx context.Context) (*mockConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failNext.Add(-1) >= 0 {
		return nil, errConnectRefused
	}
	f.failNext.Store(0)
	conn := &mockConnection{}
	conn.unhealthy.Store(f.unhealthy.Load())
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *mockFactory) connections() []*mockConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockConnection(nil), f.conns...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestPool creates and opens a pool that is shut down when the test ends.
func newTestPool(t *testing.T, cfg Config, f *mockFactory, opts ...Option) *Pool[*mockConnection] {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	opts = append([]Option{
		WithLogger(testLogger()),
		WithMeter(noop.NewMeterProvider().Meter("test")),
	}, opts...)
	pool, err := NewPool(cfg, f.connect, opts...)
	require.NoError(t, err)
	require.NoError(t, pool.Open(t.Context()))
	t.Cleanup(func() {
		_ = pool.Shutdown(context.Background())
	})
	return pool
}

// waitForWaiters blocks until n clients are queued on the pool.
func waitForWaiters(t *testing.T, pool *Pool[*mockConnection], n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pool.Stats().Waiting == n
	}, time.Second, time.Millisecond)
}

type acquireResult struct {
	slot *Slot[*mockConnection]
	err  error
}

func acquireAsync(ctx context.Context, pool *Pool[*mockConnection], timeout time.Duration) <-chan acquireResult {
	ch := make(chan acquireResult, 1)
	go func() {
		slot, err := pool.Acquire(ctx, timeout)
		ch <- acquireResult{slot: slot, err: err}
	}()
	return ch
}

func TestPoolAcquireRelease(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{MaxActive: 2}, f)

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.NotEqual(t, uuid.Nil, slot.ID())
	assert.False(t, slot.LastBorrowed().IsZero())

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Busy)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, "open", stats.State)

	require.NoError(t, slot.Release())

	stats = pool.Stats()
	assert.Equal(t, 0, stats.Busy)
	assert.Equal(t, 1, stats.Idle)
	assert.False(t, slot.LastReturned().IsZero())

	// The idle slot is reused rather than opening a new connection.
	again, err := pool.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, slot.ID(), again.ID())
	assert.Equal(t, int64(1), pool.Stats().Created)
	require.NoError(t, again.Release())
}

func TestPoolOpenInitialSize(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{InitialSize: 3, MaxActive: 5}, f)

	stats := pool.Stats()
	assert.Equal(t, 3, stats.Idle)
	assert.Equal(t, int64(3), stats.Created)
	assert.Len(t, f.connections(), 3)
}

func TestPoolOpenTwice(t *testing.T) {
	pool := newTestPool(t, Config{}, &mockFactory{})
	assert.Error(t, pool.Open(t.Context()))
}

func TestPoolOpenRetriesConnect(t *testing.T) {
	f := &mockFactory{}
	f.failNext.Store(2)
	pool := newTestPool(t, Config{InitialSize: 1, ConnectRetries: 3}, f)

	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestPoolOpenFailsAfterRetries(t *testing.T) {
	f := &mockFactory{}
	f.failNext.Store(100)

	pool, err := NewPool(Config{Name: "broken", InitialSize: 1, ConnectRetries: 2}, f.connect,
		WithLogger(testLogger()), WithMeter(noop.NewMeterProvider().Meter("test")))
	require.NoError(t, err)

	err = pool.Open(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, errConnectRefused)
	assert.Equal(t, "closed", pool.Stats().State)
	assert.False(t, pool.Healthy())

	_, err = pool.Get(t.Context())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolExhaustedNoWait(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 1}, &mockFactory{})

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)

	_, err = pool.Get(t.Context())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, int64(1), pool.Stats().Timeouts)

	require.NoError(t, slot.Release())
}

func TestPoolExhaustedTimeout(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 1, MaxWait: 50 * time.Millisecond}, &mockFactory{})

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Get(t.Context())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, pool.Stats().Waiting)

	require.NoError(t, slot.Release())
}

func TestPoolWaiterReceivesReleasedSlot(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 1}, &mockFactory{})

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	res := acquireAsync(t.Context(), pool, -1)
	waitForWaiters(t, pool, 1)

	require.NoError(t, held.Release())

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, held.ID(), r.slot.ID())
	assert.Equal(t, 0, pool.Stats().Waiting)
	require.NoError(t, r.slot.Release())
}

func TestPoolWaitersAreFIFO(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 1}, &mockFactory{})

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := pool.Acquire(t.Context(), -1)
			if !assert.NoError(t, err) {
				return
			}
			order <- i
			assert.NoError(t, slot.Release())
		}()
		waitForWaiters(t, pool, i)
	}

	require.NoError(t, held.Release())
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestPoolTimedOutWaiterDoesNotConsumeSlot(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 1}, &mockFactory{})

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	impatient := acquireAsync(t.Context(), pool, 20*time.Millisecond)
	waitForWaiters(t, pool, 1)
	patient := acquireAsync(t.Context(), pool, -1)
	waitForWaiters(t, pool, 2)

	r := <-impatient
	assert.ErrorIs(t, r.err, ErrPoolExhausted)
	assert.Equal(t, 1, pool.Stats().Waiting)

	require.NoError(t, held.Release())

	r = <-patient
	require.NoError(t, r.err)
	assert.Equal(t, held.ID(), r.slot.ID())
	require.NoError(t, r.slot.Release())

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Busy)
}

func TestPoolAcquireCanceled(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 1}, &mockFactory{})

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	res := acquireAsync(ctx, pool, -1)
	waitForWaiters(t, pool, 1)
	cancel()

	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, pool.Stats().Waiting)
	// Cancellation is not a pool timeout.
	assert.Equal(t, int64(0), pool.Stats().Timeouts)

	require.NoError(t, held.Release())
}

func TestPoolTestOnBorrowReplacesInvalidSlot(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{MaxActive: 2, TestOnBorrow: true}, f)

	first, err := pool.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusValid, first.Status())
	require.NoError(t, first.Release())

	first.Conn().unhealthy.Store(true)

	second, err := pool.Get(t.Context())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, first.Conn().IsClosed())
	assert.Equal(t, StatusInvalid, first.Status())

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.ValidationFailures)
	assert.Equal(t, int64(1), stats.Destroyed)
	assert.Equal(t, int64(0), stats.ConsecutiveFailures)
	assert.True(t, pool.Healthy())

	require.NoError(t, second.Release())
}

func TestPoolValidationFailureEscalates(t *testing.T) {
	f := &mockFactory{}
	f.unhealthy.Store(true)
	pool := newTestPool(t, Config{MaxActive: 2, TestOnBorrow: true, MaxValidationFailures: 3}, f)

	_, err := pool.Get(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Created)
	assert.Equal(t, int64(3), stats.Destroyed)
	assert.Equal(t, 0, stats.Busy)
	assert.Equal(t, 0, stats.Idle)
	assert.False(t, pool.Healthy())

	// A good connection restores health.
	f.unhealthy.Store(false)
	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	assert.True(t, pool.Healthy())
	require.NoError(t, slot.Release())
}

func TestPoolTestOnReturnDestroysInvalidSlot(t *testing.T) {
	pool := newTestPool(t, Config{TestOnReturn: true}, &mockFactory{})

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	slot.Conn().unhealthy.Store(true)

	require.NoError(t, slot.Release())
	assert.True(t, slot.Conn().IsClosed())

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Busy)
	assert.Equal(t, int64(1), stats.Destroyed)
}

func TestPoolSuspectSlotIsRevalidated(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 2}, &mockFactory{})

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	slot.MarkSuspect()
	require.NoError(t, slot.Release())
	assert.True(t, slot.Suspect())

	// Healthy suspect: validated once and handed out again.
	again, err := pool.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, slot.ID(), again.ID())
	assert.Equal(t, int64(1), again.Conn().validations.Load())
	assert.False(t, again.Suspect())

	// Unhealthy suspect: replaced.
	again.MarkSuspect()
	again.Conn().unhealthy.Store(true)
	require.NoError(t, again.Release())

	replaced, err := pool.Get(t.Context())
	require.NoError(t, err)
	assert.NotEqual(t, slot.ID(), replaced.ID())
	assert.True(t, slot.Conn().IsClosed())
	require.NoError(t, replaced.Release())
}

func TestPoolReleaseClosedConnection(t *testing.T) {
	pool := newTestPool(t, Config{}, &mockFactory{})

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	require.NoError(t, slot.Conn().Close())
	require.NoError(t, slot.Release())

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.Destroyed)
}

func TestPoolDoubleRelease(t *testing.T) {
	pool := newTestPool(t, Config{}, &mockFactory{})

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	require.NoError(t, slot.Release())

	assert.ErrorIs(t, slot.Release(), ErrNotBorrowed)
	assert.ErrorIs(t, slot.Discard(), ErrNotBorrowed)
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestPoolReleaseToWrongPool(t *testing.T) {
	a := newTestPool(t, Config{Name: "a"}, &mockFactory{})
	b := newTestPool(t, Config{Name: "b"}, &mockFactory{})

	slot, err := a.Get(t.Context())
	require.NoError(t, err)

	assert.ErrorIs(t, b.Release(slot), ErrNotBorrowed)
	require.NoError(t, a.Release(slot))
}

func TestPoolDiscardGrantsCapacityToWaiter(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 1}, &mockFactory{})

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	res := acquireAsync(t.Context(), pool, -1)
	waitForWaiters(t, pool, 1)

	require.NoError(t, held.Discard())

	r := <-res
	require.NoError(t, r.err)
	assert.NotEqual(t, held.ID(), r.slot.ID())
	assert.True(t, held.Conn().IsClosed())
	assert.Equal(t, int64(2), pool.Stats().Created)
	require.NoError(t, r.slot.Release())
}

func TestPoolConnectFailureGrantsNextWaiter(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{MaxActive: 1}, f)

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	res := acquireAsync(t.Context(), pool, -1)
	waitForWaiters(t, pool, 1)

	// The waiter's reconnect fails once; the waiter gets the error and the
	// capacity stays available.
	f.failNext.Store(1)
	require.NoError(t, held.Discard())

	r := <-res
	assert.ErrorIs(t, r.err, errConnectRefused)

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	require.NoError(t, slot.Release())
}

func TestPoolDiscardRefillsMinIdle(t *testing.T) {
	pool := newTestPool(t, Config{InitialSize: 2, MinIdle: 2, MaxActive: 3}, &mockFactory{})

	held, err := pool.Get(t.Context())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return pool.Stats().Idle == 2
	}, time.Second, time.Millisecond)

	// At MaxActive, so this borrow cannot be backfilled.
	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Stats().Idle)

	require.NoError(t, slot.Discard())

	require.Eventually(t, func() bool {
		return pool.Stats().Idle == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(4), pool.Stats().Created)
	require.NoError(t, held.Release())
}

func TestPoolBorrowRefillsMinIdle(t *testing.T) {
	pool := newTestPool(t, Config{
		InitialSize:             2,
		MinIdle:                 2,
		MaxActive:               4,
		TimeBetweenEvictionRuns: 0,
	}, &mockFactory{})

	slot, err := pool.Acquire(t.Context(), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Idle == 2 && s.Busy == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(3), pool.Stats().Created)

	require.NoError(t, slot.Release())
	assert.Equal(t, 3, pool.Stats().Idle)
}

func TestPoolConcurrentBorrowersAreExclusive(t *testing.T) {
	const (
		maxActive  = 4
		goroutines = 16
		iterations = 50
	)
	pool := newTestPool(t, Config{MaxActive: maxActive, MaxWait: -1}, &mockFactory{})

	var (
		mu      sync.Mutex
		inUse   = make(map[uuid.UUID]bool)
		maxSeen int
	)
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				slot, err := pool.Get(t.Context())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, inUse[slot.ID()], "slot handed to two borrowers")
				inUse[slot.ID()] = true
				maxSeen = max(maxSeen, len(inUse))
				mu.Unlock()

				time.Sleep(10 * time.Microsecond)

				mu.Lock()
				delete(inUse, slot.ID())
				mu.Unlock()
				assert.NoError(t, slot.Release())
			}
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	assert.LessOrEqual(t, maxSeen, maxActive)
	assert.LessOrEqual(t, stats.Created, int64(maxActive))
	assert.Equal(t, 0, stats.Busy)
	assert.Equal(t, 0, stats.Waiting)
	assert.LessOrEqual(t, stats.Idle, maxActive)
}

func TestPoolShutdownClosesIdle(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{InitialSize: 3}, f)

	require.NoError(t, pool.Shutdown(t.Context()))
	for _, conn := range f.connections() {
		assert.True(t, conn.IsClosed())
	}
	assert.Equal(t, "closed", pool.Stats().State)

	_, err := pool.Get(t.Context())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, pool.Shutdown(t.Context()), ErrPoolClosed)
}

func TestPoolShutdownWaitsForBorrowed(t *testing.T) {
	pool := newTestPool(t, Config{DrainTimeout: 5 * time.Second}, &mockFactory{})

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pool.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		return pool.Stats().State == "draining"
	}, time.Second, time.Millisecond)

	_, err = pool.Get(t.Context())
	assert.ErrorIs(t, err, ErrShutdownInProgress)

	select {
	case <-done:
		t.Fatal("shutdown returned while a slot was still borrowed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, held.Release())
	require.NoError(t, <-done)
	assert.True(t, held.Conn().IsClosed())
}

func TestPoolShutdownDuringBorrowValidation(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{
		InitialSize:  1,
		MaxActive:    1,
		TestOnBorrow: true,
		DrainTimeout: 5 * time.Second,
	}, f)

	conns := f.connections()
	require.Len(t, conns, 1)
	entered := make(chan struct{})
	proceed := make(chan struct{})
	conns[0].onValidate = func() {
		close(entered)
		<-proceed
	}

	res := acquireAsync(t.Context(), pool, -1)
	<-entered

	done := make(chan error, 1)
	go func() { done <- pool.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool {
		return pool.Stats().State == "draining"
	}, time.Second, time.Millisecond)
	close(proceed)

	r := <-res
	assert.ErrorIs(t, r.err, ErrShutdownInProgress)
	assert.Nil(t, r.slot)
	assert.True(t, conns[0].IsClosed())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown kept waiting for a slot that was never handed out")
	}
	assert.Equal(t, 0, pool.Stats().Busy)
}

func TestPoolShutdownDuringHandoff(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{
		MaxActive:    1,
		MaxWait:      -1,
		TestOnBorrow: true,
		DrainTimeout: 5 * time.Second,
	}, f)

	held, err := pool.Get(t.Context())
	require.NoError(t, err)
	entered := make(chan struct{})
	proceed := make(chan struct{})
	held.Conn().onValidate = func() {
		close(entered)
		<-proceed
	}

	res := acquireAsync(t.Context(), pool, -1)
	waitForWaiters(t, pool, 1)
	require.NoError(t, held.Release())
	<-entered

	done := make(chan error, 1)
	go func() { done <- pool.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool {
		return pool.Stats().State == "draining"
	}, time.Second, time.Millisecond)
	close(proceed)

	r := <-res
	assert.ErrorIs(t, r.err, ErrShutdownInProgress)
	assert.True(t, held.Conn().IsClosed())
	require.NoError(t, <-done)
}

func TestPoolShutdownForceClosesAfterDrainTimeout(t *testing.T) {
	var closed atomic.Bool
	pool := newTestPool(t, Config{DrainTimeout: 30 * time.Millisecond}, &mockFactory{},
		WithOnClose(func() error {
			closed.Store(true)
			return nil
		}))

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, pool.Shutdown(t.Context()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.True(t, held.Conn().IsClosed())
	assert.True(t, closed.Load())

	assert.ErrorIs(t, held.Release(), ErrPoolClosed)
}

func TestPoolShutdownFailsWaiters(t *testing.T) {
	pool := newTestPool(t, Config{MaxActive: 1, DrainTimeout: 20 * time.Millisecond}, &mockFactory{})

	held, err := pool.Get(t.Context())
	require.NoError(t, err)

	res := acquireAsync(t.Context(), pool, -1)
	waitForWaiters(t, pool, 1)

	require.NoError(t, pool.Shutdown(t.Context()))

	r := <-res
	assert.ErrorIs(t, r.err, ErrShutdownInProgress)
	assert.True(t, held.Conn().IsClosed())
}

func TestPoolShutdownOnCloseError(t *testing.T) {
	errClose := errors.New("close driver")
	pool := newTestPool(t, Config{}, &mockFactory{}, WithOnClose(func() error { return errClose }))

	assert.ErrorIs(t, pool.Shutdown(t.Context()), errClose)
}

func TestNewPoolRejectsInvalidConfig(t *testing.T) {
	f := &mockFactory{}
	_, err := NewPool(Config{Name: "bad", InitialSize: 10, MaxActive: 2}, f.connect)
	assert.ErrorContains(t, err, "initialSize")
}
