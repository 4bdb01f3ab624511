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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictKeepsMinIdle(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{
		MaxActive:            5,
		MaxWait:              -1,
		MinIdle:              2,
		MinEvictableIdleTime: 10 * time.Millisecond,
	}, f)

	// Borrow five and return them in order so slots[0] is the oldest idle.
	slots := make([]*Slot[*mockConnection], 5)
	for i := range slots {
		var err error
		slots[i], err = pool.Get(t.Context())
		require.NoError(t, err)
	}
	for _, slot := range slots {
		require.NoError(t, slot.Release())
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 3, pool.Evict(t.Context()))

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, int64(3), stats.Evicted)
	for i, slot := range slots {
		assert.Equal(t, i < 3, slot.Conn().IsClosed(), "slot %d", i)
	}

	// At the floor nothing more is evicted.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, pool.Evict(t.Context()))
	assert.Equal(t, 2, pool.Stats().Idle)
}

func TestEvictSkipsRecentlyUsed(t *testing.T) {
	pool := newTestPool(t, Config{
		InitialSize:          3,
		MaxActive:            3,
		MinEvictableIdleTime: time.Hour,
	}, &mockFactory{})

	assert.Equal(t, 0, pool.Evict(t.Context()))
	assert.Equal(t, 3, pool.Stats().Idle)
}

func TestEvictLeavesBorrowedSlots(t *testing.T) {
	pool := newTestPool(t, Config{
		MinEvictableIdleTime: time.Millisecond,
		TestWhileIdle:        true,
	}, &mockFactory{})

	slot, err := pool.Get(t.Context())
	require.NoError(t, err)
	slot.Conn().unhealthy.Store(true)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 0, pool.Evict(t.Context()))
	assert.False(t, slot.Conn().IsClosed())
	assert.Equal(t, int64(0), slot.Conn().validations.Load())
	require.NoError(t, slot.Release())
}

func TestEvictTestWhileIdle(t *testing.T) {
	f := &mockFactory{}
	pool := newTestPool(t, Config{
		InitialSize:   3,
		MaxActive:     3,
		MinIdle:       3,
		TestWhileIdle: true,
	}, f)

	conns := f.connections()
	require.Len(t, conns, 3)
	conns[1].unhealthy.Store(true)

	// Invalid slots are closed even below the floor.
	assert.Equal(t, 1, pool.Evict(t.Context()))
	assert.True(t, conns[1].IsClosed())
	for _, conn := range conns {
		assert.Equal(t, int64(1), conn.validations.Load())
	}

	// The destroyed slot is replaced in the background.
	require.Eventually(t, func() bool {
		return pool.Stats().Idle == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(4), pool.Stats().Created)
}

func TestEvictTestWhileIdleKeepsAgeOrder(t *testing.T) {
	pool := newTestPool(t, Config{
		MaxActive:     3,
		TestWhileIdle: true,
	}, &mockFactory{})

	slots := make([]*Slot[*mockConnection], 3)
	for i := range slots {
		var err error
		slots[i], err = pool.Get(t.Context())
		require.NoError(t, err)
	}
	for _, slot := range slots {
		require.NoError(t, slot.Release())
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 0, pool.Evict(t.Context()))

	// The most recently returned slot is still handed out first.
	got, err := pool.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, slots[2].ID(), got.ID())
	require.NoError(t, got.Release())
}

func TestEvictorRunsPeriodically(t *testing.T) {
	pool := newTestPool(t, Config{
		InitialSize:             3,
		MaxActive:               3,
		MinIdle:                 1,
		TimeBetweenEvictionRuns: 5 * time.Millisecond,
		MinEvictableIdleTime:    10 * time.Millisecond,
	}, &mockFactory{})

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Idle == 1 && s.Evicted == 2
	}, time.Second, time.Millisecond)
}

func TestEvictorRefillsMinIdle(t *testing.T) {
	pool := newTestPool(t, Config{
		MaxActive:               4,
		MinIdle:                 2,
		TimeBetweenEvictionRuns: 5 * time.Millisecond,
	}, &mockFactory{})

	require.Eventually(t, func() bool {
		return pool.Stats().Idle == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(2), pool.Stats().Created)
}

func TestEvictorDisabled(t *testing.T) {
	var runs atomic.Int64
	e := newEvictor(0, func(context.Context) { runs.Add(1) })
	e.start(t.Context())
	time.Sleep(5 * time.Millisecond)
	e.stop()
	assert.Equal(t, int64(0), runs.Load())
}

func TestEvictorStopWaitsForRun(t *testing.T) {
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	e := newEvictor(time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		finished.Store(true)
	})
	e.start(context.Background())
	<-started
	e.stop()
	assert.True(t, finished.Load())
}
