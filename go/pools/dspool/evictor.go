// Copyright 2019 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

package dspool

import (
	"context"
	"slices"
	"sync"
	"time"
)

// evictor runs a pool's eviction scan at a fixed interval.
//
//   - the next run is scheduled only after the current one completes
//   - stop cancels the run context and waits for an in-flight run
//   - a zero interval disables it
type evictor struct {
	interval time.Duration
	run      func(ctx context.Context)

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	wg      sync.WaitGroup
}

func newEvictor(interval time.Duration, run func(ctx context.Context)) *evictor {
	return &evictor{interval: interval, run: run}
}

func (e *evictor) start(parent context.Context) {
	if e.interval <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(parent)
	e.timer = time.AfterFunc(e.interval, e.execute)
}

func (e *evictor) stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.timer.Stop()
	e.timer = nil
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *evictor) execute() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	defer e.wg.Done()
	ctx := e.ctx
	e.mu.Unlock()

	e.run(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.timer = time.AfterFunc(e.interval, e.execute)
	}
}

// runEviction is the evictor callback: one scan, then top the idle set back
// up to MinIdle.
func (p *Pool[C]) runEviction(ctx context.Context) {
	evicted := p.Evict(ctx)
	if err := p.fill(ctx); err != nil {
		p.logger.WarnContext(ctx, "failed to refill idle connections", "error", err)
	}
	if evicted > 0 {
		s := p.Stats()
		p.logger.DebugContext(ctx, "eviction run", "evicted", evicted, "idle", s.Idle, "busy", s.Busy)
	}
}

// Evict runs one eviction scan and returns the number of connections closed.
//
// Idle slots that have been idle longer than MinEvictableIdleTime are closed,
// oldest first, as long as the idle set stays at or above MinIdle. With
// TestWhileIdle the remaining idle slots are then validated one at a time and
// invalid ones are closed regardless of the floor. Busy slots are never
// touched.
func (p *Pool[C]) Evict(ctx context.Context) int {
	p.mu.Lock()
	if p.state != stateOpen {
		p.mu.Unlock()
		return 0
	}
	var stale []*Slot[C]
	if threshold := p.cfg.MinEvictableIdleTime; threshold > 0 {
		excess := len(p.idle) - p.cfg.MinIdle
		// idle[0] is the least recently returned slot.
		keep := p.idle[:0]
		for _, slot := range p.idle {
			if excess > 0 && slot.returned.elapsed() > threshold {
				stale = append(stale, slot)
				excess--
				continue
			}
			keep = append(keep, slot)
		}
		clear(p.idle[len(keep):])
		p.idle = keep
	}
	var check []*Slot[C]
	if p.cfg.TestWhileIdle {
		check = slices.Clone(p.idle)
	}
	p.mu.Unlock()

	for _, slot := range stale {
		p.closeSlot(slot)
	}
	evicted := len(stale)

	for _, slot := range check {
		if ctx.Err() != nil {
			break
		}
		if !p.takeIdle(slot) {
			// borrowed since the snapshot
			continue
		}
		if err := p.validate(ctx, slot); err != nil {
			p.logger.DebugContext(ctx, "evicting invalid idle connection", "slot_id", slot.id, "error", err)
			p.destroy(slot)
			evicted++
			continue
		}
		p.returnChecked(slot)
	}

	p.evicted.Add(int64(evicted))
	return evicted
}

// takeIdle moves slot from the idle set to busy if it is still idle.
func (p *Pool[C]) takeIdle(slot *Slot[C]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateOpen {
		return false
	}
	i := slices.Index(p.idle, slot)
	if i < 0 {
		return false
	}
	p.idle = slices.Delete(p.idle, i, i+1)
	p.markBusyLocked(slot)
	return true
}

// returnChecked puts a slot taken by the evictor back without refreshing its
// idle timestamp.
func (p *Pool[C]) returnChecked(slot *Slot[C]) {
	p.mu.Lock()
	if p.state != stateOpen {
		p.unmarkBusyLocked(slot)
		p.signalDrainLocked()
		p.mu.Unlock()
		p.closeSlot(slot)
		return
	}
	if p.waiters.len() > 0 {
		p.putLocked(slot, false)
		p.mu.Unlock()
		return
	}
	// keep age order: the checked slot has not been used
	p.unmarkBusyLocked(slot)
	i, _ := slices.BinarySearchFunc(p.idle, slot.returned.elapsed(), func(s *Slot[C], age time.Duration) int {
		switch e := s.returned.elapsed(); {
		case e > age:
			return -1
		case e < age:
			return 1
		default:
			return 0
		}
	})
	p.idle = slices.Insert(p.idle, i, slot)
	p.mu.Unlock()
}

// fill opens connections until the idle set reaches MinIdle or the pool
// reaches MaxActive. Only one fill runs at a time.
func (p *Pool[C]) fill(ctx context.Context) error {
	if p.cfg.MinIdle == 0 || !p.filling.CompareAndSwap(false, true) {
		return nil
	}
	defer p.filling.Store(false)

	for {
		p.mu.Lock()
		need := p.state == stateOpen &&
			len(p.idle)+p.opening < p.cfg.MinIdle &&
			p.totalLocked() < p.cfg.MaxActive
		p.mu.Unlock()
		if !need {
			return nil
		}
		if err := p.addIdle(ctx); err != nil {
			return err
		}
	}
}

// maybeFill starts a background fill if the idle set is below MinIdle.
func (p *Pool[C]) maybeFill() {
	if p.cfg.MinIdle == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateOpen || len(p.idle)+p.opening >= p.cfg.MinIdle || p.filling.Load() {
		return
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
		defer cancel()
		if err := p.fill(ctx); err != nil {
			p.logger.Warn("failed to refill idle connections", "error", err)
		}
	}()
}
