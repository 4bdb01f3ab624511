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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ValidationStatus is the outcome of the last health check run on a slot.
type ValidationStatus int32

const (
	StatusUnknown ValidationStatus = iota
	StatusValid
	StatusInvalid
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Slot wraps one physical connection with the metadata the pool tracks for
// it. A borrowed slot is exclusively owned by its borrower until Release or
// Discard.
type Slot[C Connection] struct {
	id   uuid.UUID
	conn C
	pool *Pool[C]

	createdAt time.Time
	borrowed  timestamp
	returned  timestamp

	status  atomic.Int32
	suspect atomic.Bool

	// leased is set while a borrower holds the slot. Release flips it back
	// with a CAS so a slot can only be returned once per borrow.
	leased atomic.Bool

	// busy is true while the slot is outside the idle set. Guarded by pool.mu.
	busy bool
}

func newSlot[C Connection](p *Pool[C], conn C) *Slot[C] {
	return &Slot[C]{
		id:        uuid.New(),
		conn:      conn,
		pool:      p,
		createdAt: time.Now(),
	}
}

// ID returns the slot's unique identity.
func (s *Slot[C]) ID() uuid.UUID { return s.id }

// Conn returns the underlying connection.
func (s *Slot[C]) Conn() C { return s.conn }

// CreatedAt returns when the physical connection was opened.
func (s *Slot[C]) CreatedAt() time.Time { return s.createdAt }

// LastBorrowed returns when the slot was last handed to a borrower.
func (s *Slot[C]) LastBorrowed() time.Time { return s.borrowed.time() }

// LastReturned returns when the slot last entered the idle set.
func (s *Slot[C]) LastReturned() time.Time { return s.returned.time() }

// IdleTime returns how long the slot has been idle since its last return.
func (s *Slot[C]) IdleTime() time.Duration { return s.returned.elapsed() }

// Status returns the result of the last validation.
func (s *Slot[C]) Status() ValidationStatus { return ValidationStatus(s.status.Load()) }

// MarkSuspect forces validation before the slot is handed out again,
// regardless of the pool's test-on-borrow setting.
func (s *Slot[C]) MarkSuspect() {
	s.suspect.Store(true)
}

// Suspect reports whether the slot will be revalidated on its next borrow.
func (s *Slot[C]) Suspect() bool { return s.suspect.Load() }

// Release returns the slot to its pool.
func (s *Slot[C]) Release() error {
	return s.pool.Release(s)
}

// Discard closes the slot's connection and removes it from its pool.
func (s *Slot[C]) Discard() error {
	return s.pool.Discard(s)
}
