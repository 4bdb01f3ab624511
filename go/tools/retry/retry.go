// Copyright 2025 Supabase, Inc.
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

// Package retry provides bounded retry loops with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is returned by StartAttempt once the configured
// maximum number of attempts has been used.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Timer abstracts waiting so tests can run without sleeping.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Retry tracks the state of one retry loop.
//
// Example usage:
//
//	r := retry.New(100*time.Millisecond, 5*time.Second, retry.WithMaxAttempts(3))
//	for {
//	    if err := r.StartAttempt(ctx); err != nil {
//	        return err
//	    }
//	    if err := connect(); err == nil {
//	        return nil
//	    }
//	}
type Retry struct {
	maxAttempts  int
	initialDelay bool
	backoff      backoff
	timer        Timer
	attempt      int
}

// Option configures a Retry.
type Option func(*Retry)

// WithInitialDelay waits before the first attempt too.
func WithInitialDelay() Option {
	return func(r *Retry) { r.initialDelay = true }
}

// WithMaxAttempts bounds the loop to n attempts. Zero or negative means unbounded.
func WithMaxAttempts(n int) Option {
	return func(r *Retry) { r.maxAttempts = n }
}

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(t Timer) Option {
	return func(r *Retry) { r.timer = t }
}

// withoutJitter makes delays deterministic.
func withoutJitter() Option {
	return func(r *Retry) {
		if fj, ok := r.backoff.(*fullJitter); ok {
			r.backoff = newExponential(fj.baseDelay, fj.maxDelay)
		}
	}
}

// New creates a Retry. It panics on invalid delays since those are coding errors.
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Retry {
	if baseDelay <= 0 {
		panic("retry: baseDelay must be positive")
	}
	if maxDelay < baseDelay {
		panic("retry: maxDelay cannot be smaller than baseDelay")
	}
	r := &Retry{
		backoff: newFullJitter(baseDelay, maxDelay),
		timer:   realTimer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartAttempt waits out the backoff delay (none before the first attempt
// unless WithInitialDelay was given) and returns nil if the caller should
// make another attempt.
func (r *Retry) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return ErrAttemptsExhausted
	}
	if r.attempt > 0 || r.initialDelay {
		select {
		case <-r.timer.After(r.backoff.nextDelay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.attempt++
	return nil
}

// Attempt returns the number of attempts started so far.
func (r *Retry) Attempt() int {
	return r.attempt
}

// Reset restarts the backoff curve. The attempt counter is kept.
func (r *Retry) Reset() {
	r.backoff.reset()
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done.
// The returned error wraps both the stop reason and fn's last error.
func Do(ctx context.Context, r *Retry, fn func(ctx context.Context) error) error {
	var last error
	for {
		if err := r.StartAttempt(ctx); err != nil {
			if last == nil {
				return err
			}
			return fmt.Errorf("after %d attempts: %w", r.Attempt(), errors.Join(err, last))
		}
		if last = fn(ctx); last == nil {
			return nil
		}
	}
}
