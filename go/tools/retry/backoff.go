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

package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// backoff computes the delay before the next attempt.
// Implementations must be safe for concurrent use.
type backoff interface {
	nextDelay() time.Duration
	reset()
}

// fullJitter is exponential backoff with full jitter:
//
//	sleep = random_between(0, min(maxDelay, baseDelay * 2^attempt))
type fullJitter struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    bool

	mu      sync.Mutex
	rng     *rand.Rand
	attempt int
}

func newFullJitter(baseDelay, maxDelay time.Duration) *fullJitter {
	seed := uint64(time.Now().UnixNano())
	return &fullJitter{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		jitter:    true,
		rng:       rand.New(rand.NewPCG(seed, seed)),
	}
}

// newExponential returns the same curve without jitter, for deterministic tests.
func newExponential(baseDelay, maxDelay time.Duration) *fullJitter {
	return &fullJitter{baseDelay: baseDelay, maxDelay: maxDelay}
}

func (b *fullJitter) nextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	// shifting past 62 bits overflows int64
	shift := min(b.attempt, 62)
	b.attempt++

	delay := b.maxDelay
	if mult := int64(1) << shift; int64(b.baseDelay) <= math.MaxInt64/mult {
		delay = min(time.Duration(int64(b.baseDelay)*mult), b.maxDelay)
	}
	if b.jitter {
		delay = time.Duration(float64(delay) * b.rng.Float64())
	}
	return delay
}

func (b *fullJitter) reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
