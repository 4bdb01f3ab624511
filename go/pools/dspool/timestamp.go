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
)

var monotonicRoot = time.Now()

// monotonicNow returns the current monotonic time as an offset from
// monotonicRoot. time.Since only subtracts monotonic readings, so this is
// cheap and immune to wall-clock jumps.
func monotonicNow() time.Duration {
	return time.Since(monotonicRoot)
}

// timestamp is a monotonic point in time that can be read and written
// atomically. The zero value means "never".
type timestamp struct {
	nano atomic.Int64
}

func (t *timestamp) update() {
	t.nano.Store(int64(monotonicNow()))
}

func (t *timestamp) isZero() bool {
	return t.nano.Load() == 0
}

// elapsed returns the time since the last update, or zero if never updated.
func (t *timestamp) elapsed() time.Duration {
	ns := t.nano.Load()
	if ns == 0 {
		return 0
	}
	return monotonicNow() - time.Duration(ns)
}

// time converts the timestamp back to a time.Time.
func (t *timestamp) time() time.Time {
	ns := t.nano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return monotonicRoot.Add(time.Duration(ns))
}
