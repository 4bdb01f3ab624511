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

// Package dspool implements a bounded, health-checked connection pool for a
// single datasource. Idle connections are reused most-recently-returned first,
// waiters are served in arrival order, and a background evictor trims idle
// connections down to a configured floor.
package dspool

import "context"

// Connection represents one physical database connection owned by a pool.
// A connection is used by at most one borrower at a time.
type Connection interface {
	// Validate checks that the connection is still usable. When query is
	// non-empty it is executed; otherwise a driver-level ping is enough.
	Validate(ctx context.Context, query string) error

	// IsClosed returns true if the connection has been closed.
	IsClosed() bool

	// Close closes the connection and releases associated resources.
	Close() error
}
