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

package sqlconn

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/multigres/multids/go/pools/dspool"
)

// DefaultSlowSQLThreshold is used when slow-SQL logging is enabled without
// a threshold.
const DefaultSlowSQLThreshold = 3 * time.Second

// maxNormalizedCache bounds the memo of normalized statements.
const maxNormalizedCache = 4096

// SQLStat aggregates executions of one statement.
type SQLStat struct {
	SQL          string        `json:"sql"`
	ExecuteCount int64         `json:"execute_count"`
	ErrorCount   int64         `json:"error_count"`
	TotalTime    time.Duration `json:"total_time_ns"`
	MaxTime      time.Duration `json:"max_time_ns"`
	LastError    string        `json:"last_error,omitempty"`
}

// StatFilter collects per-statement execution statistics for one pool.
// A nil *StatFilter records nothing.
type StatFilter struct {
	pool    string
	merge   bool
	logSlow bool
	slow    time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	rows       map[string]*SQLStat
	normalized map[string]string
}

// NewStatFilter creates a filter configured from the pool's monitoring settings.
func NewStatFilter(cfg dspool.Config, logger *slog.Logger) *StatFilter {
	if logger == nil {
		logger = slog.Default()
	}
	slow := cfg.SlowSQLThreshold
	if slow <= 0 {
		slow = DefaultSlowSQLThreshold
	}
	return &StatFilter{
		pool:       cfg.Name,
		merge:      cfg.MergeSQL,
		logSlow:    cfg.LogSlowSQL,
		slow:       slow,
		logger:     logger,
		rows:       make(map[string]*SQLStat),
		normalized: make(map[string]string),
	}
}

// Record adds one execution of query.
func (f *StatFilter) Record(ctx context.Context, query string, d time.Duration, err error) {
	if f == nil {
		return
	}
	if f.logSlow && d >= f.slow {
		f.logger.WarnContext(ctx, "slow sql", "pool", f.pool, "duration", d, "sql", query)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := f.keyLocked(query)
	row, ok := f.rows[key]
	if !ok {
		row = &SQLStat{SQL: key}
		f.rows[key] = row
	}
	row.ExecuteCount++
	row.TotalTime += d
	row.MaxTime = max(row.MaxTime, d)
	if err != nil {
		row.ErrorCount++
		row.LastError = err.Error()
	}
}

// keyLocked returns the aggregation key for query. With merging enabled,
// statements that parse as postgres SQL have their constants replaced by
// placeholders; anything else is kept verbatim.
func (f *StatFilter) keyLocked(query string) string {
	if !f.merge {
		return query
	}
	if key, ok := f.normalized[query]; ok {
		return key
	}
	key, err := pg_query.Normalize(query)
	if err != nil {
		key = query
	}
	if len(f.normalized) >= maxNormalizedCache {
		clear(f.normalized)
	}
	f.normalized[query] = key
	return key
}

// Snapshot returns a copy of all rows, slowest total time first.
func (f *StatFilter) Snapshot() []SQLStat {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	out := make([]SQLStat, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, *row)
	}
	f.mu.Unlock()

	slices.SortFunc(out, func(a, b SQLStat) int {
		if c := cmp.Compare(b.TotalTime, a.TotalTime); c != 0 {
			return c
		}
		return cmp.Compare(a.SQL, b.SQL)
	})
	return out
}

// Reset drops all collected rows.
func (f *StatFilter) Reset() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.rows)
}
