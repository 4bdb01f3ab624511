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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/multids/go/pools/dspool"
)

func newTestFilter(t *testing.T, merge bool) *StatFilter {
	t.Helper()
	cfg := dspool.Config{Name: "main", EnableMonitor: true, MergeSQL: merge}
	return NewStatFilter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStatFilterAggregatesVerbatim(t *testing.T) {
	ctx := context.Background()
	f := newTestFilter(t, false)

	f.Record(ctx, "SELECT 1", 2*time.Millisecond, nil)
	f.Record(ctx, "SELECT 1", 5*time.Millisecond, nil)
	f.Record(ctx, "SELECT 2", time.Millisecond, errors.New("canceling statement due to user request"))

	rows := f.Snapshot()
	require.Len(t, rows, 2)

	assert.Equal(t, "SELECT 1", rows[0].SQL)
	assert.EqualValues(t, 2, rows[0].ExecuteCount)
	assert.Equal(t, 7*time.Millisecond, rows[0].TotalTime)
	assert.Equal(t, 5*time.Millisecond, rows[0].MaxTime)
	assert.Zero(t, rows[0].ErrorCount)

	assert.Equal(t, "SELECT 2", rows[1].SQL)
	assert.EqualValues(t, 1, rows[1].ErrorCount)
	assert.Equal(t, "canceling statement due to user request", rows[1].LastError)
}

func TestStatFilterMergesConstants(t *testing.T) {
	ctx := context.Background()
	f := newTestFilter(t, true)

	f.Record(ctx, "SELECT * FROM users WHERE id = 1", time.Millisecond, nil)
	f.Record(ctx, "SELECT * FROM users WHERE id = 42", time.Millisecond, nil)
	f.Record(ctx, "SELECT * FROM users WHERE id = 1", time.Millisecond, nil)

	rows := f.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "SELECT * FROM users WHERE id = $1", rows[0].SQL)
	assert.EqualValues(t, 3, rows[0].ExecuteCount)
}

func TestStatFilterKeepsUnparseableStatements(t *testing.T) {
	ctx := context.Background()
	f := newTestFilter(t, true)

	// MySQL LIMIT syntax is rejected by the postgres parser.
	const q = "SELECT * FROM users LIMIT 5, 10"
	f.Record(ctx, q, time.Millisecond, nil)

	rows := f.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, q, rows[0].SQL)
}

func TestStatFilterLogsSlowSQL(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	cfg := dspool.Config{
		Name:             "reports",
		EnableMonitor:    true,
		LogSlowSQL:       true,
		SlowSQLThreshold: 10 * time.Millisecond,
	}
	f := NewStatFilter(cfg, slog.New(slog.NewTextHandler(&buf, nil)))

	f.Record(ctx, "SELECT count(*) FROM events", time.Millisecond, nil)
	assert.Empty(t, buf.String())

	f.Record(ctx, "SELECT count(*) FROM events", 20*time.Millisecond, nil)
	out := buf.String()
	assert.Contains(t, out, "slow sql")
	assert.Contains(t, out, "pool=reports")
	assert.Contains(t, out, "FROM events")
}

func TestStatFilterDefaultSlowThreshold(t *testing.T) {
	f := NewStatFilter(dspool.Config{Name: "main", LogSlowSQL: true}, nil)
	assert.Equal(t, DefaultSlowSQLThreshold, f.slow)
}

func TestStatFilterSnapshotOrder(t *testing.T) {
	ctx := context.Background()
	f := newTestFilter(t, false)

	f.Record(ctx, "b", time.Millisecond, nil)
	f.Record(ctx, "a", time.Millisecond, nil)
	f.Record(ctx, "c", time.Second, nil)

	rows := f.Snapshot()
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{rows[0].SQL, rows[1].SQL, rows[2].SQL})
}

func TestStatFilterReset(t *testing.T) {
	ctx := context.Background()
	f := newTestFilter(t, false)
	f.Record(ctx, "SELECT 1", time.Millisecond, nil)
	f.Reset()
	assert.Empty(t, f.Snapshot())
}

func TestNilStatFilter(t *testing.T) {
	var f *StatFilter
	f.Record(context.Background(), "SELECT 1", time.Second, nil)
	f.Reset()
	assert.Nil(t, f.Snapshot())
}
