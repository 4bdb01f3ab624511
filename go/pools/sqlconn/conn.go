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

// Package sqlconn adapts database/sql drivers to dspool. Each pooled Conn
// owns one physical connection checked out of a per-pool *sql.DB.
package sqlconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTxInProgress is returned by BeginTx when the connection already has an
// open transaction.
var ErrTxInProgress = errors.New("transaction already in progress on connection")

// Conn is one pooled database connection.
//
// Statements run inside the active transaction while there is one. Outside a
// transaction they go through the prepared statement cache when the pool
// has poolPreparedStatements enabled.
type Conn struct {
	conn   *sql.Conn
	stmts  *stmtCache
	filter *StatFilter
	closed atomic.Bool

	mu sync.Mutex
	tx *sql.Tx
}

func newConn(conn *sql.Conn, stmtCacheSize int, filter *StatFilter) *Conn {
	c := &Conn{conn: conn, filter: filter}
	if stmtCacheSize > 0 {
		c.stmts = newStmtCache(conn, stmtCacheSize)
	}
	return c
}

// Validate runs query and discards its rows, or pings when query is empty.
func (c *Conn) Validate(ctx context.Context, query string) error {
	if c.IsClosed() {
		return sql.ErrConnDone
	}
	if query == "" {
		return c.conn.PingContext(ctx)
	}
	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		// drain
	}
	return rows.Err()
}

// IsClosed returns true once Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close rolls back any open transaction, closes cached statements and
// returns the physical connection to its driver.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	c.mu.Lock()
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
		c.tx = nil
	}
	c.mu.Unlock()
	if c.stmts != nil {
		if err := c.stmts.closeAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BeginTx starts a transaction. Until the returned handle is committed or
// rolled back, statements on c run inside it.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return nil, ErrTxInProgress
	}
	tx, err := c.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.tx = tx
	return &txHandle{conn: c, tx: tx}, nil
}

// InTx reports whether a transaction is open.
func (c *Conn) InTx() bool {
	return c.activeTx() != nil
}

func (c *Conn) activeTx() *sql.Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

// ExecContext executes a statement that returns no rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (res sql.Result, err error) {
	start := time.Now()
	defer func() { c.filter.Record(ctx, query, time.Since(start), err) }()

	if tx := c.activeTx(); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	if c.stmts != nil {
		stmt, err := c.stmts.get(ctx, query)
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		c.dropOnBadConn(query, err)
		return res, err
	}
	return c.conn.ExecContext(ctx, query, args...)
}

// QueryContext executes a statement that returns rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (rows *sql.Rows, err error) {
	start := time.Now()
	defer func() { c.filter.Record(ctx, query, time.Since(start), err) }()

	if tx := c.activeTx(); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	if c.stmts != nil {
		stmt, err := c.stmts.get(ctx, query)
		if err != nil {
			return nil, err
		}
		rows, err := stmt.QueryContext(ctx, args...)
		c.dropOnBadConn(query, err)
		return rows, err
	}
	return c.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a statement that returns at most one row.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	var row *sql.Row
	switch tx := c.activeTx(); {
	case tx != nil:
		row = tx.QueryRowContext(ctx, query, args...)
	case c.stmts != nil:
		stmt, err := c.stmts.get(ctx, query)
		if err != nil {
			// Let the unprepared path report the error through the Row.
			row = c.conn.QueryRowContext(ctx, query, args...)
			break
		}
		row = stmt.QueryRowContext(ctx, args...)
	default:
		row = c.conn.QueryRowContext(ctx, query, args...)
	}
	c.filter.Record(ctx, query, time.Since(start), row.Err())
	return row
}

// Raw returns the underlying *sql.Conn. Callers must not close it.
func (c *Conn) Raw() *sql.Conn {
	return c.conn
}

// CachedStatements returns the number of prepared statements held.
func (c *Conn) CachedStatements() int {
	if c.stmts == nil {
		return 0
	}
	return c.stmts.len()
}

func (c *Conn) dropOnBadConn(query string, err error) {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		c.stmts.invalidate(query)
	}
}

func (c *Conn) endTx(tx *sql.Tx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == tx {
		c.tx = nil
	}
}

// txHandle detaches its connection from the transaction when it ends.
type txHandle struct {
	conn *Conn
	tx   *sql.Tx
}

func (h *txHandle) Commit() error {
	defer h.conn.endTx(h.tx)
	return h.tx.Commit()
}

func (h *txHandle) Rollback() error {
	defer h.conn.endTx(h.tx)
	return h.tx.Rollback()
}
