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

// Package txcoord runs units of work inside a transaction on a pooled
// connection and guarantees the connection goes back to its pool.
package txcoord

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/multids/go/pools/dspool"
)

// ErrTransactionFailed is matched by every *TransactionError.
var ErrTransactionFailed = errors.New("transaction failed")

// TxConn is a pooled connection that can start a transaction.
type TxConn interface {
	dspool.Connection

	// BeginTx starts a transaction. Statements issued on the connection run
	// inside it until Commit or Rollback is called on the returned handle.
	BeginTx(ctx context.Context, opts *sql.TxOptions) (driver.Tx, error)
}

// Lookup resolves a pool by name. *registry.Registry satisfies it.
type Lookup[C TxConn] interface {
	Get(name string) (*dspool.Pool[C], error)
}

// TxState is the state of one coordinated transaction.
type TxState int

const (
	StateIdle TxState = iota
	StateActive
	StateCommitted
	StateRolledBack
)

func (s TxState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// TransactionError reports a transaction that did not commit.
type TransactionError struct {
	Pool string
	// State is where the transaction ended: StateIdle if it never began,
	// StateRolledBack otherwise.
	State TxState
	Cause error
	// CommitFailed is set when the unit of work succeeded but commit did not.
	CommitFailed bool
}

func (e *TransactionError) Error() string {
	if e.CommitFailed {
		return fmt.Sprintf("transaction on pool %q failed: commit: %v", e.Pool, e.Cause)
	}
	return fmt.Sprintf("transaction on pool %q failed (%s): %v", e.Pool, e.State, e.Cause)
}

func (e *TransactionError) Unwrap() []error {
	return []error{ErrTransactionFailed, e.Cause}
}

// Coordinator runs units of work against pools found through a Lookup.
type Coordinator[C TxConn] struct {
	pools  Lookup[C]
	logger *slog.Logger
	tracer trace.Tracer
	txOpts *sql.TxOptions
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
	txOpts *sql.TxOptions
}

// WithLogger sets the coordinator logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the tracer used for transaction spans. Defaults to the
// global otel tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithTxOptions sets the isolation level and read-only flag of every
// transaction.
func WithTxOptions(txOpts *sql.TxOptions) Option {
	return func(o *options) { o.txOpts = txOpts }
}

// New creates a coordinator.
func New[C TxConn](pools Lookup[C], opts ...Option) *Coordinator[C] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/multigres/multids/go/pools/txcoord")
	}
	return &Coordinator[C]{
		pools:  pools,
		logger: o.logger,
		tracer: o.tracer,
		txOpts: o.txOpts,
	}
}

// Run acquires a connection from the named pool (empty means the default
// pool), begins a transaction, runs work, and commits if work returns nil or
// rolls back otherwise. The connection is released on every path, including
// a panic in work, which is re-raised after the rollback.
//
// Lookup and acquire errors are returned as is. Failures after acquire are
// returned as *TransactionError. If commit or rollback fails the connection
// is marked suspect and validated before it is handed out again.
//
// work must not keep conn after it returns.
func (c *Coordinator[C]) Run(ctx context.Context, pool string, work func(ctx context.Context, conn C) error) (err error) {
	ctx, span := c.tracer.Start(ctx, "txcoord.Run", trace.WithAttributes(
		attribute.String("db.client.connection.pool.name", pool),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	p, err := c.pools.Get(pool)
	if err != nil {
		return err
	}
	slot, err := p.Get(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("db.client.connection.slot_id", slot.ID().String()))

	state := StateIdle
	defer func() {
		span.SetAttributes(attribute.String("db.transaction.state", state.String()))
		if relErr := slot.Release(); relErr != nil {
			c.logger.WarnContext(ctx, "failed to release connection", "pool", p.Name(), "slot_id", slot.ID(), "error", relErr)
		}
	}()

	tx, err := slot.Conn().BeginTx(ctx, c.txOpts)
	if err != nil {
		slot.MarkSuspect()
		return &TransactionError{Pool: p.Name(), State: state, Cause: fmt.Errorf("begin: %w", err)}
	}
	state = StateActive

	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slot.MarkSuspect()
			}
			state = StateRolledBack
			c.logger.ErrorContext(ctx, "unit of work panicked, transaction rolled back", "pool", p.Name(), "panic", r)
			panic(r)
		}
	}()

	if workErr := work(ctx, slot.Conn()); workErr != nil {
		cause := workErr
		if rbErr := tx.Rollback(); rbErr != nil {
			slot.MarkSuspect()
			cause = errors.Join(workErr, fmt.Errorf("rollback: %w", rbErr))
		}
		state = StateRolledBack
		return &TransactionError{Pool: p.Name(), State: state, Cause: cause}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		slot.MarkSuspect()
		state = StateRolledBack
		c.logger.WarnContext(ctx, "commit failed", "pool", p.Name(), "slot_id", slot.ID(), "error", commitErr)
		return &TransactionError{Pool: p.Name(), State: state, Cause: commitErr, CommitFailed: true}
	}
	state = StateCommitted
	return nil
}

// Do is Run for a unit of work that produces a value. The value is only
// returned if the transaction committed.
func Do[C TxConn, T any](ctx context.Context, c *Coordinator[C], pool string, work func(ctx context.Context, conn C) (T, error)) (T, error) {
	var result T
	err := c.Run(ctx, pool, func(ctx context.Context, conn C) error {
		v, err := work(ctx, conn)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
