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
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/multigres/multids/go/pools/dspool"
)

// Factory builds dspool pools of *Conn and keeps the stat filter of every
// pool it built. Its Build method is a registry.Builder.
type Factory struct {
	logger   *slog.Logger
	poolOpts []dspool.Option

	mu      sync.Mutex
	filters map[string]*StatFilter
}

// NewFactory creates a factory. poolOpts are passed to every pool, after
// the factory's own logger option.
func NewFactory(logger *slog.Logger, poolOpts ...dspool.Option) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		logger:   logger,
		poolOpts: poolOpts,
		filters:  make(map[string]*StatFilter),
	}
}

// Build opens a *sql.DB for cfg and wraps it in an unopened pool. The
// database handle keeps no idle connections of its own and is closed when
// the pool shuts down.
func (f *Factory) Build(cfg dspool.Config) (*dspool.Pool[*Conn], error) {
	cfg = cfg.WithDefaults()
	driverName, dsn, err := DataSourceName(cfg)
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", cfg.Name, err)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", cfg.Name, err)
	}
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(cfg.MaxActive)

	pool, err := f.BuildFromDB(cfg, db, dspool.WithOnClose(db.Close))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return pool, nil
}

// BuildFromDB wraps an existing database handle. The caller owns db's
// settings and, unless it passes a WithOnClose option, its lifetime.
func (f *Factory) BuildFromDB(cfg dspool.Config, db *sql.DB, opts ...dspool.Option) (*dspool.Pool[*Conn], error) {
	var filter *StatFilter
	if cfg.EnableMonitor {
		filter = NewStatFilter(cfg, f.logger)
	}
	stmtCacheSize := 0
	if cfg.PoolPreparedStatements {
		stmtCacheSize = cfg.MaxOpenPreparedStatements
	}

	connect := func(ctx context.Context) (*Conn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return newConn(conn, stmtCacheSize, filter), nil
	}

	all := append([]dspool.Option{dspool.WithLogger(f.logger)}, f.poolOpts...)
	all = append(all, opts...)
	pool, err := dspool.NewPool(cfg, connect, all...)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if filter != nil {
		f.filters[cfg.Name] = filter
	} else {
		delete(f.filters, cfg.Name)
	}
	f.mu.Unlock()
	return pool, nil
}

// StatFilter returns the stat filter of the named pool, or nil if the pool
// was built without enableMonitor.
func (f *Factory) StatFilter(name string) *StatFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[name]
}
