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
	"container/list"
	"context"
	"database/sql"
	"errors"
	"sync"
)

// stmtCache is a bounded LRU of statements prepared on one connection.
// Statements evicted from the cache are closed.
type stmtCache struct {
	conn    *sql.Conn
	maxSize int

	mu    sync.Mutex
	cache map[string]*list.Element
	lru   *list.List

	hits   int64
	misses int64
}

type stmtEntry struct {
	query string
	stmt  *sql.Stmt
}

func newStmtCache(conn *sql.Conn, maxSize int) *stmtCache {
	return &stmtCache{
		conn:    conn,
		maxSize: maxSize,
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// get returns the cached statement for query, preparing it on a miss.
func (c *stmtCache) get(ctx context.Context, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[query]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*stmtEntry).stmt, nil
	}

	c.misses++
	stmt, err := c.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	c.cache[query] = c.lru.PushFront(&stmtEntry{query: query, stmt: stmt})

	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		entry := c.lru.Remove(oldest).(*stmtEntry)
		delete(c.cache, entry.query)
		// Close errors only mean the statement is already gone.
		_ = entry.stmt.Close()
	}
	return stmt, nil
}

// invalidate drops query from the cache, for example after the server
// rejected the prepared statement.
func (c *stmtCache) invalidate(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[query]; ok {
		entry := c.lru.Remove(elem).(*stmtEntry)
		delete(c.cache, query)
		_ = entry.stmt.Close()
	}
}

func (c *stmtCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *stmtCache) stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// closeAll closes every cached statement and empties the cache.
func (c *stmtCache) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		if err := elem.Value.(*stmtEntry).stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.cache = make(map[string]*list.Element)
	c.lru.Init()
	return errors.Join(errs...)
}
