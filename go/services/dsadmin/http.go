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

package dsadmin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multigres/multids/go/pools/dspool"
	"github.com/multigres/multids/go/pools/registry"
	"github.com/multigres/multids/go/pools/sqlconn"
)

// PoolStatus is the body of GET /pools/:name.
type PoolStatus struct {
	dspool.Stats
	Healthy bool `json:"healthy"`
}

// SQLStatsResponse is the body of GET /pools/:name/sql.
type SQLStatsResponse struct {
	Pool    string            `json:"pool"`
	Enabled bool              `json:"enabled"`
	Stats   []sqlconn.SQLStat `json:"stats"`
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/pools", s.listPools)
	router.GET("/pools/:name", s.getPool)
	router.GET("/pools/:name/sql", s.getSQLStats)
	return router
}

// requestLogger logs every request at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.DebugContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) listPools(c *gin.Context) {
	names := s.pools.Names()
	out := make([]PoolStatus, 0, len(names))
	for _, name := range names {
		p, err := s.pools.Lookup(name)
		if err != nil {
			// Shut down between Names and Lookup.
			continue
		}
		out = append(out, PoolStatus{Stats: p.Stats(), Healthy: p.Healthy()})
	}
	c.JSON(http.StatusOK, gin.H{"pools": out})
}

func (s *Server) getPool(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, PoolStatus{Stats: p.Stats(), Healthy: p.Healthy()})
}

func (s *Server) getSQLStats(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	resp := SQLStatsResponse{Pool: p.Name(), Stats: []sqlconn.SQLStat{}}
	if s.stats != nil {
		if f := s.stats.StatFilter(p.Name()); f != nil {
			resp.Enabled = true
			resp.Stats = f.Snapshot()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) lookup(c *gin.Context) (Pool, bool) {
	p, err := s.pools.Lookup(c.Param("name"))
	switch {
	case err == nil:
		return p, true
	case errors.Is(err, registry.ErrUnknownPool):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
	return nil, false
}
