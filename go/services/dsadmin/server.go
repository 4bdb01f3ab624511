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

// Package dsadmin exposes the state of registered pools: a grpc.health.v1
// service with one service name per pool, and an HTTP status API.
package dsadmin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/multigres/multids/go/pools/dspool"
	"github.com/multigres/multids/go/pools/registry"
	"github.com/multigres/multids/go/pools/sqlconn"
	"github.com/multigres/multids/go/servenv"
)

// DefaultHealthInterval is how often pool health is re-evaluated.
const DefaultHealthInterval = 5 * time.Second

// Pool is the read-only view of a pool used by the admin surface.
type Pool interface {
	Name() string
	Stats() dspool.Stats
	Healthy() bool
}

// Pools looks up registered pools.
type Pools interface {
	Names() []string
	Lookup(name string) (Pool, error)
}

// StatFilters returns the SQL stat filter of a pool, or nil.
type StatFilters interface {
	StatFilter(name string) *sqlconn.StatFilter
}

// FromRegistry adapts a registry to Pools.
func FromRegistry[C dspool.Connection](r *registry.Registry[C]) Pools {
	return registryPools[C]{r: r}
}

type registryPools[C dspool.Connection] struct {
	r *registry.Registry[C]
}

func (rp registryPools[C]) Names() []string { return rp.r.Names() }

func (rp registryPools[C]) Lookup(name string) (Pool, error) {
	p, err := rp.r.Get(name)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Server serves pool health over gRPC and pool status over HTTP.
type Server struct {
	pools    Pools
	stats    StatFilters
	logger   *slog.Logger
	interval time.Duration

	health  *health.Server
	grpc    *grpc.Server
	handler http.Handler

	mu       sync.Mutex
	known    map[string]struct{}
	httpSrv  *http.Server
	grpcAddr net.Addr
	httpAddr net.Addr
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStatFilters enables GET /pools/:name/sql.
func WithStatFilters(stats StatFilters) Option {
	return func(s *Server) { s.stats = stats }
}

// WithHealthInterval sets how often health statuses are refreshed.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Server) { s.interval = d }
}

// NewServer creates an admin server. Nothing listens until Start.
func NewServer(pools Pools, opts ...Option) *Server {
	s := &Server{
		pools:    pools,
		logger:   slog.Default(),
		interval: DefaultHealthInterval,
		health:   health.NewServer(),
		known:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "dsadmin")

	s.grpc = servenv.NewGRPCServer(servenv.DefaultGRPCConfig(), s.logger)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.handler = s.newRouter()
	s.UpdateHealth()
	return s
}

// GRPCServer returns the gRPC server hosting the health service.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// Handler returns the HTTP status API.
func (s *Server) Handler() http.Handler { return s.handler }

// UpdateHealth sets every pool's serving status from Pool.Healthy. Pools
// that are no longer registered are reported NOT_SERVING. The empty service
// name is SERVING only while every registered pool is healthy.
func (s *Server) UpdateHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]struct{})
	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range s.pools.Names() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if p, err := s.pools.Lookup(name); err == nil && p.Healthy() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if status != healthpb.HealthCheckResponse_SERVING {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(name, status)
		current[name] = struct{}{}
	}
	for name := range s.known {
		if _, ok := current[name]; !ok {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
			current[name] = struct{}{}
		}
	}
	s.known = current
	s.health.SetServingStatus("", overall)
}

// Start listens on the given ports and serves until Shutdown. A zero port
// disables that listener.
func (s *Server) Start(ctx context.Context, bindAddress string, grpcPort, httpPort int) error {
	var lc net.ListenConfig
	var grpcLis, httpLis net.Listener
	var err error
	if grpcPort != 0 {
		grpcLis, err = lc.Listen(ctx, "tcp", net.JoinHostPort(bindAddress, strconv.Itoa(grpcPort)))
		if err != nil {
			return fmt.Errorf("cannot listen on grpc port %d: %w", grpcPort, err)
		}
	}
	if httpPort != 0 {
		httpLis, err = lc.Listen(ctx, "tcp", net.JoinHostPort(bindAddress, strconv.Itoa(httpPort)))
		if err != nil {
			if grpcLis != nil {
				_ = grpcLis.Close()
			}
			return fmt.Errorf("cannot listen on http port %d: %w", httpPort, err)
		}
	}
	if err := s.Serve(grpcLis, httpLis); err != nil {
		for _, l := range []net.Listener{grpcLis, httpLis} {
			if l != nil {
				_ = l.Close()
			}
		}
		return err
	}
	return nil
}

// Serve serves gRPC on grpcLis and HTTP on httpLis in the background until
// Shutdown. Either listener may be nil. Health statuses are refreshed
// periodically while serving.
func (s *Server) Serve(grpcLis, httpLis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("admin server already started")
	}

	s.stop = make(chan struct{})
	if grpcLis != nil {
		s.grpcAddr = grpcLis.Addr()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("listening for gRPC calls", "addr", grpcLis.Addr().String())
			if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("grpc server failed", "error", err)
			}
		}()
	}
	if httpLis != nil {
		s.httpAddr = httpLis.Addr()
		s.httpSrv = &http.Server{
			Handler:           otelhttp.NewHandler(s.handler, "dsadmin"),
			ReadHeaderTimeout: 10 * time.Second,
		}
		srv := s.httpSrv
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("listening for HTTP calls", "addr", httpLis.Addr().String())
			if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", "error", err)
			}
		}()
	}

	if s.interval > 0 {
		stop := s.stop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.UpdateHealth()
				case <-stop:
					return
				}
			}
		}()
	}
	return nil
}

// Addrs returns the bound gRPC and HTTP addresses, nil for disabled ones.
func (s *Server) Addrs() (grpcAddr, httpAddr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr, s.httpAddr
}

// Shutdown marks every service NOT_SERVING and stops both servers,
// waiting for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	s.mu.Lock()
	stop, httpSrv := s.stop, s.httpSrv
	s.stop, s.httpSrv = nil, nil
	s.mu.Unlock()
	if stop == nil {
		s.grpc.Stop()
		return nil
	}
	close(stop)

	var err error
	if httpSrv != nil {
		err = httpSrv.Shutdown(ctx)
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-stopped
	}

	s.wg.Wait()
	s.logger.Info("admin server stopped")
	return err
}
