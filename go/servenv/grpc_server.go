/*
Copyright 2019 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

Modifications Copyright 2025 The Multigres Authors.
*/

package servenv

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// GRPCConfig holds the keepalive settings of a gRPC server.
type GRPCConfig struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// MinPingInterval is the shortest interval clients may send keepalive
	// pings at. Faster clients are disconnected.
	MinPingInterval time.Duration
}

// DefaultGRPCConfig returns keepalive settings suitable for an admin endpoint.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		MinPingInterval:  10 * time.Second,
	}
}

// NewGRPCServer creates a gRPC server with the keepalive settings of cfg.
// A panicking handler is logged and answered with codes.Internal; extra
// unary interceptors run inside that recovery. Calls are traced and measured
// through the global OpenTelemetry providers.
func NewGRPCServer(cfg GRPCConfig, logger *slog.Logger, extra ...grpc.UnaryServerInterceptor) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}

	recovery := grpcrecovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
		logger.ErrorContext(ctx, "grpc handler panicked", "panic", p, "stack", string(debug.Stack()))
		return status.Error(codes.Internal, fmt.Sprintf("panic: %v", p))
	})
	unary := append([]grpc.UnaryServerInterceptor{grpcrecovery.UnaryServerInterceptor(recovery)}, extra...)

	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: cfg.MinPingInterval}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.UnaryInterceptor(grpcmiddleware.ChainUnaryServer(unary...)),
		grpc.StreamInterceptor(grpcrecovery.StreamServerInterceptor(recovery)),
	)
}
