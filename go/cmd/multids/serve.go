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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/multids/go/config"
	"github.com/multigres/multids/go/servenv"
	"github.com/multigres/multids/go/services/dsadmin"
)

func (md *multids) serveCommand() *cobra.Command {
	var (
		bindAddress    string
		healthInterval time.Duration
		watchConfig    bool
		timeouts       = servenv.DefaultTimeouts
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open every datasource and serve pool health until terminated",
		Long: `serve registers every configured datasource, then serves gRPC health checks
(one service name per pool) on --grpc-port and the HTTP status API on
--http-port. On SIGINT or SIGTERM it stops serving and shuts every pool down.

With --watch-config, datasources added to the config file while serving are
opened without a restart. Changed or removed datasources are logged and take
effect on the next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return md.runServe(cmd.Context(), bindAddress, healthInterval, watchConfig, timeouts)
		},
	}
	cmd.Flags().StringVar(&bindAddress, "bind-address", "", "Address to bind the gRPC and HTTP listeners to. Empty means all interfaces.")
	cmd.Flags().DurationVar(&healthInterval, "health-interval", dsadmin.DefaultHealthInterval, "How often pool health is re-evaluated.")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Open datasources added to the config file while serving.")
	cmd.Flags().DurationVar(&timeouts.LameduckPeriod, "lameduck-period", timeouts.LameduckPeriod, "Time to keep serving after a termination signal before shutting down.")
	cmd.Flags().DurationVar(&timeouts.OnTermTimeout, "onterm-timeout", timeouts.OnTermTimeout, "Time allowed for shutdown hooks, including draining the pools.")
	return cmd
}

func (md *multids) runServe(ctx context.Context, bindAddress string, healthInterval time.Duration, watchConfig bool, timeouts servenv.Timeouts) error {
	if len(md.cfg.Datasources) == 0 {
		return errors.New("no datasources configured")
	}

	reg, factory := md.newRegistry()
	if err := reg.RegisterAll(ctx, md.cfg.Pools()); err != nil {
		_ = reg.ShutdownAll(context.WithoutCancel(ctx))
		return fmt.Errorf("cannot open datasources: %w", err)
	}
	md.logger.Info("datasources open", "pools", reg.Names(), "default", reg.DefaultName())

	srv := dsadmin.NewServer(dsadmin.FromRegistry(reg),
		dsadmin.WithLogger(md.logger),
		dsadmin.WithStatFilters(factory),
		dsadmin.WithHealthInterval(healthInterval),
	)
	if err := srv.Start(ctx, bindAddress, md.cfg.GRPCPort, md.cfg.HTTPPort); err != nil {
		_ = reg.ShutdownAll(context.WithoutCancel(ctx))
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if watchConfig {
		if md.cfg.ConfigFile == "" {
			md.logger.Warn("--watch-config ignored, no config file in use")
		} else {
			go func() {
				err := config.Watch(watchCtx, md.cfg.ConfigFile, config.DefaultWatchDebounce, md.logger, func() {
					md.reloadDatasources(watchCtx, reg)
				})
				if err != nil {
					md.logger.Warn("config watch stopped", "error", err)
				}
			}()
		}
	}

	// The admin server stops first so health checks report NOT_SERVING
	// while the pools drain.
	return servenv.Run(ctx, md.logger, timeouts, func(ctx context.Context) error {
		stopWatch()
		return errors.Join(srv.Shutdown(ctx), reg.ShutdownAll(ctx))
	})
}
