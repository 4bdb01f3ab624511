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

// multids manages the connection pools of every configured datasource: it
// checks them, runs statements through them and serves their health.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/multids/go/config"
	"github.com/multigres/multids/go/pools/registry"
	"github.com/multigres/multids/go/pools/sqlconn"
	"github.com/multigres/multids/go/servenv"
	"github.com/multigres/multids/go/tools/telemetry"
)

const serviceName = "multids"

func main() {
	if err := CreateMultidsCommand(afero.NewOsFs()).Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// multids carries the state shared by every subcommand. cfg, logger and
// span are set by the root PersistentPreRunE.
type multids struct {
	loader    *config.Loader
	telemetry *telemetry.Telemetry
	logging   *servenv.Logger
	cfg       *config.Config
	logger    *slog.Logger
	span      trace.Span
}

// CreateMultidsCommand creates the root command. Config files are read from fs.
func CreateMultidsCommand(fs afero.Fs) *cobra.Command {
	md := &multids{
		loader:    config.NewLoader(fs),
		telemetry: telemetry.NewTelemetry(),
	}

	root := &cobra.Command{
		Use:   "multids",
		Short: "Connection pools for every configured datasource",
		Long: `multids opens one connection pool per configured datasource and routes
work to them by name.

Datasources are read from the "datasources" map of the config file. The file
is named by --config-file, or found as multids.{yaml,yml,json,toml} in the
--config-path directories. Every setting can also come from a MULTIDS_*
environment variable, e.g. MULTIDS_DATASOURCES_PRIMARY_PASSWORD.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Flag errors still print usage; everything after parsing does not.
			cmd.SilenceUsage = true

			cfg, err := md.loader.Load(nil)
			if err != nil {
				return err
			}
			md.cfg = cfg

			// serve runs until terminated and gets no command span.
			md.span, err = md.telemetry.InitForCommand(cmd, serviceName, cmd.Name() != "serve")
			if err != nil {
				return err
			}
			md.logging = servenv.NewLogger(cfg.Log)
			md.logging.WrapHandler(md.telemetry.WrapSlogHandler)
			md.logger = md.logging.SetupLogging()
			if cfg.ConfigFile != "" {
				md.logger.Debug("loaded config file", "file", cfg.ConfigFile, "datasources", len(cfg.Datasources))
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if md.span != nil {
				md.span.End()
			}
			// Flush pending spans and metrics before exit.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return errors.Join(md.telemetry.Shutdown(ctx), md.logging.Close())
		},
	}
	md.loader.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		md.checkCommand(),
		md.execCommand(),
		md.serveCommand(),
		md.configCommand(),
	)
	return root
}

// newRegistry returns an empty registry of SQL pools and the factory that
// builds them.
func (md *multids) newRegistry() (*registry.Registry[*sqlconn.Conn], *sqlconn.Factory) {
	factory := sqlconn.NewFactory(md.logger)
	reg := registry.New[*sqlconn.Conn](factory.Build,
		registry.WithLogger(md.logger),
		registry.WithDefaultName(md.cfg.DefaultPool),
	)
	return reg, factory
}
