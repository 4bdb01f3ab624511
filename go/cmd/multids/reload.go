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
	"log/slog"
	"slices"

	"github.com/multigres/multids/go/pools/dspool"
	"github.com/multigres/multids/go/pools/registry"
	"github.com/multigres/multids/go/pools/sqlconn"
)

// reloadResult lists what applyDatasources did with each pool name.
type reloadResult struct {
	added     []string
	changed   []string
	removed   []string
	failed    []string
	unchanged []string
}

// applyDatasources opens the pools of cfgs that reg does not have yet.
// Pools are never reconfigured or closed while serving: a changed or
// removed datasource is only reported and takes effect on restart.
func applyDatasources(ctx context.Context, reg *registry.Registry[*sqlconn.Conn], cfgs []dspool.Config, logger *slog.Logger) reloadResult {
	var res reloadResult
	known := reg.Names()
	wanted := make(map[string]bool, len(cfgs))

	for _, cfg := range cfgs {
		wanted[cfg.Name] = true
		existed := slices.Contains(known, cfg.Name)
		_, err := reg.Register(ctx, cfg)
		switch {
		case err == nil && existed:
			res.unchanged = append(res.unchanged, cfg.Name)
		case err == nil:
			res.added = append(res.added, cfg.Name)
			logger.InfoContext(ctx, "datasource added", "pool", cfg.Name)
		case errors.Is(err, registry.ErrDuplicateName):
			res.changed = append(res.changed, cfg.Name)
			logger.WarnContext(ctx, "datasource changed, restart to apply", "pool", cfg.Name)
		default:
			res.failed = append(res.failed, cfg.Name)
			logger.WarnContext(ctx, "cannot open added datasource", "pool", cfg.Name, "error", err)
		}
	}
	for _, name := range known {
		if !wanted[name] {
			res.removed = append(res.removed, name)
			logger.WarnContext(ctx, "datasource removed from config, still serving until restart", "pool", name)
		}
	}
	return res
}

// reloadDatasources re-reads the config file and applies its datasources.
func (md *multids) reloadDatasources(ctx context.Context, reg *registry.Registry[*sqlconn.Conn]) {
	cfg, err := md.loader.Load(md.logger)
	if err != nil {
		md.logger.WarnContext(ctx, "cannot reload config, keeping current pools", "error", err)
		return
	}
	applyDatasources(ctx, reg, cfg.Pools(), md.logger)
}
