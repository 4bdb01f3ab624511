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
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/multids/go/pools/dspool"
	"github.com/multigres/multids/go/pools/sqlconn"
)

const defaultCommandTimeout = 30 * time.Second

var errCheckFailed = errors.New("datasource check failed")

func (md *multids) checkCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Open every datasource and validate one connection",
		Long: `check registers every configured datasource, borrows one connection from
each pool, validates it with the pool's validation query (or a ping) and
prints the pool statistics. It exits non-zero if any pool fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return md.runCheck(ctx, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultCommandTimeout, "Time allowed for the whole check.")
	return cmd
}

func (md *multids) runCheck(ctx context.Context, out io.Writer) error {
	if len(md.cfg.Datasources) == 0 {
		return errors.New("no datasources configured")
	}

	reg, _ := md.newRegistry()
	defer func() {
		if err := reg.ShutdownAll(context.WithoutCancel(ctx)); err != nil {
			md.logger.Warn("shutdown failed", "error", err)
		}
	}()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tSTATUS\tIDLE\tBUSY\tMAX_ACTIVE\tCREATED\tDETAIL")

	failed := 0
	for _, cfg := range md.cfg.Pools() {
		pool, err := reg.Register(ctx, cfg)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\tFAILED\t-\t-\t%d\t-\t%v\n", cfg.Name, cfg.MaxActive, err)
			continue
		}
		status, detail := "OK", ""
		if err := checkPool(ctx, pool); err != nil {
			failed++
			status, detail = "FAILED", err.Error()
		}
		st := pool.Stats()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", st.Name, status, st.Idle, st.Busy, st.MaxActive, st.Created, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d pools", errCheckFailed, failed, len(md.cfg.Datasources))
	}
	return nil
}

// checkPool borrows one connection and validates it, whatever the pool's
// test flags say.
func checkPool(ctx context.Context, pool *dspool.Pool[*sqlconn.Conn]) error {
	slot, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	cfg := pool.Config()
	vctx := ctx
	if cfg.ValidationQueryTimeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, cfg.ValidationQueryTimeout)
		defer cancel()
	}
	if err := slot.Conn().Validate(vctx, cfg.ValidationQuery); err != nil {
		_ = slot.Discard()
		return fmt.Errorf("%w: %w", dspool.ErrValidationFailed, err)
	}
	return slot.Release()
}
