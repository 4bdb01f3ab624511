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
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/multids/go/pools/dspool"
	"github.com/multigres/multids/go/pools/registry"
	"github.com/multigres/multids/go/pools/sqlconn"
	"github.com/multigres/multids/go/pools/txcoord"
)

func (md *multids) execCommand() *cobra.Command {
	var (
		pool    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec [--pool NAME] SQL [ARG...]",
		Short: "Run one statement in a transaction",
		Long: `exec opens the named pool (the default pool if --pool is not given), runs SQL
inside a transaction and commits it. Extra arguments are bound to the
statement's placeholders as strings. Returned rows are printed as a table.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return md.runExec(ctx, cmd.OutOrStdout(), pool, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "Pool to run the statement on. Defaults to --default-pool.")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultCommandTimeout, "Time allowed for the statement, including acquiring a connection.")
	return cmd
}

// resultSet holds rows rendered as strings.
type resultSet struct {
	columns []string
	rows    [][]string
}

func (md *multids) runExec(ctx context.Context, out io.Writer, pool, query string, params []string) error {
	if pool == "" {
		pool = md.cfg.DefaultPool
	}
	var cfg *dspool.Config
	for _, c := range md.cfg.Pools() {
		if c.Name == pool {
			cfg = &c
			break
		}
	}
	if cfg == nil {
		return fmt.Errorf("%w: %q is not configured", registry.ErrUnknownPool, pool)
	}

	reg, _ := md.newRegistry()
	defer func() {
		if err := reg.ShutdownAll(context.WithoutCancel(ctx)); err != nil {
			md.logger.Warn("shutdown failed", "error", err)
		}
	}()
	if _, err := reg.Register(ctx, *cfg); err != nil {
		return err
	}

	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}

	coord := txcoord.New[*sqlconn.Conn](reg, txcoord.WithLogger(md.logger))
	rs, err := txcoord.Do(ctx, coord, pool, func(ctx context.Context, conn *sqlconn.Conn) (resultSet, error) {
		return queryTable(ctx, conn, query, args)
	})
	if err != nil {
		return err
	}
	return printResult(out, rs)
}

func queryTable(ctx context.Context, conn *sqlconn.Conn, query string, args []any) (resultSet, error) {
	var rs resultSet
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return rs, err
	}
	defer rows.Close()

	if rs.columns, err = rows.Columns(); err != nil {
		return rs, err
	}
	values := make([]any, len(rs.columns))
	dest := make([]any, len(rs.columns))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return rs, err
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		rs.rows = append(rs.rows, row)
	}
	return rs, rows.Err()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

func printResult(out io.Writer, rs resultSet) error {
	if len(rs.columns) == 0 {
		_, err := fmt.Fprintln(out, "OK")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(rs.columns, "\t"))
	for _, row := range rs.rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "(%d rows)\n", len(rs.rows))
	return err
}
