// Copyright 2019 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package servenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Timeouts bounds the shutdown phases of Run.
type Timeouts struct {
	// LameduckPeriod is waited after the termination signal before the
	// OnTerm hooks run.
	LameduckPeriod time.Duration
	// OnTermTimeout bounds the OnTerm hooks.
	OnTermTimeout time.Duration
}

// DefaultTimeouts has no lameduck period and gives hooks 30 seconds.
var DefaultTimeouts = Timeouts{OnTermTimeout: 30 * time.Second}

// Run blocks until ctx is done or the process receives SIGINT or SIGTERM,
// then waits out the lameduck period and runs onTerm in parallel. Each hook
// gets a context bounded by OnTermTimeout. Hook errors are joined.
func Run(ctx context.Context, logger *slog.Logger, timeouts Timeouts, onTerm ...func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(exit)

	select {
	case sig := <-exit:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context done, shutting down", "cause", context.Cause(ctx))
	}

	if timeouts.LameduckPeriod > 0 {
		logger.Info("entering lameduck mode", "period", timeouts.LameduckPeriod)
		time.Sleep(timeouts.LameduckPeriod)
	}

	termCtx := context.WithoutCancel(ctx)
	if timeouts.OnTermTimeout > 0 {
		var cancel context.CancelFunc
		termCtx, cancel = context.WithTimeout(termCtx, timeouts.OnTermTimeout)
		defer cancel()
	}
	return fireHooks(termCtx, onTerm)
}

func fireHooks(ctx context.Context, hooks []func(context.Context) error) error {
	errs := make([]error, len(hooks))
	var wg sync.WaitGroup
	for i, hook := range hooks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("shutdown hook panicked: %v", r)
				}
			}()
			errs[i] = hook(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
