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

package dspool

import (
	"errors"
	"fmt"
	"time"
)

// Default values applied by Config.WithDefaults.
const (
	DefaultMaxActive               = 8
	DefaultTimeBetweenEvictionRuns = time.Minute
	DefaultMinEvictableIdleTime    = 30 * time.Minute
	DefaultDrainTimeout            = 30 * time.Second
	DefaultConnectRetries          = 3
)

// Config describes one named pool. It is a plain comparable value: two
// configs are identical exactly when they compare equal with ==.
type Config struct {
	// Name is the logical pool name ("primary", "second", ...).
	Name string

	// URL, Driver, Username and Password describe how to reach the datasource.
	// The pool itself never interprets them; they are handed to the
	// connection factory.
	URL      string
	Driver   string
	Username string
	Password string

	// InitialSize is the number of connections opened by Open.
	InitialSize int

	// MinIdle is the idle floor kept by the evictor and background fill.
	MinIdle int

	// MaxActive bounds idle + busy connections.
	MaxActive int

	// MaxWait is the acquire timeout used by Get. Zero fails immediately when
	// the pool is exhausted; negative waits until the caller's context is done.
	MaxWait time.Duration

	// TimeBetweenEvictionRuns is the evictor interval. Zero disables the evictor.
	TimeBetweenEvictionRuns time.Duration

	// MinEvictableIdleTime is how long a connection must sit idle before the
	// evictor may close it. Zero disables idle-time eviction.
	MinEvictableIdleTime time.Duration

	// ValidationQuery is executed to check a connection. Empty means ping.
	ValidationQuery        string
	ValidationQueryTimeout time.Duration

	TestOnBorrow  bool
	TestOnReturn  bool
	TestWhileIdle bool

	// PoolPreparedStatements enables a per-connection statement cache bounded
	// by MaxOpenPreparedStatements.
	PoolPreparedStatements    bool
	MaxOpenPreparedStatements int

	// DrainTimeout bounds how long Shutdown waits for busy connections.
	DrainTimeout time.Duration

	// MaxValidationFailures is the number of consecutive validation failures
	// after which acquire gives up and the pool reports itself unhealthy.
	// Zero means MaxActive.
	MaxValidationFailures int

	// ConnectRetries bounds the attempts made for each connection of the
	// initial fill.
	ConnectRetries int

	// SQL statistics, see package sqlconn.
	EnableMonitor    bool
	LogSlowSQL       bool
	SlowSQLThreshold time.Duration
	MergeSQL         bool
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = DefaultMaxActive
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.MaxValidationFailures <= 0 {
		c.MaxValidationFailures = c.MaxActive
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
	return c
}

// Validate reports configuration errors. It does not apply defaults, so
// callers usually validate the result of WithDefaults.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if c.MaxActive <= 0 {
		errs = append(errs, fmt.Errorf("maxActive must be positive, got %d", c.MaxActive))
	}
	if c.InitialSize < 0 || c.InitialSize > c.MaxActive {
		errs = append(errs, fmt.Errorf("initialSize %d must be between 0 and maxActive %d", c.InitialSize, c.MaxActive))
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxActive {
		errs = append(errs, fmt.Errorf("minIdle %d must be between 0 and maxActive %d", c.MinIdle, c.MaxActive))
	}
	if c.TimeBetweenEvictionRuns < 0 || c.MinEvictableIdleTime < 0 ||
		c.ValidationQueryTimeout < 0 || c.DrainTimeout < 0 || c.SlowSQLThreshold < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.PoolPreparedStatements && c.MaxOpenPreparedStatements <= 0 {
		errs = append(errs, errors.New("maxOpenPreparedStatements must be positive when poolPreparedStatements is set"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config for pool %q: %w", c.Name, errors.Join(errs...))
}
