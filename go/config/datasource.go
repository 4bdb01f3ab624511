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

package config

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/multigres/multids/go/pools/dspool"
)

// maskedPassword matches what url.URL.Redacted writes.
const maskedPassword = "xxxxx"

// Datasource is one entry of the datasources map. Keys mirror the
// connection pool properties of the original datasource definitions.
type Datasource struct {
	Name     string `mapstructure:"name" yaml:"name"`
	URL      string `mapstructure:"url" yaml:"url"`
	Driver   string `mapstructure:"driver" yaml:"driver,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	InitialSize int      `mapstructure:"initialSize" yaml:"initialSize"`
	MinIdle     int      `mapstructure:"minIdle" yaml:"minIdle"`
	MaxActive   int      `mapstructure:"maxActive" yaml:"maxActive"`
	MaxWait     Duration `mapstructure:"maxWait" yaml:"maxWait"`

	TimeBetweenEvictionRuns Duration `mapstructure:"timeBetweenEvictionRunsMillis" yaml:"timeBetweenEvictionRunsMillis"`
	MinEvictableIdleTime    Duration `mapstructure:"minEvictableIdleTimeMillis" yaml:"minEvictableIdleTimeMillis"`

	ValidationQuery        string   `mapstructure:"validationQuery" yaml:"validationQuery,omitempty"`
	ValidationQueryTimeout Duration `mapstructure:"validationQueryTimeout" yaml:"validationQueryTimeout,omitempty"`
	TestOnBorrow           bool     `mapstructure:"testOnBorrow" yaml:"testOnBorrow"`
	TestOnReturn           bool     `mapstructure:"testOnReturn" yaml:"testOnReturn"`
	TestWhileIdle          bool     `mapstructure:"testWhileIdle" yaml:"testWhileIdle"`

	PoolPreparedStatements    bool `mapstructure:"poolPreparedStatements" yaml:"poolPreparedStatements"`
	MaxOpenPreparedStatements int  `mapstructure:"maxOpenPreparedStatements" yaml:"maxOpenPreparedStatements,omitempty"`

	DrainTimeout          Duration `mapstructure:"drainTimeout" yaml:"drainTimeout,omitempty"`
	MaxValidationFailures int      `mapstructure:"maxValidationFailures" yaml:"maxValidationFailures,omitempty"`
	ConnectRetries        int      `mapstructure:"connectRetries" yaml:"connectRetries,omitempty"`

	EnableMonitor bool     `mapstructure:"enableMonitor" yaml:"enableMonitor"`
	LogSlowSQL    bool     `mapstructure:"logSlowSql" yaml:"logSlowSql"`
	SlowSQL       Duration `mapstructure:"slowSqlMillis" yaml:"slowSqlMillis,omitempty"`
	MergeSQL      bool     `mapstructure:"mergeSql" yaml:"mergeSql"`
}

// NewDatasource returns a datasource with file-level defaults: wait for a
// connection indefinitely, run the evictor every minute and evict
// connections idle for thirty minutes.
func NewDatasource(name string) Datasource {
	return Datasource{
		Name:                    name,
		MaxWait:                 Duration(-time.Millisecond),
		TimeBetweenEvictionRuns: Duration(dspool.DefaultTimeBetweenEvictionRuns),
		MinEvictableIdleTime:    Duration(dspool.DefaultMinEvictableIdleTime),
	}
}

// PoolConfig converts ds into a pool configuration.
func (ds Datasource) PoolConfig() dspool.Config {
	return dspool.Config{
		Name:                      ds.Name,
		URL:                       ds.URL,
		Driver:                    ds.Driver,
		Username:                  ds.Username,
		Password:                  ds.Password,
		InitialSize:               ds.InitialSize,
		MinIdle:                   ds.MinIdle,
		MaxActive:                 ds.MaxActive,
		MaxWait:                   time.Duration(ds.MaxWait),
		TimeBetweenEvictionRuns:   time.Duration(ds.TimeBetweenEvictionRuns),
		MinEvictableIdleTime:      time.Duration(ds.MinEvictableIdleTime),
		ValidationQuery:           ds.ValidationQuery,
		ValidationQueryTimeout:    time.Duration(ds.ValidationQueryTimeout),
		TestOnBorrow:              ds.TestOnBorrow,
		TestOnReturn:              ds.TestOnReturn,
		TestWhileIdle:             ds.TestWhileIdle,
		PoolPreparedStatements:    ds.PoolPreparedStatements,
		MaxOpenPreparedStatements: ds.MaxOpenPreparedStatements,
		DrainTimeout:              time.Duration(ds.DrainTimeout),
		MaxValidationFailures:     ds.MaxValidationFailures,
		ConnectRetries:            ds.ConnectRetries,
		EnableMonitor:             ds.EnableMonitor,
		LogSlowSQL:                ds.LogSlowSQL,
		SlowSQLThreshold:          time.Duration(ds.SlowSQL),
		MergeSQL:                  ds.MergeSQL,
	}
}

// Masked returns a copy of ds with the password, including one embedded in
// the url, replaced by a fixed mask.
func (ds Datasource) Masked() Datasource {
	if ds.Password != "" {
		ds.Password = maskedPassword
	}
	raw, jdbc := strings.CutPrefix(ds.URL, "jdbc:")
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			ds.URL = u.Redacted()
			if jdbc {
				ds.URL = "jdbc:" + ds.URL
			}
		}
	}
	return ds
}

// Duration is a time.Duration read from config. Plain numbers are
// milliseconds; strings may also use Go duration syntax ("30s").
type Duration time.Duration

// MarshalYAML writes the duration in milliseconds.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).Milliseconds(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

var durationType = reflect.TypeOf(Duration(0))

// decodeDuration is a mapstructure decode hook producing Duration values.
func decodeDuration(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		s := strings.TrimSpace(v)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Duration(time.Duration(ms) * time.Millisecond), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", v)
		}
		return Duration(d), nil
	case int:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case int64:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case uint64:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case float64:
		return Duration(time.Duration(v * float64(time.Millisecond))), nil
	}
	return data, nil
}
