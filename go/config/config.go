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

// Package config loads multids settings and datasource definitions from
// flags, MULTIDS_* environment variables and an optional config file.
//
// Precedence follows viper: flags, then environment, then the config file,
// then defaults. Datasources live under the "datasources" key of the file,
// keyed by pool name:
//
//	default-pool: primary
//	datasources:
//	  primary:
//	    url: jdbc:postgresql://db:5432/app
//	    username: app
//	    maxActive: 20
//	    maxWait: 3000
//	    validationQuery: SELECT 1
//	    testWhileIdle: true
//
// Pool names are case-insensitive and reported in lower case.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/multigres/multids/go/pools/dspool"
	"github.com/multigres/multids/go/pools/registry"
	"github.com/multigres/multids/go/servenv"
)

const (
	// EnvPrefix prefixes every environment variable read by the loader.
	EnvPrefix = "MULTIDS"
	// DefaultConfigName is the config file name searched for, without extension.
	DefaultConfigName = "multids"

	DefaultHTTPPort = 15800
	DefaultGRPCPort = 15900

	datasourcesKey = "datasources"
)

// DefaultConfigPaths are searched for DefaultConfigName when no
// --config-file is given.
var DefaultConfigPaths = []string{".", "/etc/multids"}

// Config is the effective process configuration.
type Config struct {
	DefaultPool string            `yaml:"default-pool"`
	Log         servenv.LogConfig `yaml:",inline"`
	GRPCPort    int               `yaml:"grpc-port"`
	HTTPPort    int               `yaml:"http-port"`
	// Datasources is sorted by name. Entries without a url are not included.
	Datasources []Datasource `yaml:"datasources"`

	// ConfigFile is the file the settings were read from, if any.
	ConfigFile string `yaml:"-"`
}

// Pools returns the pool configuration of every datasource.
func (c *Config) Pools() []dspool.Config {
	out := make([]dspool.Config, 0, len(c.Datasources))
	for _, ds := range c.Datasources {
		out = append(out, ds.PoolConfig())
	}
	return out
}

// MaskedYAML renders the configuration as YAML with passwords masked.
func (c *Config) MaskedYAML() ([]byte, error) {
	masked := *c
	masked.Datasources = make([]Datasource, len(c.Datasources))
	for i, ds := range c.Datasources {
		masked.Datasources[i] = ds.Masked()
	}
	return yaml.Marshal(&masked)
}

// Loader reads configuration through an isolated viper instance.
type Loader struct {
	v  *viper.Viper
	fs afero.Fs
}

// NewLoader creates a loader reading files from fs, or from the OS
// filesystem when fs is nil.
func NewLoader(fs afero.Fs) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	v := viper.New()
	v.SetFs(fs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("config-name", DefaultConfigName)
	v.SetDefault("config-path", DefaultConfigPaths)
	v.SetDefault("default-pool", registry.DefaultName)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")
	v.SetDefault("log-output", "stdout")
	v.SetDefault("grpc-port", DefaultGRPCPort)
	v.SetDefault("http-port", DefaultHTTPPort)
	return &Loader{v: v, fs: fs}
}

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// RegisterFlags installs the configuration flags on fs and binds them.
func (l *Loader) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config-file", "", "Full path of the config file (with extension). If set, --config-path and --config-name are ignored.")
	fs.String("config-name", DefaultConfigName, "Name of the config file (without extension) to search for.")
	fs.StringSlice("config-path", DefaultConfigPaths, "Paths to search for config files in.")
	fs.String("default-pool", registry.DefaultName, "Pool used when no pool name is given.")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "json", "Log format (json, text)")
	fs.String("log-output", "stdout", "Log output (stdout, stderr, or file path)")
	fs.Int("grpc-port", DefaultGRPCPort, "Port to listen on for gRPC health checks. If zero, do not listen.")
	fs.Int("http-port", DefaultHTTPPort, "Port to listen on for the HTTP status API. If zero, do not listen.")

	for _, name := range []string{
		"config-file", "config-name", "config-path", "default-pool",
		"log-level", "log-format", "log-output", "grpc-port", "http-port",
	} {
		_ = l.v.BindPFlag(name, fs.Lookup(name))
	}
}

// Load reads the config file, if one is found, and returns the effective
// configuration. A missing file is only an error when --config-file names it.
func (l *Loader) Load(logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := l.readConfigFile(); err != nil {
		return nil, err
	}

	cfg := &Config{
		DefaultPool: l.v.GetString("default-pool"),
		Log: servenv.LogConfig{
			Level:  l.v.GetString("log-level"),
			Format: l.v.GetString("log-format"),
			Output: l.v.GetString("log-output"),
		},
		GRPCPort:   l.v.GetInt("grpc-port"),
		HTTPPort:   l.v.GetInt("http-port"),
		ConfigFile: l.v.ConfigFileUsed(),
	}

	var errs []error
	for key, raw := range l.v.GetStringMap(datasourcesKey) {
		ds, err := decodeDatasource(key, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("datasource %q: %w", key, err))
			continue
		}
		if pw := l.v.GetString(datasourcesKey + "." + key + ".password"); pw != "" {
			ds.Password = pw
		}
		if ds.URL == "" {
			logger.Info("skipping datasource without url", "pool", ds.Name)
			continue
		}
		if err := ds.PoolConfig().WithDefaults().Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		cfg.Datasources = append(cfg.Datasources, ds)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	slices.SortFunc(cfg.Datasources, func(a, b Datasource) int { return cmp.Compare(a.Name, b.Name) })
	return cfg, nil
}

func (l *Loader) readConfigFile() error {
	if file := l.v.GetString("config-file"); file != "" {
		l.v.SetConfigFile(file)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		return nil
	}

	l.v.SetConfigName(l.v.GetString("config-name"))
	for _, path := range l.v.GetStringSlice("config-path") {
		l.v.AddConfigPath(path)
	}
	err := l.v.ReadInConfig()
	if err != nil && !isConfigFileNotFoundError(err) {
		return fmt.Errorf("failed to read config file %s: %w", l.v.ConfigFileUsed(), err)
	}
	return nil
}

// isConfigFileNotFoundError checks if the error is caused because the file wasn't found.
func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

func decodeDatasource(key string, raw any) (Datasource, error) {
	ds := NewDatasource(key)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(decodeDuration),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &ds,
	})
	if err != nil {
		return ds, err
	}
	if err := dec.Decode(raw); err != nil {
		return ds, err
	}
	if ds.Name == "" {
		ds.Name = key
	}
	return ds, nil
}
