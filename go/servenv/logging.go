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

package servenv

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogConfig selects the level, format and destination of the process logger.
type LogConfig struct {
	Level  string `mapstructure:"log-level" yaml:"log-level"`
	Format string `mapstructure:"log-format" yaml:"log-format"`
	Output string `mapstructure:"log-output" yaml:"log-output"`
}

// redacted replaces the value of any attribute whose key names a secret.
const redacted = "xxxxx"

var secretKeys = map[string]bool{
	"password":     true,
	"pwd":          true,
	"pwdpublickey": true,
}

// Logger builds the process-wide slog logger from a LogConfig.
type Logger struct {
	cfg LogConfig

	once sync.Once

	mu     sync.Mutex
	logger *slog.Logger
	file   *os.File
	wrap   func(slog.Handler) slog.Handler
}

// NewLogger returns a Logger for cfg. Nothing is set up until SetupLogging.
func NewLogger(cfg LogConfig) *Logger {
	return &Logger{cfg: cfg}
}

// WrapHandler makes SetupLogging pass its handler through f. It has no
// effect once logging is set up.
func (lg *Logger) WrapHandler(f func(slog.Handler) slog.Handler) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.wrap = f
}

// SetupLogging creates the logger, installs it as the slog default and
// returns it. Only the first call has an effect. An output that cannot be
// opened falls back to stdout with a warning.
func (lg *Logger) SetupLogging() *slog.Logger {
	lg.once.Do(func() {
		level := orDefault(lg.cfg.Level, "info")
		format := orDefault(lg.cfg.Format, "json")
		output := orDefault(lg.cfg.Output, "stdout")

		w, file, openErr := openOutput(output)
		handler := NewHandler(w, format, ParseLevel(level))

		lg.mu.Lock()
		if lg.wrap != nil {
			handler = lg.wrap(handler)
		}
		lg.file = file
		lg.logger = slog.New(handler)
		logger := lg.logger
		lg.mu.Unlock()

		slog.SetDefault(logger)
		if openErr != nil {
			logger.Warn("cannot open log output, using stdout", "output", output, "error", openErr)
		}
		logger.Debug("logging initialized", "level", level, "format", format, "output", output)
	})
	return lg.GetLogger()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// openOutput resolves "stdout", "stderr" or a file path to append to.
func openOutput(output string) (io.Writer, *os.File, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout, nil, err
	}
	return file, file, nil
}

// GetLogger returns the configured logger, or slog.Default() before
// SetupLogging.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

// Close closes the log file, if logging goes to one.
func (lg *Logger) Close() error {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.file == nil {
		return nil
	}
	err := lg.file.Close()
	lg.file = nil
	return err
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler returns a text handler for format "text" and a JSON handler
// otherwise. Attributes named password, pwd or pwdPublicKey are redacted.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactSecrets}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}
