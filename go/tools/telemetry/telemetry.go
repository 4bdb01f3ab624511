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

// Package telemetry sets up OpenTelemetry export for pool metrics,
// transaction spans and logs.
//
// Nothing is exported unless the standard exporter variables ask for it. To
// send pool metrics and transaction traces to a local collector:
//
//	OTEL_EXPORTER_OTLP_PROTOCOL="http/protobuf" \
//	  OTEL_EXPORTER_OTLP_ENDPOINT="http://localhost:4318" \
//	  OTEL_METRICS_EXPORTER=otlp \
//	  OTEL_TRACES_EXPORTER=otlp \
//	  multids serve --config-file multids.yaml
//
// To view traces locally at http://localhost:16686/:
//
//	$ docker run --rm -it --name jaeger-all-in-one \
//	    -e COLLECTOR_OTLP_ENABLED=true \
//	    -p 16686:16686 \
//	    -p 4318:4318 \
//	    jaegertracing/all-in-one:latest
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/multigres/multids"

var tracer = otel.Tracer(instrumentationName)

// Tracer returns the multids tracer.
func Tracer() trace.Tracer {
	return tracer
}

// Telemetry owns the OpenTelemetry providers of one process.
type Telemetry struct {
	mu             sync.Mutex
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider
	initialized    bool

	// Set by WithTestExporters.
	testSpanExporter sdktrace.SpanExporter
	testMetricReader sdkmetric.Reader
	testLogProcessor sdklog.Processor
}

// NewTelemetry creates an uninitialized Telemetry.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// WithTestExporters makes Init use the given exporters instead of the ones
// selected by environment. Any of them may be nil. Must be called before Init.
func (t *Telemetry) WithTestExporters(spanExporter sdktrace.SpanExporter, metricReader sdkmetric.Reader, logProcessor sdklog.Processor) *Telemetry {
	t.testSpanExporter = spanExporter
	t.testMetricReader = metricReader
	t.testLogProcessor = logProcessor
	return t
}

// Init creates the providers selected by OTEL_TRACES_EXPORTER,
// OTEL_METRICS_EXPORTER and OTEL_LOGS_EXPORTER and installs them globally.
// A signal whose variable is unset or "none" keeps the global no-op
// provider. OTEL_SERVICE_NAME overrides serviceName. Only the first call has
// an effect.
func (t *Telemetry) Init(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return nil
	}

	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		serviceName = name
	}
	// resource.Default() is left out; its schema URL can differ from semconv's.
	res := resource.NewWithAttributes(semconv.SchemaURL,
		append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, attrs...)...)

	for _, step := range []struct {
		signal string
		init   func(context.Context, *resource.Resource) error
	}{
		{"tracing", t.initTracing},
		{"metrics", t.initMetrics},
		{"logs", t.initLogs},
	} {
		if err := step.init(ctx, res); err != nil {
			return fmt.Errorf("initialize %s: %w", step.signal, err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.initialized = true
	slog.DebugContext(ctx, "telemetry ready", "service", serviceName,
		"traces", t.tracerProvider != nil, "metrics", t.meterProvider != nil, "logs", t.loggerProvider != nil)
	return nil
}

// Exporter selection variables, read by autoexport as well.
const (
	tracesExporterEnv  = "OTEL_TRACES_EXPORTER"
	metricsExporterEnv = "OTEL_METRICS_EXPORTER"
	logsExporterEnv    = "OTEL_LOGS_EXPORTER"
)

// exporting reports whether env selects an exporter. autoexport falls back to
// OTLP when the variable is unset; multids exports nothing instead.
func exporting(env string) bool {
	v := os.Getenv(env)
	return v != "" && v != "none"
}

func (t *Telemetry) initTracing(ctx context.Context, res *resource.Resource) error {
	var opt sdktrace.TracerProviderOption
	switch {
	case t.testSpanExporter != nil:
		// Synchronous so tests see a span as soon as it ends.
		opt = sdktrace.WithSyncer(t.testSpanExporter)
	case exporting(tracesExporterEnv):
		exporter, err := autoexport.NewSpanExporter(ctx)
		if err != nil {
			return fmt.Errorf("create span exporter: %w", err)
		}
		opt = sdktrace.WithBatcher(exporter)
	default:
		return nil
	}
	// Sampler comes from OTEL_TRACES_SAMPLER.
	t.tracerProvider = sdktrace.NewTracerProvider(opt, sdktrace.WithResource(res))
	otel.SetTracerProvider(t.tracerProvider)
	return nil
}

func (t *Telemetry) initMetrics(ctx context.Context, res *resource.Resource) error {
	reader := t.testMetricReader
	if reader == nil {
		if !exporting(metricsExporterEnv) {
			return nil
		}
		var err error
		if reader, err = autoexport.NewMetricReader(ctx); err != nil {
			return fmt.Errorf("create metric reader: %w", err)
		}
	}
	t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(t.meterProvider)
	return nil
}

func (t *Telemetry) initLogs(ctx context.Context, res *resource.Resource) error {
	processor := t.testLogProcessor
	if processor == nil {
		if !exporting(logsExporterEnv) {
			return nil
		}
		exporter, err := autoexport.NewLogExporter(ctx)
		if err != nil {
			return fmt.Errorf("create log exporter: %w", err)
		}
		processor = sdklog.NewBatchProcessor(exporter)
	}
	t.loggerProvider = sdklog.NewLoggerProvider(sdklog.WithProcessor(processor), sdklog.WithResource(res))
	return nil
}

// WithEnvTraceparent returns ctx carrying the remote span context of the
// TRACEPARENT environment variable, if set.
func (t *Telemetry) WithEnvTraceparent(ctx context.Context) context.Context {
	traceparent := os.Getenv("TRACEPARENT")
	if traceparent == "" {
		return ctx
	}
	// version-trace_id-span_id-flags
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InitForCommand initializes telemetry for a CLI command and, if startSpan
// is set, starts a span named after the command. The command's context is
// replaced so subcommands run inside that span. The returned span is nil
// when startSpan is false.
func (t *Telemetry) InitForCommand(cmd *cobra.Command, serviceName string, startSpan bool) (trace.Span, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.Init(ctx, serviceName); err != nil {
		return nil, err
	}

	ctx = t.WithEnvTraceparent(ctx)
	var span trace.Span
	if startSpan {
		ctx, span = tracer.Start(ctx, cmd.CommandPath())
	}
	cmd.SetContext(ctx)
	return span, nil
}

// TracerProvider returns the exporting TracerProvider, or the global one
// when traces are not exported.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracerProvider != nil {
		return t.tracerProvider
	}
	return otel.GetTracerProvider()
}

// MeterProvider returns the exporting MeterProvider, or the global one when
// metrics are not exported. Pools record into the global provider, so this
// is what a caller hands to dspool.WithMeter to pin a pool to this process.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return otel.GetMeterProvider()
}

// Shutdown flushes and stops every provider. Init may be called again
// afterwards.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil
	}

	var errs []error
	stop := func(signal string, shutdown func(context.Context) error) {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s provider: %w", signal, err))
		}
	}
	if t.tracerProvider != nil {
		stop("tracer", t.tracerProvider.Shutdown)
	}
	if t.meterProvider != nil {
		stop("meter", t.meterProvider.Shutdown)
	}
	if t.loggerProvider != nil {
		stop("logger", t.loggerProvider.Shutdown)
	}
	t.tracerProvider, t.meterProvider, t.loggerProvider = nil, nil, nil
	t.initialized = false
	return errors.Join(errs...)
}

// WrapSlogHandler adds trace_id and span_id of the active span to every
// record and, when logs are exported, also sends records to the
// OpenTelemetry logs pipeline.
func (t *Telemetry) WrapSlogHandler(next slog.Handler) slog.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := &spanHandler{next: next}
	if t.loggerProvider != nil {
		h.export = otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(t.loggerProvider))
	}
	return h
}

// spanHandler tags records with the span context found in ctx before passing
// them to next, and mirrors them to export when that is set.
type spanHandler struct {
	next   slog.Handler
	export slog.Handler
}

func (h *spanHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.next.Enabled(ctx, level) {
		return true
	}
	return h.export != nil && h.export.Enabled(ctx, level)
}

func (h *spanHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.export != nil && h.export.Enabled(ctx, r.Level) {
		// The bridge reads the span from ctx itself.
		if err := h.export.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("export log record: %w", err))
		}
	}
	if h.next.Enabled(ctx, r.Level) {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			r.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
		errs = append(errs, h.next.Handle(ctx, r))
	}
	return errors.Join(errs...)
}

func (h *spanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := &spanHandler{next: h.next.WithAttrs(attrs)}
	if h.export != nil {
		c.export = h.export.WithAttrs(attrs)
	}
	return c
}

func (h *spanHandler) WithGroup(name string) slog.Handler {
	c := &spanHandler{next: h.next.WithGroup(name)}
	if h.export != nil {
		c.export = h.export.WithGroup(name)
	}
	return c
}
