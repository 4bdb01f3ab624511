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

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewTelemetry(t *testing.T) {
	tel := NewTelemetry()
	require.NotNil(t, tel)
	assert.False(t, tel.initialized)
	assert.Nil(t, tel.tracerProvider)
	assert.Nil(t, tel.meterProvider)
}

func TestInitWithTestExporters(t *testing.T) {
	setup := SetupTestTelemetry(t)
	ctx := context.Background()

	require.NoError(t, setup.Telemetry.Init(ctx, "multids-test"))
	assert.True(t, setup.Telemetry.initialized)
	require.NotNil(t, setup.Telemetry.tracerProvider)
	require.NotNil(t, setup.Telemetry.meterProvider)
	assert.Nil(t, setup.Telemetry.loggerProvider)

	assert.Equal(t, setup.Telemetry.tracerProvider, otel.GetTracerProvider())
	assert.Equal(t, setup.Telemetry.meterProvider, setup.Telemetry.MeterProvider())

	_, span := otel.Tracer("test").Start(ctx, "txcoord.Run")
	span.End()
	spans := setup.SpanExporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "txcoord.Run", spans[0].Name)

	counter, err := otel.Meter("test").Int64Counter("db.client.connection.timeouts")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, setup.MetricReader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.EqualValues(t, 2, sum.DataPoints[0].Value)

	require.NoError(t, setup.Telemetry.Shutdown(ctx))
	assert.False(t, setup.Telemetry.initialized)
}

func TestInitIsIdempotent(t *testing.T) {
	setup := SetupTestTelemetry(t)
	ctx := context.Background()

	require.NoError(t, setup.Telemetry.Init(ctx, "multids-test"))
	tp := setup.Telemetry.tracerProvider
	require.NoError(t, setup.Telemetry.Init(ctx, "other"))
	assert.Same(t, tp, setup.Telemetry.tracerProvider)

	require.NoError(t, setup.Telemetry.Shutdown(ctx))
	require.NoError(t, setup.Telemetry.Shutdown(ctx))
}

func TestInitWithoutExporters(t *testing.T) {
	restoreGlobals(t)
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_LOGS_EXPORTER", "")

	tel := NewTelemetry()
	before := otel.GetTracerProvider()
	require.NoError(t, tel.Init(context.Background(), "multids-test"))

	assert.True(t, tel.initialized)
	assert.Nil(t, tel.tracerProvider)
	assert.Nil(t, tel.meterProvider)
	assert.Nil(t, tel.loggerProvider)
	assert.Equal(t, before, tel.TracerProvider())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestWithEnvTraceparent(t *testing.T) {
	setup := SetupTestTelemetry(t)
	require.NoError(t, setup.Telemetry.Init(context.Background(), "multids-test"))
	defer setup.Telemetry.Shutdown(context.Background())

	t.Setenv("TRACEPARENT", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := setup.Telemetry.WithEnvTraceparent(context.Background())

	_, span := Tracer().Start(ctx, "child")
	span.End()
	spans := setup.SpanExporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())
}

func TestInitForCommand(t *testing.T) {
	setup := SetupTestTelemetry(t)
	defer setup.Telemetry.Shutdown(context.Background())

	root := &cobra.Command{Use: "multids"}
	check := &cobra.Command{Use: "check"}
	root.AddCommand(check)
	check.SetContext(context.Background())

	span, err := setup.Telemetry.InitForCommand(check, "multids", true)
	require.NoError(t, err)
	require.NotNil(t, span)
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	spans := setup.SpanExporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "multids check", spans[0].Name)

	span, err = setup.Telemetry.InitForCommand(root, "multids", false)
	require.NoError(t, err)
	assert.Nil(t, span)
}

func TestWrapSlogHandlerAddsTraceContext(t *testing.T) {
	setup := SetupTestTelemetry(t)
	require.NoError(t, setup.Telemetry.Init(context.Background(), "multids-test"))
	defer setup.Telemetry.Shutdown(context.Background())

	var buf bytes.Buffer
	logger := slog.New(setup.Telemetry.WrapSlogHandler(slog.NewJSONHandler(&buf, nil)))

	ctx, span := Tracer().Start(context.Background(), "borrow")
	logger.InfoContext(ctx, "slot borrowed", "pool", "orders")
	span.End()

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "orders", record["pool"])
	assert.Equal(t, span.SpanContext().TraceID().String(), record["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), record["span_id"])

	buf.Reset()
	logger.Info("no span")
	record = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "trace_id")
}

// recordingProcessor keeps the body and trace ID of every exported record.
type recordingProcessor struct {
	mu       sync.Mutex
	bodies   []string
	traceIDs []string
}

func (p *recordingProcessor) Enabled(context.Context, sdklog.EnabledParameters) bool { return true }

func (p *recordingProcessor) OnEmit(_ context.Context, r *sdklog.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, r.Body().AsString())
	p.traceIDs = append(p.traceIDs, r.TraceID().String())
	return nil
}

func (p *recordingProcessor) Shutdown(context.Context) error   { return nil }
func (p *recordingProcessor) ForceFlush(context.Context) error { return nil }

func TestWrapSlogHandlerExportsLogs(t *testing.T) {
	setup := SetupTestTelemetry(t)
	processor := &recordingProcessor{}
	setup.Telemetry.WithTestExporters(setup.SpanExporter, setup.MetricReader, processor)
	require.NoError(t, setup.Telemetry.Init(context.Background(), "multids-test"))
	defer setup.Telemetry.Shutdown(context.Background())

	var buf bytes.Buffer
	logger := slog.New(setup.Telemetry.WrapSlogHandler(slog.NewJSONHandler(&buf, nil))).With("pool", "orders")

	ctx, span := Tracer().Start(context.Background(), "evict")
	logger.WarnContext(ctx, "validation failed")
	span.End()

	assert.Contains(t, buf.String(), `"msg":"validation failed"`)
	assert.Contains(t, buf.String(), `"pool":"orders"`)

	processor.mu.Lock()
	defer processor.mu.Unlock()
	require.Equal(t, []string{"validation failed"}, processor.bodies)
	assert.Equal(t, span.SpanContext().TraceID().String(), processor.traceIDs[0])
}

func TestShutdownAllowsReinit(t *testing.T) {
	setup := SetupTestTelemetry(t)
	ctx := context.Background()

	require.NoError(t, setup.Telemetry.Init(ctx, "multids-test"))
	require.NoError(t, setup.Telemetry.Shutdown(ctx))
	assert.Nil(t, setup.Telemetry.tracerProvider)

	require.NoError(t, setup.Telemetry.Init(ctx, "multids-test"))
	assert.NotNil(t, setup.Telemetry.tracerProvider)
	require.NoError(t, setup.Telemetry.Shutdown(ctx))
}
