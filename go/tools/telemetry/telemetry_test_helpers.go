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
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestSetup is a Telemetry wired to in-memory exporters.
type TestSetup struct {
	Telemetry    *Telemetry
	SpanExporter *tracetest.InMemoryExporter
	MetricReader *metric.ManualReader
}

// restoreGlobals puts the global OpenTelemetry providers back when the test
// ends.
func restoreGlobals(t testing.TB) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

// SetupTestTelemetry returns an uninitialized Telemetry that exports to
// memory. Global providers are restored after the test.
func SetupTestTelemetry(t testing.TB) *TestSetup {
	t.Helper()
	restoreGlobals(t)

	spanExporter := tracetest.NewInMemoryExporter()
	metricReader := metric.NewManualReader()
	return &TestSetup{
		Telemetry:    NewTelemetry().WithTestExporters(spanExporter, metricReader, nil),
		SpanExporter: spanExporter,
		MetricReader: metricReader,
	}
}
