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
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Attribute keys from OTel semantic conventions:
// - semconv.DBClientConnectionPoolNameKey = "db.client.connection.pool.name"
// - semconv.DBClientConnectionStateKey = "db.client.connection.state"
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

// statsSource is implemented by *Pool for any connection type.
type statsSource interface {
	Stats() Stats
}

// Metrics holds the OpenTelemetry instruments of one pool.
type Metrics struct {
	connCount  metric.Int64ObservableUpDownCounter
	pending    metric.Int64ObservableUpDownCounter
	timeouts   metric.Int64Counter
	createTime metric.Float64Histogram

	registration metric.Registration
}

// NewMetrics creates the pool instruments and registers a callback that
// reports connection counts from src. Instruments that fail to initialize
// fall back to noop implementations; the returned Metrics is always usable
// and the error lists what failed.
func NewMetrics(meter metric.Meter, src statsSource) (*Metrics, error) {
	var (
		m    Metrics
		errs []error
		err  error
	)
	fallback := noop.NewMeterProvider().Meter("dspool")

	m.connCount, err = meter.Int64ObservableUpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("connection count: %w", err))
		m.connCount, _ = fallback.Int64ObservableUpDownCounter("db.client.connection.count")
	}

	m.pending, err = meter.Int64ObservableUpDownCounter(
		"db.client.connection.pending_requests",
		metric.WithDescription("The number of current pending requests for an open connection."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("pending requests: %w", err))
		m.pending, _ = fallback.Int64ObservableUpDownCounter("db.client.connection.pending_requests")
	}

	m.timeouts, err = meter.Int64Counter(
		"db.client.connection.timeouts",
		metric.WithDescription("The number of connection timeouts that have occurred trying to obtain a connection from the pool."),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("timeouts: %w", err))
		m.timeouts, _ = fallback.Int64Counter("db.client.connection.timeouts")
	}

	m.createTime, err = meter.Float64Histogram(
		"db.client.connection.create_time",
		metric.WithDescription("The time it took to create a new connection."),
		metric.WithUnit("s"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("create time: %w", err))
		m.createTime, _ = fallback.Float64Histogram("db.client.connection.create_time")
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Stats()
		pool := attribute.String(attrKeyPoolName, s.Name)
		o.ObserveInt64(m.connCount, int64(s.Idle), metric.WithAttributes(pool, attribute.String(attrKeyState, "idle")))
		o.ObserveInt64(m.connCount, int64(s.Busy), metric.WithAttributes(pool, attribute.String(attrKeyState, "used")))
		o.ObserveInt64(m.pending, int64(s.Waiting), metric.WithAttributes(pool))
		return nil
	}, m.connCount, m.pending)
	if err != nil {
		errs = append(errs, fmt.Errorf("register callback: %w", err))
	}

	if len(errs) > 0 {
		return &m, errors.Join(errs...)
	}
	return &m, nil
}

func (m *Metrics) recordTimeout(ctx context.Context, pool string) {
	m.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKeyPoolName, pool)))
}

func (m *Metrics) recordCreate(ctx context.Context, pool string, d time.Duration) {
	m.createTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String(attrKeyPoolName, pool)))
}

func (m *Metrics) unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
