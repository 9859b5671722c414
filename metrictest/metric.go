// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package metrictest provides helpers to assert on the metrics recorded by
// the consumer pool.
package metrictest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// TestMetric holds a meter provider backed by a manual reader.
type TestMetric struct {
	Reader        *sdkmetric.ManualReader
	MeterProvider *sdkmetric.MeterProvider
}

// New creates a manual reader with cumulative temporality and a meter
// provider reading from it.
func New() TestMetric {
	reader := sdkmetric.NewManualReader()
	return TestMetric{
		Reader:        reader,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
}

// Collect returns the metrics from the reader.
func (tm TestMetric) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := tm.Reader.Collect(ctx, &rm)
	return rm, err
}

// Int64Values collects the int64 sums and gauges recorded in scope, and
// returns them keyed by metric name. Each value is the sum of the data points
// carrying all of the given attributes.
func (tm TestMetric) Int64Values(t testing.TB, scope string, attrs ...attribute.KeyValue) map[string]int64 {
	t.Helper()
	rm, err := tm.Collect(context.Background())
	if err != nil {
		t.Fatalf("failed collecting metrics: %v", err)
	}
	values := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != scope {
			continue
		}
		for _, m := range sm.Metrics {
			var points []metricdata.DataPoint[int64]
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				points = data.DataPoints
			case metricdata.Gauge[int64]:
				points = data.DataPoints
			default:
				continue
			}
			for _, dp := range points {
				if hasAll(dp.Attributes, attrs) {
					values[m.Name] += dp.Value
				}
			}
		}
	}
	return values
}

func hasAll(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}
