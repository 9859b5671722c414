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

package kafka

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	ingestpool "github.com/elastic/ingest-pool"
)

const (
	instrumentName = "github.com/elastic/ingest-pool/kafka"

	unitCount = "1"

	recordsAcceptedCounterKey = "consumer.records.accepted"
	recordsFailedCounterKey   = "consumer.records.failed"
	batchesCounterKey         = "consumer.batches"
	commitsFailedCounterKey   = "consumer.commits.failed"
	alertsSentCounterKey      = "consumer.alerts.sent"
)

// workerMetrics records the outcome of the poll, route, commit loop. It is
// shared by all the workers of a pool, every measurement carries the worker
// index.
type workerMetrics struct {
	recordsAccepted metric.Int64Counter
	recordsFailed   metric.Int64Counter
	batches         metric.Int64Counter
	commitsFailed   metric.Int64Counter
	alertsSent      metric.Int64Counter
}

func newWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	m := mp.Meter(instrumentName)
	counter := func(key, desc string) (metric.Int64Counter, error) {
		c, err := m.Int64Counter(key,
			metric.WithDescription(desc),
			metric.WithUnit(unitCount),
		)
		if err != nil {
			return nil, fmt.Errorf("cannot create %s metric: %w", key, err)
		}
		return c, nil
	}
	var wm workerMetrics
	var err error
	if wm.recordsAccepted, err = counter(recordsAcceptedCounterKey,
		"The number of records accepted by the sink",
	); err != nil {
		return nil, err
	}
	if wm.recordsFailed, err = counter(recordsFailedCounterKey,
		"The number of records which failed to be decoded or processed",
	); err != nil {
		return nil, err
	}
	if wm.batches, err = counter(batchesCounterKey,
		"The number of non-empty fetched batches, by processing mode",
	); err != nil {
		return nil, err
	}
	if wm.commitsFailed, err = counter(commitsFailedCounterKey,
		"The number of offset commits rejected by the broker",
	); err != nil {
		return nil, err
	}
	if wm.alertsSent, err = counter(alertsSentCounterKey,
		"The number of operator alerts sent",
	); err != nil {
		return nil, err
	}
	return &wm, nil
}

func workerAttrs(worker int, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(extra)+2)
	attrs = append(attrs,
		semconv.MessagingSystemKey.String("kafka"),
		attribute.Int("worker", worker),
	)
	return metric.WithAttributes(append(attrs, extra...)...)
}

func (m *workerMetrics) accepted(ctx context.Context, worker int, mode ingestpool.ProcessingMode, n int) {
	m.recordsAccepted.Add(ctx, int64(n), workerAttrs(worker,
		attribute.String("mode", mode.String()),
	))
}

func (m *workerMetrics) failed(ctx context.Context, worker int, mode ingestpool.ProcessingMode, n int) {
	m.recordsFailed.Add(ctx, int64(n), workerAttrs(worker,
		attribute.String("mode", mode.String()),
	))
}

func (m *workerMetrics) batch(ctx context.Context, worker int, mode ingestpool.ProcessingMode) {
	m.batches.Add(ctx, 1, workerAttrs(worker,
		attribute.String("mode", mode.String()),
	))
}

func (m *workerMetrics) commitFailed(ctx context.Context, worker int, topic string, conflict bool) {
	m.commitsFailed.Add(ctx, 1, workerAttrs(worker,
		semconv.MessagingSourceName(topic),
		attribute.Bool("conflict", conflict),
	))
}

func (m *workerMetrics) alertSent(ctx context.Context, worker int) {
	m.alertsSent.Add(ctx, 1, workerAttrs(worker))
}
