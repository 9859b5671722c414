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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	ingestpool "github.com/elastic/ingest-pool"
	"github.com/elastic/ingest-pool/codec/json"
)

func zapTest(t testing.TB, opts ...zaptest.LoggerOption) *zap.Logger {
	t.Helper()
	if len(opts) == 0 {
		opts = append(opts, zaptest.Level(zap.InfoLevel))
	}
	return zaptest.NewLogger(t, opts...)
}

// fakeClient is a scripted consumerClient. Fetches pushed to the fetches
// channel are returned by PollRecords in order.
type fakeClient struct {
	fetches chan kgo.Fetches
	log     *eventLog

	mu         sync.Mutex
	commits    [][]*kgo.Record
	commitErrs []error
	polls      int
	pingErr    error

	allowed atomic.Int32
	closed  atomic.Bool
}

func newFakeClient(log *eventLog) *fakeClient {
	return &fakeClient{fetches: make(chan kgo.Fetches, 16), log: log}
}

func (c *fakeClient) PollRecords(ctx context.Context, _ int) kgo.Fetches {
	c.mu.Lock()
	c.polls++
	c.mu.Unlock()
	select {
	case f := <-c.fetches:
		return f
	case <-ctx.Done():
		return errFetches(ctx.Err())
	}
}

func (c *fakeClient) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, rs)
	if c.log != nil {
		c.log.add(fmt.Sprintf("commit:%d", len(rs)))
	}
	if len(c.commitErrs) > 0 {
		err := c.commitErrs[0]
		c.commitErrs = c.commitErrs[1:]
		return err
	}
	return nil
}

func (c *fakeClient) AllowRebalance()            { c.allowed.Add(1) }
func (c *fakeClient) Close()                     { c.closed.Store(true) }

func (c *fakeClient) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeClient) Commits() [][]*kgo.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]*kgo.Record(nil), c.commits...)
}

func (c *fakeClient) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func errFetches(err error) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Partitions: []kgo.FetchPartition{{Partition: -1, Err: err}},
	}}}}
}

// fetchesOf groups records by topic and partition, keeping their order.
func fetchesOf(records ...*kgo.Record) kgo.Fetches {
	var fetch kgo.Fetch
	for _, r := range records {
		ti := -1
		for i, ft := range fetch.Topics {
			if ft.Topic == r.Topic {
				ti = i
			}
		}
		if ti < 0 {
			fetch.Topics = append(fetch.Topics, kgo.FetchTopic{Topic: r.Topic})
			ti = len(fetch.Topics) - 1
		}
		ft := &fetch.Topics[ti]
		pi := -1
		for i, fp := range ft.Partitions {
			if fp.Partition == r.Partition {
				pi = i
			}
		}
		if pi < 0 {
			ft.Partitions = append(ft.Partitions, kgo.FetchPartition{Partition: r.Partition})
			pi = len(ft.Partitions) - 1
		}
		ft.Partitions[pi].Records = append(ft.Partitions[pi].Records, r)
	}
	return kgo.Fetches{fetch}
}

func newRecords(topic string, partition int32, n int) []*kgo.Record {
	records := make([]*kgo.Record, n)
	for i := range records {
		records[i] = &kgo.Record{
			Topic:     topic,
			Partition: partition,
			Offset:    int64(i),
			Value:     []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	return records
}

// eventLog records the sequence of sink and client calls.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// recordingSink implements both ingestpool.Sink and ingestpool.BatchSink.
type recordingSink struct {
	log *eventLog
	// failAccept, when set, is returned by Accept for the matching records.
	failAccept func(ingestpool.Record) error
	failMany   error
	failCommit error

	mu       sync.Mutex
	accepted []ingestpool.Record
	pending  []ingestpool.Record
}

func (s *recordingSink) Accept(_ context.Context, r ingestpool.Record) error {
	s.log.add(fmt.Sprintf("accept:%s/%d/%d", r.Topic, r.Partition, r.Offset))
	if s.failAccept != nil {
		if err := s.failAccept(r); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, r)
	return nil
}

func (s *recordingSink) BeginBatch(context.Context) {
	s.log.add("begin")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
}

func (s *recordingSink) AcceptMany(_ context.Context, rs []ingestpool.Record) error {
	s.log.add(fmt.Sprintf("acceptMany:%d", len(rs)))
	if s.failMany != nil {
		return s.failMany
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, rs...)
	return nil
}

func (s *recordingSink) CommitBatch(context.Context) error {
	s.log.add("commitBatch")
	if s.failCommit != nil {
		return s.failCommit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, s.pending...)
	s.pending = nil
	return nil
}

func (s *recordingSink) Accepted() []ingestpool.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingestpool.Record(nil), s.accepted...)
}

type recordingAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (a *recordingAlerter) Notify(_ context.Context, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

func (a *recordingAlerter) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

type workerOpts struct {
	bulkEdge   int
	commitMode ingestpool.CommitMode
	logger     *zap.Logger
	metrics    *workerMetrics
}

func newTestWorker(t testing.TB, client consumerClient, sink *recordingSink,
	alerter ingestpool.Alerter, opts workerOpts,
) *worker {
	t.Helper()
	if opts.logger == nil {
		opts.logger = zapTest(t)
	}
	if opts.metrics == nil {
		m, err := newWorkerMetrics(noop.NewMeterProvider())
		require.NoError(t, err)
		opts.metrics = m
	}
	w := &worker{
		id:             0,
		topics:         []string{"a", "c"},
		client:         client,
		sink:           sink,
		batchSink:      sink,
		decoder:        json.JSON{},
		alerter:        alerter,
		logger:         opts.logger,
		metrics:        opts.metrics,
		maxPollRecords: 500,
		bulkEdge:       opts.bulkEdge,
		commitMode:     opts.commitMode,
	}
	w.setState(stateSubscribed)
	return w
}

// runWorker runs w in a goroutine. The returned channel receives the result
// of run.
func runWorker(ctx context.Context, w *worker) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- w.run(ctx) }()
	return errCh
}

func waitErr(t testing.TB, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker to return")
	}
	return nil
}

func newClusterAddrWithTopics(t testing.TB, partitions int32, topics ...string) []string {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.SeedTopics(partitions, topics...))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster.ListenAddrs()
}

func newClusterWithTopics(t testing.TB, partitions int32, topics ...string) (*kgo.Client, []string) {
	t.Helper()
	addrs := newClusterAddrWithTopics(t, partitions, topics...)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(addrs...),
		// Reduce the max wait time to speed up tests.
		kgo.FetchMaxWait(100*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, addrs
}

func produceRecord(ctx context.Context, t testing.TB, c *kgo.Client, r *kgo.Record) {
	t.Helper()
	results := c.ProduceSync(ctx, r)
	assert.NoError(t, results.FirstErr())
}

func getCommittedOffsets(ctx context.Context, t testing.TB,
	c *kadm.Client, group string,
) map[string]int64 {
	t.Helper()
	res, err := c.FetchOffsets(ctx, group)
	require.NoError(t, err)
	offsets := make(map[string]int64)
	res.Offsets().Each(func(o kadm.Offset) {
		offsets[o.Topic] += o.At
	})
	return offsets
}
