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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	ingestpool "github.com/elastic/ingest-pool"
	"github.com/elastic/ingest-pool/codec/json"
	"github.com/elastic/ingest-pool/encoding"
)

var _ ingestpool.Pool = (*Pool)(nil)

var (
	// ErrPoolStarted is returned when Start is called more than once.
	ErrPoolStarted = errors.New("kafka: pool already started")
	// ErrPoolClosed is returned when Start is called after Shutdown.
	ErrPoolClosed = errors.New("kafka: pool is shut down")
)

const (
	defaultMaxPollRecords  = 500
	defaultShutdownTimeout = 5 * time.Second
)

// PoolConfig defines the configuration for a consumer Pool.
type PoolConfig struct {
	CommonConfig
	// Name of the pool logger. Defaults to "consumer".
	Name string
	// GroupID to join as part of the consumer group.
	GroupID string
	// Topics consumed by the pool, split across the workers by Assign.
	Topics []string
	// Workers is the number of workers, each of them running its own client
	// in a dedicated goroutine.
	Workers int
	// MaxPollRecords defines an upper bound to the number of records that can
	// be polled on a single fetch. If MaxPollRecords <= 0, defaults to 500.
	MaxPollRecords int
	// MaxPartitionFetchBytes sets the maximum amount of bytes returned for a
	// single partition in a fetch. Uses the client default when <= 0.
	MaxPartitionFetchBytes int32
	// BulkEdge is the batch size from which fetched records are routed to the
	// BatchSink instead of being accepted one by one by the Sink. When 0,
	// every non-empty batch is processed in bulk.
	BulkEdge int
	// CommitMode defines how records accepted one by one are committed.
	// Defaults to ingestpool.CommitPerRecord.
	CommitMode ingestpool.CommitMode
	// NewSink creates the Sink owned by a worker.
	NewSink func(worker int) (ingestpool.Sink, error)
	// NewBatchSink creates the BatchSink owned by a worker.
	NewBatchSink func(worker int) (ingestpool.BatchSink, error)
	// Decoder for the record values. Defaults to JSON keeping numbers as
	// json.Number, so integers above 2^53 are not rounded.
	Decoder encoding.Decoder
	// Alerter is notified when a worker stops due to a processing error.
	// Defaults to a no-op.
	Alerter ingestpool.Alerter
	// ShutdownTimeout bounds the time Shutdown waits for the workers to stop.
	// Defaults to 5s.
	ShutdownTimeout time.Duration
}

// finalize ensures the configuration is valid, setting default values as
// described in the doc comments.
func (cfg *PoolConfig) finalize() error {
	var errs []error
	if err := cfg.CommonConfig.finalize(); err != nil {
		errs = append(errs, err)
	}
	if len(cfg.Topics) == 0 {
		errs = append(errs, errors.New("kafka: at least one topic must be set"))
	}
	if cfg.GroupID == "" {
		errs = append(errs, errors.New("kafka: consumer GroupID must be set"))
	}
	if cfg.Workers < 1 {
		errs = append(errs, errors.New("kafka: workers must be at least 1"))
	}
	if cfg.BulkEdge < 0 {
		errs = append(errs, errors.New("kafka: bulk edge cannot be negative"))
	}
	if cfg.NewSink == nil {
		errs = append(errs, errors.New("kafka: sink must be set"))
	}
	if cfg.NewBatchSink == nil {
		errs = append(errs, errors.New("kafka: batch sink must be set"))
	}
	if cfg.CommitMode.String() == "" {
		errs = append(errs, ingestpool.ErrUnsupportedCommitMode)
	}
	if cfg.Name == "" {
		cfg.Name = "consumer"
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = defaultMaxPollRecords
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Decoder == nil {
		cfg.Decoder = json.JSON{UseNumber: true}
	}
	if cfg.Alerter == nil {
		cfg.Alerter = ingestpool.AlerterFunc(func(context.Context, string) {})
	}
	return errors.Join(errs...)
}

// workerHandle is used by the pool to stop a worker and wait for it. It does
// not own the worker's client.
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool consumes a set of topics with a fixed number of workers. Topics are
// statically split across the workers, each worker owns its own Kafka client,
// sinks and rebalance observer, so workers share no state.
//
// A worker which fails to process a record sends an alert and stops, the
// other workers are unaffected.
type Pool struct {
	cfg     PoolConfig
	logger  *zap.Logger
	workers []*worker

	mu       sync.Mutex
	started  bool
	stopping bool
	handles  []workerHandle
	group    errgroup.Group
	running  atomic.Int32
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

// NewPool creates a new Pool. The workers are created and subscribed to their
// topics, but don't poll until Start is called.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: invalid pool config: %w", err)
	}
	assignments, err := Assign(cfg.Topics, cfg.Workers)
	if err != nil {
		return nil, err
	}
	metrics, err := newWorkerMetrics(cfg.meterProvider())
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating metrics: %w", err)
	}
	logger := cfg.Logger.Named(cfg.Name)
	logger.Info("creating consumer pool",
		zap.Int("workers", cfg.Workers),
		zap.Int("topics", len(cfg.Topics)),
		zap.Int("bulk_edge", cfg.BulkEdge),
		zap.Stringer("commit_mode", cfg.CommitMode),
	)
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, assignment := range assignments {
		if len(assignment.Topics) == 0 {
			logger.Warn("no topics assigned to worker, not starting it",
				zap.Int("worker", assignment.Worker),
			)
			continue
		}
		w, err := p.newWorker(assignment, metrics)
		if err != nil {
			for _, w := range p.workers {
				w.close()
			}
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

func (p *Pool) newWorker(a Assignment, metrics *workerMetrics) (*worker, error) {
	logger := p.logger.With(
		zap.Int("worker", a.Worker),
		zap.Strings("topics", a.Topics),
	)
	w := &worker{
		id:             a.Worker,
		topics:         a.Topics,
		decoder:        p.cfg.Decoder,
		alerter:        p.cfg.Alerter,
		logger:         logger,
		metrics:        metrics,
		maxPollRecords: p.cfg.MaxPollRecords,
		bulkEdge:       p.cfg.BulkEdge,
		commitMode:     p.cfg.CommitMode,
	}
	w.setState(stateInit)
	var err error
	if w.sink, err = p.cfg.NewSink(a.Worker); err != nil {
		return nil, fmt.Errorf("kafka: failed creating sink for worker %d: %w", a.Worker, err)
	}
	if w.batchSink, err = p.cfg.NewBatchSink(a.Worker); err != nil {
		return nil, fmt.Errorf("kafka: failed creating batch sink for worker %d: %w", a.Worker, err)
	}
	opts := []kgo.Opt{
		kgo.ConsumerGroup(p.cfg.GroupID),
		kgo.ConsumeTopics(a.Topics...),
		kgo.DisableAutoCommit(),
		// Block rebalances while the polled records are processed, so that
		// a partition is never processed by two workers at the same time.
		// The worker calls AllowRebalance after every batch.
		kgo.BlockRebalanceOnPoll(),
	}
	opts = append(opts, rebalanceObserver{logger: logger}.opts()...)
	if p.cfg.MaxPartitionFetchBytes > 0 {
		opts = append(opts, kgo.FetchMaxPartitionBytes(p.cfg.MaxPartitionFetchBytes))
	}
	client, err := p.cfg.newClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating client for worker %d: %w", a.Worker, err)
	}
	w.client = client
	w.setState(stateSubscribed)
	return w, nil
}

// Start launches every worker in its own goroutine and returns. The workers
// stop when ctx is cancelled or Shutdown is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	p.started = true
	p.group.SetLimit(len(p.workers))
	p.handles = make([]workerHandle, len(p.workers))
	for i, w := range p.workers {
		w := w
		wctx, cancel := context.WithCancel(ctx)
		h := workerHandle{cancel: cancel, done: make(chan struct{})}
		p.handles[i] = h
		p.running.Add(1)
		p.group.Go(func() error {
			defer close(h.done)
			defer p.running.Add(-1)
			defer cancel()
			if err := w.run(wctx); err != nil {
				p.logger.Error("worker stopped with error",
					zap.Error(err),
					zap.Int("worker", w.id),
				)
				return err
			}
			return nil
		})
	}
	p.logger.Info("consumer pool started", zap.Int("workers", len(p.workers)))
	go func() {
		err := p.group.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		p.closeDone()
	}()
	return nil
}

// Shutdown signals every worker to stop, and waits for them to close their
// clients for up to the configured ShutdownTimeout, or until ctx is done.
// Hitting the timeout is logged but not returned as an error.
//
// Shutdown is idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	first := !p.stopping
	p.stopping = true
	started := p.started
	handles := p.handles
	p.mu.Unlock()

	if !started {
		if first {
			for _, w := range p.workers {
				w.close()
			}
			p.closeDone()
		}
		return nil
	}
	for _, h := range handles {
		h.cancel()
	}
	if first {
		p.logger.Info("shutting down consumer pool")
	}
	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		if first {
			p.logger.Info("all workers are shut down")
		}
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	var pending []int
	for i, h := range handles {
		select {
		case <-h.done:
		default:
			pending = append(pending, p.workers[i].id)
		}
	}
	p.logger.Warn("timed out waiting for workers to shut down",
		zap.Duration("timeout", p.cfg.ShutdownTimeout),
		zap.Ints("pending_workers", pending),
	)
	return nil
}

// Running returns true while at least one worker is running.
func (p *Pool) Running() bool {
	return p.running.Load() > 0
}

// Done returns a channel which is closed once every worker has stopped.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Err returns the first error returned by a worker, once Done is closed.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Healthy returns an error if any of the running workers fails to reach a
// broker.
func (p *Pool) Healthy(ctx context.Context) error {
	var errs []error
	for _, w := range p.workers {
		if w.State() == stateClosed {
			continue
		}
		if err := w.client.Ping(ctx); err != nil {
			if errors.Is(err, kgo.ErrClientClosed) {
				// Stopped after the state check.
				continue
			}
			errs = append(errs, fmt.Errorf("worker %d: %w", w.id, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return nil
}

func (p *Pool) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}
