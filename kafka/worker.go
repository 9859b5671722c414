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

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	ingestpool "github.com/elastic/ingest-pool"
	"github.com/elastic/ingest-pool/encoding"
)

type workerState int32

const (
	stateInit workerState = iota
	stateSubscribed
	statePolling
	stateRoutingSingle
	stateRoutingBulk
	stateCommitting
	stateDraining
	stateError
	stateClosed
)

func (s workerState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateSubscribed:
		return "subscribed"
	case statePolling:
		return "polling"
	case stateRoutingSingle:
		return "routing_single"
	case stateRoutingBulk:
		return "routing_bulk"
	case stateCommitting:
		return "committing"
	case stateDraining:
		return "draining"
	case stateError:
		return "error"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ProcessingError is returned by a worker which stopped because a record could
// not be decoded, or the sink rejected a record or a batch.
type ProcessingError struct {
	Worker    int
	Mode      ingestpool.ProcessingMode
	Topic     string
	Partition int32
	Offset    int64
	// Records is the number of records that were being processed.
	Records int
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf(
		"kafka: worker %d failed processing %d record(s) in %s mode at %s/%d offset %d: %s",
		e.Worker, e.Records, e.Mode, e.Topic, e.Partition, e.Offset, e.Err,
	)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// worker owns a client subscribed to a fixed set of topics and runs the poll,
// route, commit loop until its context is cancelled or a record fails to be
// processed.
type worker struct {
	id             int
	topics         []string
	client         consumerClient
	sink           ingestpool.Sink
	batchSink      ingestpool.BatchSink
	decoder        encoding.Decoder
	alerter        ingestpool.Alerter
	logger         *zap.Logger
	metrics        *workerMetrics
	maxPollRecords int
	bulkEdge       int
	commitMode     ingestpool.CommitMode

	state     atomic.Int32
	closeOnce sync.Once
}

func (w *worker) State() workerState {
	return workerState(w.state.Load())
}

func (w *worker) setState(s workerState) {
	w.state.Store(int32(s))
}

// run blocks until ctx is cancelled or processing fails. Cancellation is not
// an error. The client is always closed when run returns.
func (w *worker) run(ctx context.Context) error {
	defer w.close()
	w.logger.Info("worker started")
	for {
		if ctx.Err() != nil {
			w.setState(stateDraining)
			return nil
		}
		w.setState(statePolling)
		fetches := w.client.PollRecords(ctx, w.maxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil ||
			errors.Is(fetches.Err0(), context.Canceled) {
			// Woken up to shut down. Any polled records are left
			// uncommitted and will be re-delivered.
			w.setState(stateDraining)
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			w.logger.Error("consumer fetches returned error",
				zap.Error(err),
				zap.String("topic", topic),
				zap.Int32("partition", partition),
			)
		})
		err := w.process(ctx, fetches.Records())
		w.client.AllowRebalance()
		if err != nil {
			w.setState(stateError)
			w.escalate(ctx, err)
			return err
		}
	}
}

// process routes the fetched records to the sink with the processing mode
// selected for the batch size.
func (w *worker) process(ctx context.Context, records []*kgo.Record) error {
	if len(records) == 0 {
		return nil
	}
	mode := ingestpool.SelectMode(len(records), w.bulkEdge)
	w.metrics.batch(ctx, w.id, mode)
	w.logger.Debug("processing fetched records",
		zap.Int("records", len(records)),
		zap.Stringer("mode", mode),
	)
	switch mode {
	case ingestpool.ModeSingle:
		w.setState(stateRoutingSingle)
		return w.processSingle(ctx, records)
	default:
		w.setState(stateRoutingBulk)
		return w.processBulk(ctx, records)
	}
}

func (w *worker) processSingle(ctx context.Context, records []*kgo.Record) error {
	// Sink calls and commits are not interrupted by shutdown, cancellation
	// is only observed between records.
	sinkCtx := context.WithoutCancel(ctx)
	var accepted []*kgo.Record
	defer func() {
		if len(accepted) > 0 {
			w.setState(stateCommitting)
			w.commit(sinkCtx, accepted...)
		}
	}()
	for _, msg := range records {
		if ctx.Err() != nil {
			w.setState(stateDraining)
			return nil
		}
		record, err := w.decode(msg)
		if err == nil {
			w.logger.Debug("accepting record",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			err = w.sink.Accept(sinkCtx, record)
		}
		if err != nil {
			w.metrics.failed(sinkCtx, w.id, ingestpool.ModeSingle, 1)
			return w.processingError(ingestpool.ModeSingle, msg, 1, err)
		}
		w.metrics.accepted(sinkCtx, w.id, ingestpool.ModeSingle, 1)
		switch w.commitMode {
		case ingestpool.CommitPerBatch:
			accepted = append(accepted, msg)
		default:
			w.setState(stateCommitting)
			w.commit(sinkCtx, msg)
			w.setState(stateRoutingSingle)
		}
	}
	return nil
}

func (w *worker) processBulk(ctx context.Context, records []*kgo.Record) error {
	sinkCtx := context.WithoutCancel(ctx)
	batch := make([]ingestpool.Record, 0, len(records))
	for _, msg := range records {
		record, err := w.decode(msg)
		if err != nil {
			w.metrics.failed(sinkCtx, w.id, ingestpool.ModeBulk, len(records))
			return w.processingError(ingestpool.ModeBulk, msg, len(records), err)
		}
		batch = append(batch, record)
	}
	w.batchSink.BeginBatch(sinkCtx)
	err := w.batchSink.AcceptMany(sinkCtx, batch)
	if err == nil {
		err = w.batchSink.CommitBatch(sinkCtx)
	}
	if err != nil {
		w.metrics.failed(sinkCtx, w.id, ingestpool.ModeBulk, len(records))
		return w.processingError(ingestpool.ModeBulk, records[0], len(records), err)
	}
	w.metrics.accepted(sinkCtx, w.id, ingestpool.ModeBulk, len(records))
	w.setState(stateCommitting)
	w.commit(sinkCtx, records...)
	return nil
}

func (w *worker) decode(msg *kgo.Record) (ingestpool.Record, error) {
	record := ingestpool.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
	}
	if len(msg.Headers) > 0 {
		record.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			record.Headers[h.Key] = string(h.Value)
		}
	}
	if err := w.decoder.Decode(msg.Value, &record.Document); err != nil {
		return record, err
	}
	return record, nil
}

func (w *worker) processingError(mode ingestpool.ProcessingMode, msg *kgo.Record, n int, err error) error {
	return &ProcessingError{
		Worker:    w.id,
		Mode:      mode,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Records:   n,
		Err:       err,
	}
}

// commit synchronously commits the offsets of the given records. Failures are
// logged and otherwise ignored: the records will be re-delivered if no later
// commit for the same partition succeeds.
func (w *worker) commit(ctx context.Context, records ...*kgo.Record) {
	err := w.client.CommitRecords(ctx, records...)
	if err == nil {
		return
	}
	last := records[len(records)-1]
	conflict := isCommitConflict(err)
	w.metrics.commitFailed(ctx, w.id, last.Topic, conflict)
	w.logger.Error("unable to commit records",
		zap.Error(err),
		zap.Bool("conflict", conflict),
		zap.String("topic", last.Topic),
		zap.Int32("partition", last.Partition),
		zap.Int64("offset", last.Offset),
		zap.Int("records", len(records)),
	)
}

// isCommitConflict returns true for commit errors caused by a group
// membership change.
func isCommitConflict(err error) bool {
	return errors.Is(err, kerr.RebalanceInProgress) ||
		errors.Is(err, kerr.IllegalGeneration) ||
		errors.Is(err, kerr.UnknownMemberID) ||
		errors.Is(err, kerr.FencedInstanceID)
}

// escalate sends a single alert for the error which stops the worker.
func (w *worker) escalate(ctx context.Context, err error) {
	ctx = context.WithoutCancel(ctx)
	w.alerter.Notify(ctx, fmt.Sprintf("ingest worker %d %v: %s", w.id, w.topics, err))
	w.metrics.alertSent(ctx, w.id)
	w.logger.Error("stopping worker: unable to process records", zap.Error(err))
}

// close releases the client. It is safe to call more than once.
func (w *worker) close() {
	w.closeOnce.Do(func() {
		w.client.AllowRebalance()
		w.client.Close()
		w.setState(stateClosed)
		w.logger.Info("worker closed")
	})
}
