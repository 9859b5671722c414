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

// Package ingestpool provides the building blocks for consuming records from
// partitioned Kafka topics with a fixed pool of workers, and routing them to a
// Sink either one record at a time or in bulk.
package ingestpool

import (
	"context"
	"errors"
	"strings"
)

// Document is the decoded value of a record.
type Document map[string]any

// Record wraps a consumed record and its decoded Document.
type Record struct {
	// Topic the record was consumed from.
	Topic string
	// Partition the record was consumed from.
	Partition int32
	// Offset of the record in its partition.
	Offset int64
	// Key of the record, if any.
	Key []byte
	// Headers holds the record headers.
	Headers map[string]string
	// Document holds the decoded record value.
	Document Document
}

// Sink accepts records one at a time.
//
// Records may be redelivered after a crash or a failed commit, implementations
// must be safe to call more than once with the same record.
type Sink interface {
	// Accept stores or acts on a single record. A non-nil error is treated
	// as a fatal processing error by the caller.
	Accept(ctx context.Context, r Record) error
}

// SinkFunc is a function type that implements the Sink interface.
type SinkFunc func(context.Context, Record) error

// Accept calls f(ctx, r).
func (f SinkFunc) Accept(ctx context.Context, r Record) error {
	return f(ctx, r)
}

// BatchSink accepts records in batches. BeginBatch must be called exactly
// once before AcceptMany, and CommitBatch exactly once after all the records
// of the batch have been passed to AcceptMany.
type BatchSink interface {
	// BeginBatch discards any state left from a previous batch.
	BeginBatch(ctx context.Context)
	// AcceptMany accumulates records into the current batch.
	AcceptMany(ctx context.Context, rs []Record) error
	// CommitBatch flushes the accumulated batch.
	CommitBatch(ctx context.Context) error
}

// Alerter sends a free-text notification to an operator. Delivery is best
// effort, implementations must not block the caller for long and report
// failures themselves.
type Alerter interface {
	Notify(ctx context.Context, message string)
}

// AlerterFunc is a function type that implements the Alerter interface.
type AlerterFunc func(context.Context, string)

// Notify calls f(ctx, message).
func (f AlerterFunc) Notify(ctx context.Context, message string) {
	f(ctx, message)
}

// Pool is a fixed set of consumer workers.
type Pool interface {
	// Start launches the workers. It does not block.
	Start(ctx context.Context) error
	// Shutdown signals every worker to stop and waits for them, up to a
	// bounded timeout. It is safe to call more than once.
	Shutdown(ctx context.Context) error
	// Running returns true while at least one worker is running.
	Running() bool
}

// CommitMode defines how often offsets are committed while processing
// records individually.
type CommitMode uint8

const (
	// CommitPerRecord commits each record synchronously after the Sink
	// accepts it. This bounds redelivery to a single record.
	CommitPerRecord CommitMode = iota
	// CommitPerBatch commits once, after every record of the fetched batch
	// has been accepted.
	CommitPerBatch
)

func (m CommitMode) String() string {
	switch m {
	case CommitPerRecord:
		return "record"
	case CommitPerBatch:
		return "batch"
	default:
		return ""
	}
}

// ErrUnsupportedCommitMode is returned when the commit mode is unknown.
var ErrUnsupportedCommitMode = errors.New("invalid commit mode")

// ParseCommitMode returns the commit mode. An empty string defaults to
// CommitPerRecord.
func ParseCommitMode(s string) (CommitMode, error) {
	switch strings.ToLower(s) {
	case "", "record":
		return CommitPerRecord, nil
	case "batch":
		return CommitPerBatch, nil
	default:
		return 0, ErrUnsupportedCommitMode
	}
}
