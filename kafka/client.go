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

	"github.com/twmb/franz-go/pkg/kgo"
)

// consumerClient is the subset of *kgo.Client used by a worker.
type consumerClient interface {
	// PollRecords blocks until records are available or ctx is done.
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	// CommitRecords synchronously commits the offsets of the given records.
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	// AllowRebalance allows a rebalance blocked by the last poll to proceed.
	AllowRebalance()
	// Ping checks that at least one broker is reachable.
	Ping(ctx context.Context) error
	// Close leaves the group and releases the client resources.
	Close()
}

var _ consumerClient = (*kgo.Client)(nil)
