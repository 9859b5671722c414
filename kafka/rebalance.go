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
	"sort"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// rebalanceObserver is attached to a worker's client when it subscribes to
// its topics. It only logs partition ownership changes.
//
// Revoked partitions are not committed before ownership moves to another
// member: records processed since the last successful commit may be
// processed again by the new owner.
type rebalanceObserver struct {
	logger *zap.Logger
}

func (o rebalanceObserver) opts() []kgo.Opt {
	return []kgo.Opt{
		kgo.OnPartitionsAssigned(o.assigned),
		kgo.OnPartitionsRevoked(o.revoked),
		kgo.OnPartitionsLost(o.lost),
	}
}

func (o rebalanceObserver) assigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	eachPartition(assigned, func(topic string, partition int32) {
		o.logger.Info("rebalance: partition assigned",
			zap.String("topic", topic),
			zap.Int32("partition", partition),
		)
	})
}

func (o rebalanceObserver) revoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	eachPartition(revoked, func(topic string, partition int32) {
		o.logger.Debug("rebalance: partition revoked",
			zap.String("topic", topic),
			zap.Int32("partition", partition),
		)
	})
}

func (o rebalanceObserver) lost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	eachPartition(lost, func(topic string, partition int32) {
		o.logger.Warn("rebalance: partition lost",
			zap.String("topic", topic),
			zap.Int32("partition", partition),
		)
	})
}

// eachPartition calls fn for every topic partition in a stable order.
func eachPartition(m map[string][]int32, fn func(string, int32)) {
	topics := make([]string, 0, len(m))
	for topic := range m {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		partitions := append([]int32(nil), m[topic]...)
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		for _, partition := range partitions {
			fn(topic, partition)
		}
	}
}
