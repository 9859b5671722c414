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
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssign(t *testing.T) {
	testCases := map[string]struct {
		topics  []string
		workers int
		want    []Assignment
	}{
		"five topics two workers": {
			topics:  []string{"a", "b", "c", "d", "e"},
			workers: 2,
			want: []Assignment{
				{Worker: 0, Topics: []string{"a", "c", "e"}},
				{Worker: 1, Topics: []string{"b", "d"}},
			},
		},
		"single worker": {
			topics:  []string{"a", "b"},
			workers: 1,
			want:    []Assignment{{Worker: 0, Topics: []string{"a", "b"}}},
		},
		"more workers than topics": {
			topics:  []string{"a"},
			workers: 3,
			want: []Assignment{
				{Worker: 0, Topics: []string{"a"}},
				{Worker: 1, Topics: []string{}},
				{Worker: 2, Topics: []string{}},
			},
		},
		"no topics": {
			workers: 2,
			want: []Assignment{
				{Worker: 0, Topics: []string{}},
				{Worker: 1, Topics: []string{}},
			},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, err := Assign(tc.topics, tc.workers)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("assignments mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAssignInvalidWorkers(t *testing.T) {
	for _, workers := range []int{0, -1} {
		got, err := Assign([]string{"a"}, workers)
		assert.Error(t, err)
		assert.Nil(t, got)
	}
}

func TestAssignCoverage(t *testing.T) {
	for topicCount := 0; topicCount <= 23; topicCount++ {
		topics := make([]string, topicCount)
		for i := range topics {
			topics[i] = fmt.Sprintf("topic-%02d", i)
		}
		for workers := 1; workers <= 9; workers++ {
			assignments, err := Assign(topics, workers)
			require.NoError(t, err)
			require.Len(t, assignments, workers)

			seen := make(map[string]int)
			var union []string
			for i, a := range assignments {
				assert.Equal(t, i, a.Worker)
				lo, hi := topicCount/workers, (topicCount+workers-1)/workers
				assert.GreaterOrEqual(t, len(a.Topics), lo)
				assert.LessOrEqual(t, len(a.Topics), hi)
				// Every subset keeps the relative input order.
				assert.True(t, slices.IsSorted(a.Topics), "worker %d: %v", i, a.Topics)
				for _, topic := range a.Topics {
					seen[topic]++
				}
				union = append(union, a.Topics...)
			}
			for _, topic := range topics {
				assert.Equal(t, 1, seen[topic], "topic %s, %d workers", topic, workers)
			}
			slices.Sort(union)
			assert.Equal(t, len(topics), len(union))
			if topicCount > 0 {
				assert.Equal(t, topics, union)
			}
		}
	}
}
