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
	"errors"
	"slices"
)

// Assignment is the set of topics statically owned by one worker. It is
// created once when the pool is built and never modified.
type Assignment struct {
	Worker int
	Topics []string
}

// Assign splits topics across workers: the topic at index j is assigned to
// worker j % workers, preserving the relative order of the input. Each worker
// receives either floor(len(topics)/workers) or ceil(len(topics)/workers)
// topics.
//
// The split balances the number of topics, not their volume; a worker which
// owns busy topics will lag behind the others.
func Assign(topics []string, workers int) ([]Assignment, error) {
	if workers < 1 {
		return nil, errors.New("kafka: at least one worker is required")
	}
	assignments := make([]Assignment, workers)
	for i := range assignments {
		assignments[i] = Assignment{
			Worker: i,
			Topics: make([]string, 0, (len(topics)+workers-1)/workers),
		}
	}
	for j, topic := range topics {
		w := j % workers
		assignments[w].Topics = append(assignments[w].Topics, topic)
	}
	for i := range assignments {
		assignments[i].Topics = slices.Clip(assignments[i].Topics)
	}
	return assignments, nil
}
