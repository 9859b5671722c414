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

package ingestpool

// ProcessingMode is the strategy used to route a fetched batch to a sink.
type ProcessingMode uint8

const (
	// ModeSingle routes every record individually through Sink.Accept.
	ModeSingle ProcessingMode = iota
	// ModeBulk routes the whole batch through the BatchSink protocol.
	ModeBulk
)

func (m ProcessingMode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeBulk:
		return "bulk"
	default:
		return ""
	}
}

// SelectMode returns ModeSingle when count is strictly lower than edge and
// ModeBulk otherwise.
func SelectMode(count, edge int) ProcessingMode {
	if count < edge {
		return ModeSingle
	}
	return ModeBulk
}
