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

// Package encoding provides decoders for record values.
package encoding

import ingestpool "github.com/elastic/ingest-pool"

// Decoder decodes a []byte into an ingestpool.Document.
type Decoder interface {
	// Decode decodes an encoded record value into its Document form.
	Decode([]byte, *ingestpool.Document) error
}

// DecoderFunc is a function type that implements the Decoder interface.
type DecoderFunc func([]byte, *ingestpool.Document) error

// Decode calls f(in, out).
func (f DecoderFunc) Decode(in []byte, out *ingestpool.Document) error {
	return f(in, out)
}
