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

// Package json provides a JSON decoder for record values.
package json

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	ingestpool "github.com/elastic/ingest-pool"
)

// JSON wraps the standard json library.
type JSON struct {
	// UseNumber decodes numbers as json.Number instead of float64, keeping
	// the precision of large integers.
	UseNumber bool
}

// Decode decodes a JSON object into out. Values which are not a JSON object
// return an error.
func (d JSON) Decode(in []byte, out *ingestpool.Document) error {
	if len(bytes.TrimSpace(in)) == 0 {
		return errors.New("json: empty record value")
	}
	dec := json.NewDecoder(bytes.NewReader(in))
	if d.UseNumber {
		dec.UseNumber()
	}
	var doc ingestpool.Document
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("json: cannot decode record value: %w", err)
	}
	if doc == nil {
		return errors.New("json: record value is not an object")
	}
	*out = doc
	return nil
}
