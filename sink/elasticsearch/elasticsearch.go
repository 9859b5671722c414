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

// Package elasticsearch provides the sinks writing ingested records to
// Elasticsearch: Sink indexes one document per request, BulkSink buffers a
// batch and sends it with the bulk API.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	ingestpool "github.com/elastic/ingest-pool"
)

var (
	_ ingestpool.Sink      = (*Sink)(nil)
	_ ingestpool.BatchSink = (*BulkSink)(nil)
)

// Config holds the Elasticsearch connection and indexing settings.
type Config struct {
	// Addresses of the Elasticsearch nodes.
	Addresses []string
	// Index receiving the documents. The "{topic}" placeholder is replaced
	// with the record topic.
	Index string
	// IDField names the document field used as the document id. When empty,
	// or missing from a document, the id is derived from the record topic,
	// partition and offset so that re-delivered records overwrite the
	// documents they already produced.
	IDField  string
	Username string
	Password string
	APIKey   string
	// Transport used by the client. Defaults to an otelhttp instrumented
	// http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

func (cfg *Config) finalize() error {
	var errs []error
	if len(cfg.Addresses) == 0 {
		errs = append(errs, errors.New("elasticsearch: at least one address must be set"))
	}
	if cfg.Index == "" {
		errs = append(errs, errors.New("elasticsearch: index must be set"))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transport == nil {
		cfg.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return errors.Join(errs...)
}

// NewClient returns an Elasticsearch client for cfg.
func NewClient(cfg Config) (*elasticsearch.Client, error) {
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: failed creating client: %w", err)
	}
	return client, nil
}

type indexer struct {
	client  *elasticsearch.Client
	index   string
	idField string
	logger  *zap.Logger
}

func newIndexer(client *elasticsearch.Client, cfg Config) (indexer, error) {
	if err := cfg.finalize(); err != nil {
		return indexer{}, err
	}
	return indexer{
		client:  client,
		index:   cfg.Index,
		idField: cfg.IDField,
		logger:  cfg.Logger,
	}, nil
}

func (ix indexer) indexName(r ingestpool.Record) string {
	return strings.ReplaceAll(ix.index, "{topic}", r.Topic)
}

// documentID returns the value of the id field when present, or
// topic-partition-offset.
func (ix indexer) documentID(r ingestpool.Record) string {
	if ix.idField != "" {
		switch v := r.Document[ix.idField].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return r.Topic + "-" + strconv.Itoa(int(r.Partition)) + "-" + strconv.FormatInt(r.Offset, 10)
}

// Sink indexes every record with its own index request.
type Sink struct {
	indexer
}

// NewSink returns a Sink writing with client.
func NewSink(client *elasticsearch.Client, cfg Config) (*Sink, error) {
	ix, err := newIndexer(client, cfg)
	if err != nil {
		return nil, err
	}
	return &Sink{indexer: ix}, nil
}

// Accept indexes the record document, returning an error when Elasticsearch
// rejects it.
func (s *Sink) Accept(ctx context.Context, r ingestpool.Record) error {
	body, err := json.Marshal(r.Document)
	if err != nil {
		return fmt.Errorf("elasticsearch: cannot encode document: %w", err)
	}
	id := s.documentID(r)
	res, err := s.client.Index(s.indexName(r), bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch: index request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "index document "+id)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// BulkSink buffers the records of a batch and sends them in a single bulk
// request on CommitBatch. It is owned by a single worker and is not safe for
// concurrent use.
type BulkSink struct {
	indexer
	buf     bytes.Buffer
	pending int
}

// NewBulkSink returns a BulkSink writing with client.
func NewBulkSink(client *elasticsearch.Client, cfg Config) (*BulkSink, error) {
	ix, err := newIndexer(client, cfg)
	if err != nil {
		return nil, err
	}
	return &BulkSink{indexer: ix}, nil
}

// BeginBatch discards anything left from a previous batch.
func (s *BulkSink) BeginBatch(context.Context) {
	s.buf.Reset()
	s.pending = 0
}

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// AcceptMany appends an index action per record to the pending request.
func (s *BulkSink) AcceptMany(_ context.Context, rs []ingestpool.Record) error {
	enc := json.NewEncoder(&s.buf)
	for _, r := range rs {
		action := bulkAction{Index: bulkMeta{Index: s.indexName(r), ID: s.documentID(r)}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("elasticsearch: cannot encode bulk action: %w", err)
		}
		if err := enc.Encode(r.Document); err != nil {
			return fmt.Errorf("elasticsearch: cannot encode document %s: %w", action.Index.ID, err)
		}
		s.pending++
	}
	return nil
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// maxReportedFailures caps the item failures included in a CommitBatch error.
const maxReportedFailures = 3

// CommitBatch sends the pending documents. Any rejected document fails the
// whole batch.
func (s *BulkSink) CommitBatch(ctx context.Context) error {
	if s.pending == 0 {
		return nil
	}
	n := s.pending
	defer s.BeginBatch(ctx)
	res, err := s.client.Bulk(bytes.NewReader(s.buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch: bulk request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "bulk request")
	}
	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("elasticsearch: cannot decode bulk response: %w", err)
	}
	if !br.Errors {
		s.logger.Debug("bulk request succeeded", zap.Int("documents", n))
		return nil
	}
	var failed int
	var errs []error
	for _, item := range br.Items {
		for action, result := range item {
			if result.Error == nil {
				continue
			}
			failed++
			if len(errs) < maxReportedFailures {
				errs = append(errs, fmt.Errorf("%s %s: %d %s: %s",
					action, result.ID, result.Status, result.Error.Type, result.Error.Reason,
				))
			}
		}
	}
	if len(errs) == 0 {
		return fmt.Errorf("elasticsearch: bulk request reported errors for %d documents", n)
	}
	return fmt.Errorf("elasticsearch: bulk request rejected %d of %d documents: %w",
		failed, n, errors.Join(errs...),
	)
}

func responseError(res *esapi.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("elasticsearch: %s failed: %s: %s", op, res.Status(), bytes.TrimSpace(body))
}
