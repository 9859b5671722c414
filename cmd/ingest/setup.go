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

package main

import (
	"fmt"
	"strings"

	es "github.com/elastic/go-elasticsearch/v8"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	ingestpool "github.com/elastic/ingest-pool"
	"github.com/elastic/ingest-pool/alert"
	"github.com/elastic/ingest-pool/config"
	"github.com/elastic/ingest-pool/kafka"
	"github.com/elastic/ingest-pool/sink/elasticsearch"
)

// metering returns a meter provider exported through the default Prometheus
// registry.
func metering() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("cannot create prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}

func commonConfig(cfg config.Kafka, logger *zap.Logger, mp metric.MeterProvider) (kafka.CommonConfig, error) {
	common := kafka.CommonConfig{
		Brokers:       cfg.BootstrapServers,
		ConfigFile:    cfg.ConfigFile,
		ClientID:      cfg.ClientID,
		Logger:        logger,
		MeterProvider: mp,
	}
	if len(cfg.BootstrapServers) > 0 {
		// Environment settings only apply when the brokers aren't configured.
		mech, err := kafka.NewSASL(strings.ToUpper(cfg.SASL.Mechanism), cfg.SASL.Username, cfg.SASL.Password)
		if err != nil {
			return kafka.CommonConfig{}, err
		}
		common.SASL = mech
	}
	return common, nil
}

func elasticsearchConfig(cfg config.Elasticsearch, logger *zap.Logger) elasticsearch.Config {
	return elasticsearch.Config{
		Addresses: cfg.Addresses,
		Index:     cfg.Index,
		IDField:   cfg.IDField,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Logger:    logger.Named("elasticsearch"),
	}
}

func newAlerter(cfg config.Alert, logger *zap.Logger) (ingestpool.Alerter, error) {
	logger = logger.Named("alert")
	if cfg.WebhookURL == "" {
		return alert.NewLog(logger), nil
	}
	return alert.NewWebhook(alert.WebhookConfig{
		URL:     cfg.WebhookURL,
		Timeout: cfg.Timeout,
		Logger:  logger,
	})
}

// poolConfig maps the kafka section to the pool configuration. Every worker
// gets its own sinks sharing client.
func poolConfig(cfg config.Kafka, common kafka.CommonConfig, client *es.Client,
	esCfg elasticsearch.Config, alerter ingestpool.Alerter,
) (kafka.PoolConfig, error) {
	commitMode, err := ingestpool.ParseCommitMode(cfg.CommitMode)
	if err != nil {
		return kafka.PoolConfig{}, err
	}
	return kafka.PoolConfig{
		CommonConfig:           common,
		Name:                   cfg.Logger,
		GroupID:                cfg.GroupID,
		Topics:                 cfg.Topics,
		Workers:                cfg.ThreadNum,
		MaxPollRecords:         cfg.MaxPollRecords,
		MaxPartitionFetchBytes: cfg.MaxFetchBytes,
		BulkEdge:               cfg.BulkEdge,
		CommitMode:             commitMode,
		ShutdownTimeout:        cfg.ShutdownTimeout,
		Alerter:                alerter,
		NewSink: func(worker int) (ingestpool.Sink, error) {
			return elasticsearch.NewSink(client, withWorker(esCfg, worker))
		},
		NewBatchSink: func(worker int) (ingestpool.BatchSink, error) {
			return elasticsearch.NewBulkSink(client, withWorker(esCfg, worker))
		},
	}, nil
}

func withWorker(cfg elasticsearch.Config, worker int) elasticsearch.Config {
	cfg.Logger = cfg.Logger.With(zap.Int("worker", worker))
	return cfg
}
