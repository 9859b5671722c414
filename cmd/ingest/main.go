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

// ingest consumes the configured Kafka topics with a fixed pool of workers,
// writing every record to Elasticsearch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/elastic/ingest-pool/config"
	"github.com/elastic/ingest-pool/kafka"
	"github.com/elastic/ingest-pool/sink/elasticsearch"
)

func main() {
	configPath := flag.String("config", "ingest.yml", "Path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("ingest: %s", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	mp, err := metering()
	if err != nil {
		return err
	}
	defer mp.Shutdown(context.Background())
	otel.SetMeterProvider(mp)

	common, err := commonConfig(cfg.Kafka, logger, mp)
	if err != nil {
		return err
	}
	if err := prepareKafka(ctx, cfg.Kafka, common); err != nil {
		return err
	}

	esCfg := elasticsearchConfig(cfg.Elasticsearch, logger)
	esClient, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return err
	}
	alerter, err := newAlerter(cfg.Alert, logger)
	if err != nil {
		return err
	}
	poolCfg, err := poolConfig(cfg.Kafka, common, esClient, esCfg, alerter)
	if err != nil {
		return err
	}
	pool, err := kafka.NewPool(poolCfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           handler(pool),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	defer srv.Close()

	if err := pool.Start(ctx); err != nil {
		return err
	}
	logger.Info("ingest started",
		zap.Strings("topics", cfg.Kafka.Topics),
		zap.Int("threadnum", cfg.Kafka.ThreadNum),
		zap.String("metrics_addr", cfg.Metrics.Addr),
	)
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-pool.Done():
		logger.Warn("all workers stopped")
	}
	// The signal context is done, shutdown is bounded by its own timeout.
	if err := pool.Shutdown(context.Background()); err != nil {
		return err
	}
	if !pool.Running() {
		logger.Info("all consumers are shut down")
	}
	if ctx.Err() == nil {
		return fmt.Errorf("every worker stopped: %w", pool.Err())
	}
	return nil
}

// prepareKafka creates the missing topics when requested, and registers the
// consumer lag gauge.
func prepareKafka(ctx context.Context, cfg config.Kafka, common kafka.CommonConfig) error {
	admin, err := kafka.NewAdmin(kafka.AdminConfig{
		CommonConfig:   common,
		GroupID:        cfg.GroupID,
		Topics:         cfg.Topics,
		PartitionCount: cfg.TopicPartitions,
		TopicConfigs:   cfg.TopicConfigs,
	})
	if err != nil {
		return err
	}
	if cfg.TopicPartitions != 0 {
		if err := admin.EnsureTopics(ctx); err != nil {
			admin.Close()
			return err
		}
	}
	// The admin client lives as long as the process, it is only used by the
	// lag gauge callback.
	if _, err := admin.MonitorConsumerLag(); err != nil {
		admin.Close()
		return err
	}
	return nil
}

func handler(pool *kafka.Pool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !pool.Running() {
			http.Error(w, "no running workers", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Healthy(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func logging(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("cannot create zap logger: %w", err)
	}
	return logger, nil
}
