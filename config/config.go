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

// Package config loads the ingest process configuration from a YAML file,
// with overrides from INGEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	ingestpool "github.com/elastic/ingest-pool"
)

// EnvPrefix is the prefix of the environment variables overriding the file.
// INGEST_KAFKA__BULK_EDGE=50 sets kafka.bulk.edge: a double underscore
// separates the section from the key, single underscores map to dots.
const EnvPrefix = "INGEST_"

// delim separates nesting levels. Keys themselves contain dots, such as
// bootstrap.servers, so the koanf default can't be used.
const delim = "::"

const (
	defaultThreadNum       = 1
	defaultMaxPollRecords  = 500
	defaultBulkEdge        = 100
	defaultLogger          = "kafka-input"
	defaultShutdownTimeout = 5 * time.Second
	defaultMetricsAddr     = ":9090"
	defaultLogLevel        = "info"
)

// Config is the ingest process configuration.
type Config struct {
	Kafka         Kafka         `koanf:"kafka"`
	Elasticsearch Elasticsearch `koanf:"elasticsearch"`
	Alert         Alert         `koanf:"alert"`
	Metrics       Metrics       `koanf:"metrics"`
	Logging       Logging       `koanf:"logging"`
}

// Kafka configures the consumer pool.
type Kafka struct {
	BootstrapServers []string      `koanf:"bootstrap.servers"`
	ThreadNum        int           `koanf:"threadnum"`
	GroupID          string        `koanf:"group.id"`
	Topics           []string      `koanf:"topics"`
	MaxFetchBytes    int32         `koanf:"max.fetch.byte"`
	MaxPollRecords   int           `koanf:"max.poll.records"`
	BulkEdge         int           `koanf:"bulk.edge"`
	Logger           string        `koanf:"logger"`
	CommitMode       string        `koanf:"commit.mode"`
	ClientID         string        `koanf:"client.id"`
	ConfigFile       string        `koanf:"config.file"`
	SASL             SASL          `koanf:"sasl"`
	ShutdownTimeout  time.Duration `koanf:"shutdown.timeout"`
	// TopicPartitions, when non-zero, creates the missing topics at startup
	// with that many partitions. -1 uses the broker default.
	TopicPartitions int               `koanf:"topic.partitions"`
	TopicConfigs    map[string]string `koanf:"topic.configs"`
}

// SASL holds the SASL/PLAIN credentials.
type SASL struct {
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// Elasticsearch configures the sink.
type Elasticsearch struct {
	Addresses []string `koanf:"addresses"`
	Index     string   `koanf:"index"`
	IDField   string   `koanf:"id.field"`
	Username  string   `koanf:"username"`
	Password  string   `koanf:"password"`
	APIKey    string   `koanf:"api.key"`
}

// Alert configures where processing failures are reported. Alerts are only
// logged when WebhookURL is empty.
type Alert struct {
	WebhookURL string        `koanf:"webhook.url"`
	Timeout    time.Duration `koanf:"timeout"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr string `koanf:"addr"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `koanf:"level"`
}

// Load reads the YAML file at path, applies the environment overrides and
// the defaults, and validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(delim)
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: failed loading %q: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, delim, envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: failed loading environment: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed decoding: %w", err)
	}
	cfg.applyDefaults()
	// An explicit 0 sends every batch through the bulk sink.
	if !k.Exists("kafka" + delim + "bulk.edge") {
		cfg.Kafka.BulkEdge = defaultBulkEdge
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps INGEST_KAFKA__GROUP_ID to kafka::group.id.
func envKey(s string) string {
	parts := strings.Split(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "_", ".")
	}
	return strings.Join(parts, delim)
}

func (c *Config) applyDefaults() {
	if c.Kafka.ThreadNum == 0 {
		c.Kafka.ThreadNum = defaultThreadNum
	}
	if c.Kafka.MaxPollRecords == 0 {
		c.Kafka.MaxPollRecords = defaultMaxPollRecords
	}
	if c.Kafka.Logger == "" {
		c.Kafka.Logger = defaultLogger
	}
	if c.Kafka.ShutdownTimeout == 0 {
		c.Kafka.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaultMetricsAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// Validate returns every invalid setting joined in a single error.
func (c Config) Validate() error {
	var errs []error
	if c.Kafka.ThreadNum < 1 {
		errs = append(errs, errors.New("config: kafka.threadnum must be at least 1"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("config: kafka.group.id must be set"))
	}
	if len(c.Kafka.Topics) == 0 {
		errs = append(errs, errors.New("config: kafka.topics must not be empty"))
	}
	if c.Kafka.BulkEdge < 0 {
		errs = append(errs, errors.New("config: kafka.bulk.edge cannot be negative"))
	}
	if c.Kafka.MaxFetchBytes < 0 {
		errs = append(errs, errors.New("config: kafka.max.fetch.byte cannot be negative"))
	}
	if _, err := ingestpool.ParseCommitMode(c.Kafka.CommitMode); err != nil {
		errs = append(errs, fmt.Errorf("config: unknown kafka.commit.mode %q", c.Kafka.CommitMode))
	}
	if len(c.Elasticsearch.Addresses) == 0 {
		errs = append(errs, errors.New("config: elasticsearch.addresses must not be empty"))
	}
	if c.Elasticsearch.Index == "" {
		errs = append(errs, errors.New("config: elasticsearch.index must be set"))
	}
	return errors.Join(errs...)
}
