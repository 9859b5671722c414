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
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AdminConfig holds configuration for the Admin client.
type AdminConfig struct {
	CommonConfig
	// GroupID of the consumer group whose lag is monitored.
	GroupID string
	// Topics consumed by the group.
	Topics []string
	// PartitionCount for topics created by EnsureTopics. -1 uses the broker
	// default.
	PartitionCount int
	// TopicConfigs assigned to newly created topics, such as `retention.ms`.
	TopicConfigs map[string]string
}

func (cfg *AdminConfig) finalize() error {
	var errs []error
	if err := cfg.CommonConfig.finalize(); err != nil {
		errs = append(errs, err)
	}
	if cfg.GroupID == "" {
		errs = append(errs, errors.New("kafka: consumer GroupID must be set"))
	}
	if len(cfg.Topics) == 0 {
		errs = append(errs, errors.New("kafka: at least one topic must be set"))
	}
	if cfg.PartitionCount == 0 {
		cfg.PartitionCount = -1
	}
	return errors.Join(errs...)
}

// Admin runs the administrative requests for the pool's topics and consumer
// group. It uses its own client, outside the consumer group.
type Admin struct {
	cfg    AdminConfig
	client *kgo.Client
	admin  *kadm.Client
	tracer trace.Tracer
}

// NewAdmin returns a new Admin with the given config.
func NewAdmin(cfg AdminConfig) (*Admin, error) {
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: invalid admin config: %w", err)
	}
	client, err := cfg.newClient()
	if err != nil {
		return nil, err
	}
	return &Admin{
		cfg:    cfg,
		client: client,
		admin:  kadm.NewClient(client),
		tracer: cfg.tracerProvider().Tracer(instrumentName),
	}, nil
}

// Close closes the admin client.
func (a *Admin) Close() {
	a.client.Close()
}

// Healthy returns an error if the client fails to reach a broker.
func (a *Admin) Healthy(ctx context.Context) error {
	if err := a.client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping kafka brokers: %w", err)
	}
	return nil
}

// EnsureTopics creates the configured topics. Topics that already exist are
// left unmodified.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "EnsureTopics", trace.WithAttributes(
		semconv.MessagingSystemKey.String("kafka"),
	))
	defer span.End()

	var configs map[string]*string
	if len(a.cfg.TopicConfigs) > 0 {
		configs = make(map[string]*string, len(a.cfg.TopicConfigs))
		for k, v := range a.cfg.TopicConfigs {
			configs[k] = kadm.StringPtr(v)
		}
	}
	responses, err := a.admin.CreateTopics(ctx,
		int32(a.cfg.PartitionCount),
		-1, // default.replication.factor
		configs,
		a.cfg.Topics...,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create kafka topics: %w", err)
	}
	var errs []error
	for _, response := range responses.Sorted() {
		logger := a.cfg.Logger.With(zap.String("topic", response.Topic))
		if err := response.Err; err != nil {
			if errors.Is(err, kerr.TopicAlreadyExists) {
				logger.Debug("kafka topic already exists")
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			errs = append(errs, fmt.Errorf("failed to create topic %q: %w", response.Topic, err))
			continue
		}
		logger.Info("created kafka topic",
			zap.Int("partition_count", a.cfg.PartitionCount),
			zap.Any("topic_configs", a.cfg.TopicConfigs),
		)
	}
	return errors.Join(errs...)
}

// Lag returns the consumer group lag of every partition of the consumed
// topics, keyed by topic and partition.
func (a *Admin) Lag(ctx context.Context) (map[string]map[int32]int64, error) {
	groups, err := a.admin.DescribeGroups(ctx, a.cfg.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to describe group: %w", err)
	}
	group, ok := groups[a.cfg.GroupID]
	if !ok {
		return nil, fmt.Errorf("group %q not found", a.cfg.GroupID)
	}
	if group.Err != nil && !errors.Is(group.Err, kerr.GroupIDNotFound) {
		return nil, fmt.Errorf("failed to describe group: %w", group.Err)
	}
	commits, err := a.admin.FetchOffsets(ctx, a.cfg.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch committed offsets: %w", err)
	}
	endOffsets, err := a.admin.ListEndOffsets(ctx, a.cfg.Topics...)
	if err != nil {
		return nil, fmt.Errorf("failed to list end offsets: %w", err)
	}
	lag := make(map[string]map[int32]int64)
	for topic, partitions := range kadm.CalculateGroupLag(group, commits, endOffsets) {
		for partition, l := range partitions {
			if l.Err != nil {
				a.cfg.Logger.Warn("error getting consumer group lag",
					zap.String("group", a.cfg.GroupID),
					zap.String("topic", topic),
					zap.Int32("partition", partition),
					zap.Error(l.Err),
				)
				continue
			}
			if lag[topic] == nil {
				lag[topic] = make(map[int32]int64)
			}
			lag[topic][partition] = l.Lag
		}
	}
	return lag, nil
}

// MonitorConsumerLag registers a consumer_group_lag gauge, observed through
// Lag on every collection.
func (a *Admin) MonitorConsumerLag() (metric.Registration, error) {
	meter := a.cfg.meterProvider().Meter(instrumentName)
	gauge, err := meter.Int64ObservableGauge("consumer_group_lag",
		metric.WithDescription("The number of records the consumer group is behind the partition end"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create consumer_group_lag metric: %w", err)
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		ctx, span := a.tracer.Start(ctx, "GatherConsumerLag")
		defer span.End()
		lag, err := a.Lag(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		for topic, partitions := range lag {
			for partition, l := range partitions {
				o.ObserveInt64(gauge, l, metric.WithAttributes(
					attribute.String("group", a.cfg.GroupID),
					semconv.MessagingSourceName(topic),
					attribute.Int("partition", int(partition)),
				))
			}
		}
		return nil
	}, gauge)
}
