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

// Package alert provides the ingestpool.Alerter implementations notified when
// a worker stops on a processing error.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	ingestpool "github.com/elastic/ingest-pool"
)

var (
	_ ingestpool.Alerter = (*Webhook)(nil)
	_ ingestpool.Alerter = (*Log)(nil)
)

const defaultTimeout = 10 * time.Second

// Log writes alerts to a zap logger at error level.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log alerter.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

// Notify logs message.
func (l *Log) Notify(_ context.Context, message string) {
	l.logger.Error("alert", zap.String("message", message))
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	// URL receiving the alerts.
	URL string
	// Timeout for a single delivery. Defaults to 10s.
	Timeout time.Duration
	// Transport defaults to an otelhttp instrumented http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Webhook posts alerts as chat robot text messages:
//
//	{"msgtype": "text", "text": {"content": "<message>"}}
//
// Delivery failures are logged, alerts are never retried.
type Webhook struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhook returns a Webhook alerter.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("alert: webhook URL must be set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Webhook{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		logger: cfg.Logger,
	}, nil
}

type textMessage struct {
	MsgType string      `json:"msgtype"`
	Text    textContent `json:"text"`
}

type textContent struct {
	Content string `json:"content"`
}

// Notify posts message to the webhook.
func (w *Webhook) Notify(ctx context.Context, message string) {
	if err := w.send(ctx, message); err != nil {
		w.logger.Error("failed to send alert",
			zap.Error(err),
			zap.String("message", message),
		)
		return
	}
	w.logger.Info("alert sent", zap.String("message", message))
}

func (w *Webhook) send(ctx context.Context, message string) error {
	body, err := json.Marshal(textMessage{
		MsgType: "text",
		Text:    textContent{Content: message},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("unexpected status %s: %s", res.Status, bytes.TrimSpace(b))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
