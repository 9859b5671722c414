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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

type keyPair struct {
	caPath   string
	certPath string
	keyPath  string
}

// newCertReloadingDialer returns a dialer which checks, at most once every
// interval, whether any of the certificate files changed, and reloads them
// before dialing.
func newCertReloadingDialer(kp keyPair, interval time.Duration,
	base *tls.Config, logger *zap.Logger,
) (func(ctx context.Context, network, host string) (net.Conn, error), error) {
	r := &certReloader{keyPair: kp, interval: interval, base: base, logger: logger}
	if _, err := r.config(time.Now()); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, network, host string) (net.Conn, error) {
		cfg, err := r.config(time.Now())
		if err != nil {
			return nil, err
		}
		if cfg.ServerName == "" {
			server, _, err := net.SplitHostPort(host)
			if err != nil {
				return nil, fmt.Errorf("unable to split host:port for dialing: %w", err)
			}
			cfg.ServerName = server
		}
		return (&tls.Dialer{NetDialer: dialer, Config: cfg}).DialContext(ctx, network, host)
	}, nil
}

type certReloader struct {
	keyPair
	interval time.Duration
	base     *tls.Config
	logger   *zap.Logger

	mu        sync.Mutex
	current   *tls.Config
	checkedAt time.Time
	modTime   time.Time
}

func (r *certReloader) config(now time.Time) (*tls.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && now.Sub(r.checkedAt) < r.interval {
		return r.current.Clone(), nil
	}
	r.checkedAt = now
	modTime, err := r.latestModTime()
	if err != nil {
		return nil, err
	}
	if r.current != nil && !modTime.After(r.modTime) {
		return r.current.Clone(), nil
	}
	cfg, err := r.load()
	if err != nil {
		if r.current != nil {
			r.logger.Warn("failed to reload kafka TLS certificates", zap.Error(err))
			return r.current.Clone(), nil
		}
		return nil, err
	}
	if r.current != nil {
		r.logger.Info("reloaded kafka TLS certificates")
	}
	r.current, r.modTime = cfg, modTime
	return cfg.Clone(), nil
}

func (r *certReloader) latestModTime() (time.Time, error) {
	var latest time.Time
	for _, path := range []string{r.caPath, r.certPath, r.keyPath} {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return latest, fmt.Errorf("failed to stat %q: %w", path, err)
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

func (r *certReloader) load() (*tls.Config, error) {
	cfg := &tls.Config{}
	if r.base != nil {
		cfg = r.base.Clone()
	}
	if r.caPath != "" {
		caCert, err := os.ReadFile(r.caPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append CA cert")
		}
		cfg.RootCAs = pool
	}
	if r.certPath != "" || r.keyPath != "" {
		if r.certPath == "" || r.keyPath == "" {
			return nil, errors.New("both KAFKA_TLS_CERT_PATH and KAFKA_TLS_KEY_PATH must be set")
		}
		cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
