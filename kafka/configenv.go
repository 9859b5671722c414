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
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"
)

type envConfig struct {
	configFile string
	brokers    []string
	tls        *tlsConfig
	sasl       SASLMechanism
}

type tlsConfig struct {
	Config  *tls.Config // Not embedded, since we want to copy later.
	KeyPair keyPair
	Dialer  func(ctx context.Context, network, address string) (net.Conn, error)
}

func (t *tlsConfig) isMutual() bool {
	return t != nil && t.KeyPair.certPath != "" && t.KeyPair.keyPath != ""
}

func hasCert() bool {
	return os.Getenv("KAFKA_TLS_CA_CERT_PATH") != "" ||
		os.Getenv("KAFKA_TLS_CERT_PATH") != "" ||
		os.Getenv("KAFKA_TLS_KEY_PATH") != ""
}

// wantsTLS returns true when any of the TLS environment variables are set.
// KAFKA_PLAINTEXT=true always disables TLS.
func wantsTLS() bool {
	if os.Getenv("KAFKA_PLAINTEXT") == "true" {
		return false
	}
	if os.Getenv("KAFKA_TLS") == "true" || os.Getenv("KAFKA_TLS_INSECURE") == "true" {
		return true
	}
	if _, ok := os.LookupEnv("KAFKA_TLS_SERVER_NAME"); ok {
		return true
	}
	return hasCert()
}

// loadEnvConfig reads the connection settings from the KAFKA_* environment
// variables.
func loadEnvConfig(logger *zap.Logger) (*envConfig, error) {
	cfg := &envConfig{
		configFile: os.Getenv("KAFKA_CONFIG_FILE"),
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.brokers = strings.Split(v, ",")
	}

	if wantsTLS() {
		tlsCfg, err := loadTLSConfig(logger)
		if err != nil {
			return cfg, err
		}
		cfg.tls = tlsCfg
	}

	// Only configure SASL when there is no intention to configure mTLS.
	if !cfg.tls.isMutual() {
		saslMech, err := loadSASLConfig()
		if err != nil {
			return cfg, err
		}
		cfg.sasl = saslMech
	}
	return cfg, nil
}

func loadTLSConfig(logger *zap.Logger) (*tlsConfig, error) {
	cfg := &tlsConfig{
		KeyPair: keyPair{
			caPath:   os.Getenv("KAFKA_TLS_CA_CERT_PATH"),
			certPath: os.Getenv("KAFKA_TLS_CERT_PATH"),
			keyPath:  os.Getenv("KAFKA_TLS_KEY_PATH"),
		},
		Config: &tls.Config{},
	}

	// Override server name if env var is set.
	if name, exists := os.LookupEnv("KAFKA_TLS_SERVER_NAME"); exists {
		logger.Debug("overriding TLS server name", zap.String("server_name", name))
		cfg.Config.ServerName = name
	}

	if os.Getenv("KAFKA_TLS_INSECURE") == "true" {
		if hasCert() {
			return cfg, fmt.Errorf(
				"kafka: cannot set KAFKA_TLS_INSECURE when either of " +
					"KAFKA_TLS_CA_CERT_PATH, KAFKA_TLS_CERT_PATH, or KAFKA_TLS_KEY_PATH are set",
			)
		}
		cfg.Config.InsecureSkipVerify = true
	}

	// Set a dialer that reloads the certificates when the files change.
	if hasCert() {
		dialFn, err := newCertReloadingDialer(cfg.KeyPair, 30*time.Second, cfg.Config, logger)
		if err != nil {
			return cfg, fmt.Errorf("kafka: error creating dialer with CA cert: %w", err)
		}
		cfg.Dialer = dialFn
		cfg.Config = nil
	}
	return cfg, nil
}

func loadSASLConfig() (SASLMechanism, error) {
	return NewSASL(
		os.Getenv("KAFKA_SASL_MECHANISM"),
		os.Getenv("KAFKA_USERNAME"),
		os.Getenv("KAFKA_PASSWORD"),
	)
}

// NewSASL returns the SASL mechanism for the given settings, or nil when no
// mechanism or credentials are set. The mechanism is PLAIN when only the
// username is set. AWS_MSK_IAM reads the credentials from the default AWS
// credential chain.
func NewSASL(mechanism, username, password string) (SASLMechanism, error) {
	saslConfig := saslConfigProperties{
		Mechanism: mechanism,
		Username:  username,
		Password:  password,
	}
	if err := saslConfig.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: error configuring SASL: %w", err)
	}

	var saslMech SASLMechanism
	switch saslConfig.Mechanism {
	case "PLAIN":
		plainAuth := plain.Auth{
			User: saslConfig.Username,
			Pass: saslConfig.Password,
		}
		if plainAuth != (plain.Auth{}) {
			saslMech = plainAuth.AsMechanism()
		}
	case "AWS_MSK_IAM":
		var err error
		saslMech, err = newAWSMSKIAMSASL()
		if err != nil {
			return nil, fmt.Errorf("kafka: error configuring SASL/AWS_MSK_IAM: %w", err)
		}
	}
	return saslMech, nil
}
