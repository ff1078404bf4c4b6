/*
Copyright © 2020 Evhub Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kafka talks to Event Hubs through its Kafka endpoint,
// or to any plain Kafka cluster, using sarama.
package kafka

import (
	"crypto/tls"
	"fmt"
	"time"

	"evhub/core"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

const EventHubsPort int = 9093
const EventHubsUser string = "$ConnectionString"
const DefaultMaxMessageBytes int = 1024 * 1024
const DefaultClientID string = "evhub"

// RecordOverhead approximates the bytes a Kafka record adds on
// top of its key, value and headers.
const RecordOverhead int = 32

type Config struct {
	BrokerAddresses []string
	Topic           string
	Group           string
	ClientID        string
	EnableTLS       bool
	SASLUser        string
	SASLPassword    string
	ConnectTimeout  time.Duration
	PublishTimeout  time.Duration
	MaxMessageBytes int
	InitialOffset   int64
	Version         sarama.KafkaVersion
}

// NewConfig maps the common configuration onto the Event Hubs Kafka
// endpoint. When brokers are given they replace the endpoint, and
// without a connection string the brokers are used in plain text
// with topic.
func NewConfig(config *core.Config, brokers []string, topic string) (Config, error) {
	c := Config{
		Group:           config.ConsumerGroup,
		ClientID:        DefaultClientID,
		ConnectTimeout:  config.ConnectTimeout,
		PublishTimeout:  config.PublishTimeout,
		MaxMessageBytes: config.MaxBatchBytes,
		InitialOffset:   sarama.OffsetNewest,
		Version:         sarama.V1_0_0_0,
	}
	if c.Group == "" {
		c.Group = core.DefaultConsumerGroup
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if config.StartingPosition.Kind == core.PositionEarliest {
		c.InitialOffset = sarama.OffsetOldest
	}

	cs := config.ConnectionString
	if !cs.IsZero() {
		if err := cs.Validate(); err != nil {
			return Config{}, err
		}
		c.BrokerAddresses = []string{fmt.Sprintf("%s:%d", cs.Namespace(), EventHubsPort)}
		c.Topic = cs.EntityPath
		c.EnableTLS = true
		c.SASLUser = EventHubsUser
		c.SASLPassword = cs.Secret()
	}
	if len(brokers) > 0 {
		c.BrokerAddresses = brokers
	}
	if topic != "" {
		c.Topic = topic
	}

	if len(c.BrokerAddresses) == 0 {
		return Config{}, core.ConfigError("kafka config", errors.New("a connection string or broker addresses are required"))
	}
	if c.Topic == "" {
		return Config{}, core.ConfigError("kafka config", errors.New("entity path is required"))
	}
	return c, nil
}

func (c Config) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = c.Version
	config.ClientID = c.ClientID
	if c.ConnectTimeout > 0 {
		config.Net.DialTimeout = c.ConnectTimeout
	}

	if c.EnableTLS {
		config.Net.TLS.Enable = true
		config.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.SASLUser != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		config.Net.SASL.User = c.SASLUser
		config.Net.SASL.Password = c.SASLPassword
		config.Net.SASL.Handshake = true
	}

	// Retries and partition choice belong to the caller.
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 0
	config.Producer.MaxMessageBytes = c.MaxMessageBytes
	config.Producer.Partitioner = newPartitioner
	if c.PublishTimeout > 0 {
		config.Producer.Timeout = c.PublishTimeout
	}

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = c.InitialOffset
	config.Consumer.Offsets.AutoCommit.Enable = false
	return config
}

// String leaves the SASL password out.
func (c Config) String() string {
	return fmt.Sprintf("brokers=%v topic=%s group=%s tls=%t sasl=%t", c.BrokerAddresses, c.Topic, c.Group, c.EnableTLS, c.SASLUser != "")
}
