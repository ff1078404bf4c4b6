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

package cmd

import (
	"context"
	"encoding/json"
	"os"

	"evhub/core"
	"evhub/kafka"
	"evhub/metrics"
	"evhub/sqs"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

func kafkaConfig(config *core.Config) (kafka.Config, error) {
	return kafka.NewConfig(config, viper.GetStringSlice("brokers"), viper.GetString("entity-path"))
}

// deadLetter returns nil when no queue is configured.
func deadLetter(ctx context.Context) (core.DeadLetter, error) {
	queue := viper.GetString("dead-letter-queue")
	if queue == "" {
		return nil, nil
	}
	d, err := sqs.NewDeadLetter(ctx, &sqs.DeadLetterConfiguration{QueueName: queue})
	if err != nil {
		return nil, core.ConfigError("dead-letter-queue", err)
	}
	return d, nil
}

// withMetrics serves the registry next to runner when a metrics
// address is configured.
func withMetrics(runner core.Runner, registry *metrics.Registry) core.Runner {
	addr := viper.GetString("metrics-addr")
	if addr == "" {
		return runner
	}
	return core.Supervise(runner, metrics.NewServer(addr, registry))
}

// runPartitionKey keys an unkeyed run with a random key. Kafka
// only keeps a batch on one partition when its records share a key.
func runPartitionKey(key string) string {
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func loadOrders(path string) ([]core.Order, error) {
	if path == "" {
		return core.SampleOrders(), nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, core.ConfigError("orders-file", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, core.ConfigError("orders-file", err)
	}
	var orders []core.Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, core.ConfigError("orders-file", errors.Wrap(err, "expected a JSON array of orders"))
	}
	return orders, nil
}
