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
	"time"

	"evhub/core"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const defaultRetryDelay = time.Second
const defaultConnectTimeout = time.Second * 30
const defaultPublishTimeout = time.Second * 30
const defaultCheckpointTimeout = time.Second * 10

// GetConfig assembles the common configuration from the merged
// flags, environment and config file.
func GetConfig() (*core.Config, error) {
	config, err := getConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if config.ConnectionString, err = connectionString(viper.GetViper()); err != nil {
		return nil, err
	}
	return config, nil
}

// getConfig reads every option except the connection.
func getConfig(v *viper.Viper) (*core.Config, error) {
	position, err := core.ParsePosition(v.GetString("starting-position"))
	if err != nil {
		return nil, err
	}

	config := &core.Config{
		ConsumerGroup:     v.GetString("consumer-group"),
		StartingPosition:  position,
		RetryCount:        v.GetInt("retry-count"),
		RetryDelay:        v.GetDuration("retry-delay"),
		RetryMaxDelay:     v.GetDuration("retry-max-delay"),
		ConnectTimeout:    v.GetDuration("connect-timeout"),
		PublishTimeout:    v.GetDuration("publish-timeout"),
		CheckpointTimeout: v.GetDuration("checkpoint-timeout"),
		MaxBatchBytes:     v.GetInt("max-batch-bytes"),
		EnableVerboseLog:  v.GetBool("verbose"),
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = core.DefaultConsumerGroup
	}
	if config.RetryCount < 0 {
		return nil, core.ConfigError("retry-count", errors.New("must not be negative"))
	}
	if config.MaxBatchBytes < 0 {
		return nil, core.ConfigError("max-batch-bytes", errors.New("must not be negative"))
	}
	return config, nil
}

// connectionString prefers a full connection string over the
// individual options. Both may be absent when plain brokers are
// configured.
func connectionString(v *viper.Viper) (core.ConnectionString, error) {
	if s := v.GetString("connection-string"); s != "" {
		return core.ParseConnectionString(s)
	}
	endpoint := v.GetString("endpoint")
	if endpoint == "" {
		if len(v.GetStringSlice("brokers")) == 0 {
			return core.ConnectionString{}, core.ConfigError("connection", errors.New("a connection string, an endpoint or brokers are required"))
		}
		return core.ConnectionString{}, nil
	}
	return core.NewConnectionString(
		endpoint,
		v.GetString("shared-access-key-name"),
		v.GetString("shared-access-key"),
		v.GetString("entity-path"),
	)
}
