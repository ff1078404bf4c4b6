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

	"evhub/checkpoint"
	"evhub/consumer"
	"evhub/core"
	"evhub/dynamodb"
	"evhub/kafka"
	"evhub/metrics"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultCheckpointDir = "~/.evhub/checkpoints"

// consumeCmd represents the consume command
var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume events per partition with durable checkpoints",
	Long: `Receives events of every partition assigned to this member of the
consumer group. Each event is printed, or posted to --handler-url, and
then checkpointed. On restart every partition resumes after its last
checkpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := GetConfig()
		if err != nil {
			return err
		}
		core.ConfigureLogging(config)

		kc, err := kafkaConfig(config)
		if err != nil {
			return err
		}

		var observer kafka.SessionObserver
		var store core.CheckpointStore
		switch kind := viper.GetString("checkpoint-store"); kind {
		case "kafka":
			s, err := kafka.NewCheckpointStore(kc)
			if err != nil {
				return err
			}
			defer s.Close()
			store, observer = s, s
		case "dynamodb":
			table := viper.GetString("checkpoint-table")
			if table == "" {
				return core.ConfigError("checkpoint-table", errors.New("required by the dynamodb checkpoint store"))
			}
			store = dynamodb.NewCheckpointStore(table)
		case "file":
			if store, err = checkpoint.NewFileStore(viper.GetString("checkpoint-dir")); err != nil {
				return err
			}
		default:
			return core.ConfigError("checkpoint-store", errors.Errorf("unknown checkpoint store %q, expected kafka, dynamodb or file", kind))
		}

		var aux []core.Runner
		if n := viper.GetInt("checkpoint-batch-size"); n > 1 {
			if observer != nil {
				return core.ConfigError("checkpoint-batch-size", errors.New("the kafka checkpoint store commits within the session and cannot be buffered"))
			}
			interval := viper.GetDuration("checkpoint-interval")
			if interval <= 0 {
				interval = consumer.DefaultCheckpointInterval
			}
			ticker := time.NewTicker(interval / 2)
			defer ticker.Stop()
			buffered := consumer.NewBufferedStore(store, n, interval, time.Now, ticker.C)
			buffered.Timeout = config.CheckpointTimeout
			store = buffered
			aux = append(aux, buffered)
		}

		var handler consumer.Handler = consumer.NewPrintHandler(cmd.OutOrStdout())
		if url := viper.GetString("handler-url"); url != "" {
			handler = consumer.NewHTTPHandler(url, viper.GetDuration("handler-timeout"))
		}

		subscriber, err := kafka.NewSubscriber(kc, observer)
		if err != nil {
			return err
		}
		defer subscriber.Close()

		registry := metrics.NewRegistry()
		c := consumer.NewConsumer(subscriber, store, handler, config)
		c.Metrics = registry
		if c.DeadLetter, err = deadLetter(cmd.Context()); err != nil {
			return err
		}

		var runner core.Runner = c
		if len(aux) > 0 {
			runner = core.Supervise(c, aux...)
		}
		return core.RunCLIInstance(cmd.Context(), withMetrics(runner, registry), config)
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)

	consumeCmd.Flags().String("checkpoint-store", "kafka", "where checkpoints are kept: kafka, dynamodb or file")
	consumeCmd.Flags().String("checkpoint-table", "", "DynamoDB table of the dynamodb checkpoint store")
	consumeCmd.Flags().String("checkpoint-dir", defaultCheckpointDir, "directory of the file checkpoint store")
	consumeCmd.Flags().Int("checkpoint-batch-size", 1, "write a checkpoint every n events")
	consumeCmd.Flags().Duration("checkpoint-interval", consumer.DefaultCheckpointInterval, "write pending checkpoints after this idle time")
	consumeCmd.Flags().String("handler-url", "", "POST every event to this url instead of printing it")
	consumeCmd.Flags().Duration("handler-timeout", time.Second*30, "timeout of a handler request")
	viper.BindPFlags(consumeCmd.Flags())
}
