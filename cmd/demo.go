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
	"fmt"
	"io"
	"sync/atomic"

	"evhub/consumer"
	"evhub/core"
	"evhub/memory"
	"evhub/producer"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// demoCmd represents the demo command
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run producer and consumer against an in-process event hub",
	Long: `Publishes the sample orders, or --demo-orders-file, to an in-process
partitioned log and consumes them from the earliest position, printing
every event and its checkpoint. No connection is needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := getConfig(viper.GetViper())
		if err != nil {
			return err
		}
		core.ConfigureLogging(config)
		orders, err := loadOrders(viper.GetString("demo-orders-file"))
		if err != nil {
			return err
		}
		return runDemo(cmd.Context(), cmd.OutOrStdout(), config, orders, viper.GetInt("demo-partitions"))
	},
}

func runDemo(ctx context.Context, out io.Writer, config *core.Config, orders []core.Order, partitions int) error {
	if partitions <= 0 {
		return core.ConfigError("demo-partitions", errors.New("at least one partition is required"))
	}
	broker := memory.NewBroker(partitions, config.MaxBatchBytes)
	defer broker.Close()

	result, err := producer.NewPacker(broker, config, "").SendOrders(ctx, orders, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sent %d orders in %d batches, skipped %d\n\n", result.Sent, result.Batches, result.Skipped)
	if result.Sent == 0 {
		return nil
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	printer := consumer.NewPrintHandler(out)
	var handled int64
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, event *core.Event) error {
		if err := printer.Handle(ctx, pc, event); err != nil {
			return err
		}
		if atomic.AddInt64(&handled, 1) == int64(result.Sent) {
			cancel()
		}
		return nil
	})

	consumerConfig := *config
	consumerConfig.StartingPosition = core.Earliest()
	c := consumer.NewConsumer(broker, broker, handler, &consumerConfig)
	err = core.RunCLIInstance(cancelCtx, c, &consumerConfig)
	if err != nil && !(errors.Is(err, context.Canceled) && atomic.LoadInt64(&handled) == int64(result.Sent)) {
		return err
	}

	for _, id := range broker.PartitionIDs() {
		cp, err := broker.GetCheckpoint(ctx, consumerConfig.CheckpointKey(id))
		if errors.Is(err, core.ErrCheckpointNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Checkpoint of partition %s: offset %d\n", id, cp.Offset)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().Int("demo-partitions", 2, "number of partitions of the in-process event hub")
	demoCmd.Flags().String("demo-orders-file", "", "JSON array of orders to publish (default is five sample orders)")
	viper.BindPFlags(demoCmd.Flags())
}
