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
	"fmt"

	"evhub/core"
	"evhub/kafka"
	"evhub/metrics"
	"evhub/producer"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// produceCmd represents the produce command
var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Publish orders in size bounded batches",
	Long: `Publishes the orders of --orders-file, or five sample orders, to the
configured event hub. Records too large for an empty batch are skipped
and parked on the dead letter queue when one is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := GetConfig()
		if err != nil {
			return err
		}
		core.ConfigureLogging(config)

		orders, err := loadOrders(viper.GetString("orders-file"))
		if err != nil {
			return err
		}
		kc, err := kafkaConfig(config)
		if err != nil {
			return err
		}
		publisher, err := kafka.NewPublisher(kc)
		if err != nil {
			return err
		}
		defer publisher.Close()

		partitionKey := runPartitionKey(viper.GetString("partition-key"))
		registry := metrics.NewRegistry()
		packer := producer.NewPacker(publisher, config, partitionKey)
		packer.Metrics = registry
		if packer.DeadLetter, err = deadLetter(cmd.Context()); err != nil {
			return err
		}

		job := producer.NewJob(packer, orders, partitionKey)
		if err := core.RunCLIInstance(cmd.Context(), withMetrics(job, registry), config); err != nil {
			return err
		}
		result := job.Result()
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %d orders in %d batches, skipped %d\n", result.Sent, result.Batches, result.Skipped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(produceCmd)

	produceCmd.Flags().String("orders-file", "", "JSON array of orders to publish (default is five sample orders)")
	produceCmd.Flags().String("partition-key", "", "partition key of every batch (default is a fresh key per run, so each batch lands on one partition)")
	viper.BindPFlags(produceCmd.Flags())
}
