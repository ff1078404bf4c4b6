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
	"os"
	"strings"

	"evhub/core"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "evhub",
	Short: "Publish orders to and consume them from Event Hubs",
	Long: `evhub publishes order records to an Event Hubs entity in size bounded
batches and consumes them per partition with durable checkpoints.

Options are read from flags, EVHUB_* environment variables and
$HOME/.evhub.yaml, in that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evhub: %v\n", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.evhub.yaml)")
	f.String("connection-string", "", "Event Hubs connection string including EntityPath")
	f.String("endpoint", "", "namespace endpoint such as sb://<namespace>.servicebus.windows.net/")
	f.String("shared-access-key-name", "", "shared access key name")
	f.String("shared-access-key", "", "shared access key")
	f.String("entity-path", "", "event hub name")
	f.StringSlice("brokers", nil, "plain Kafka broker addresses, replaces the Event Hubs endpoint")
	f.String("consumer-group", core.DefaultConsumerGroup, "consumer group")
	f.String("starting-position", "latest", "earliest, latest, an offset or after:<offset>")
	f.Int("retry-count", 3, "number of retry attempts")
	f.Duration("retry-delay", defaultRetryDelay, "delay before the first retry")
	f.Duration("retry-max-delay", core.DefaultRetryMaxDelay, "upper bound of the retry delay")
	f.Duration("connect-timeout", defaultConnectTimeout, "connect timeout")
	f.Duration("publish-timeout", defaultPublishTimeout, "timeout of a single publish call")
	f.Duration("checkpoint-timeout", defaultCheckpointTimeout, "timeout of a single checkpoint write")
	f.Int("max-batch-bytes", 0, "upper bound of a batch in bytes (default is the transport limit)")
	f.String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9102")
	f.String("dead-letter-queue", "", "SQS queue receiving poison records and events")
	f.BoolP("verbose", "v", false, "enable verbose logging")

	viper.BindPFlags(f)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err == nil {
			// Search config in home directory with name ".evhub" (without extension).
			viper.AddConfigPath(home)
			viper.SetConfigName(".evhub")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("evhub")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
