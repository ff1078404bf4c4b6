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

package core

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ConfigureLogging applies the verbosity setting.
func ConfigureLogging(config *Config) {
	if config.EnableVerboseLog {
		log.SetLevel(log.DebugLevel)
	}
}

// RunCLIInstance starts the runner and blocks until it exits
// or the process is interrupted. An interrupt cancels the
// runner and waits for it to wind down; the resulting
// cancellation error is not reported.
func RunCLIInstance(ctx context.Context, runner Runner, config *Config) error {
	ConfigureLogging(config)

	cancelCtx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	chanSignal := make(chan os.Signal, 1)
	signal.Notify(chanSignal, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(chanSignal)

	runner.Start(cancelCtx)

	interrupted := false
	select {
	case <-runner.Awaiter().Done():
	case s := <-chanSignal:
		log.WithFields(log.Fields{"module": "cli", "signal": s.String()}).Info("shutting down")
		interrupted = true
	}

	cancelFunc()
	err := runner.Awaiter().Err()
	if interrupted && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
