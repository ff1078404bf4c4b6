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

package producer

import (
	"context"

	"evhub/core"

	log "github.com/sirupsen/logrus"
)

// Job sends one set of orders in the background and reports the
// outcome through its awaiter.
type Job struct {
	Packer        *Packer
	Orders        []core.Order
	PartitionKey  string
	result        Result
	awaiter       *core.Awaiter
	awaitNotifier *core.AwaitNotifier
	logFields     log.Fields
}

func (j *Job) Start(ctx context.Context) {
	go func() {
		sw := core.NewStopwatch()
		result, err := j.Packer.SendOrders(ctx, j.Orders, j.PartitionKey)
		sw.Lap("send")
		j.result = result
		log.WithFields(j.logFields).WithFields(sw.Fields()).WithFields(log.Fields{
			"orders":  len(j.Orders),
			"batches": result.Batches,
			"skipped": result.Skipped,
			"err":     err,
		}).Info("producer job finished")
		j.awaitNotifier.Notify(err)
	}()
}

func (j *Job) Awaiter() *core.Awaiter {
	return j.awaiter
}

// Result is only meaningful once the awaiter is done.
func (j *Job) Result() Result {
	<-j.awaiter.Done()
	return j.result
}

func NewJob(packer *Packer, orders []core.Order, partitionKey string) *Job {
	awaiter, awaitNotifier := core.NewAwaiter()
	return &Job{
		Packer:        packer,
		Orders:        orders,
		PartitionKey:  partitionKey,
		awaiter:       awaiter,
		awaitNotifier: awaitNotifier,
		logFields:     log.Fields{"module": "producer_job"},
	}
}
