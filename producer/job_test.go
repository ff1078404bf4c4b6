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

package producer_test

import (
	"context"
	"testing"
	"time"

	"evhub/core"
	"evhub/memory"
	"evhub/producer"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSendsOrders(t *testing.T) {
	broker := memory.NewBroker(1, memory.DefaultMaxBatchBytes)
	config := &core.Config{RetryCount: 1, RetryDelay: time.Millisecond, PublishTimeout: time.Second}
	job := producer.NewJob(producer.NewPacker(broker, config, ""), core.SampleOrders(), "")

	job.Start(context.Background())

	require.NoError(t, job.Awaiter().Err())
	assert.Equal(t, 5, job.Result().Sent)
	assert.Equal(t, 1, job.Result().Batches)
	assert.Len(t, broker.Events("0"), 5)
}

func TestJobReportsPublishFailure(t *testing.T) {
	broker := memory.NewBroker(1, memory.DefaultMaxBatchBytes)
	broker.FailSends(core.PublishError("send batch", errors.New("entity disabled")))
	config := &core.Config{RetryCount: 1, RetryDelay: time.Millisecond, PublishTimeout: time.Second}
	job := producer.NewJob(producer.NewPacker(broker, config, ""), core.SampleOrders(), "")

	job.Start(context.Background())

	err := job.Awaiter().Err()
	assert.True(t, core.IsKind(err, core.KindPublish))
	assert.Equal(t, 5, core.ExitCode(err))
}
