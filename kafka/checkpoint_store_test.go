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

package kafka

import (
	"context"
	"testing"

	"evhub/core"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type fakeFetcher struct {
	group    string
	response *sarama.OffsetFetchResponse
	err      error
}

func (f *fakeFetcher) ListConsumerGroupOffsets(group string, topicPartitions map[string][]int32) (*sarama.OffsetFetchResponse, error) {
	f.group = group
	return f.response, f.err
}

func fetchResponse(partition int32, offset int64) *sarama.OffsetFetchResponse {
	r := &sarama.OffsetFetchResponse{}
	r.AddBlock("orders", partition, &sarama.OffsetFetchResponseBlock{Offset: offset, Err: sarama.ErrNoError})
	return r
}

func testKey(partitionID string) core.CheckpointKey {
	return core.CheckpointKey{EntityPath: "orders", ConsumerGroup: "$Default", PartitionID: partitionID}
}

func TestGetCheckpointFromCommittedOffset(t *testing.T) {
	f := &fakeFetcher{response: fetchResponse(2, 10)}
	s := newCheckpointStore(f, Config{Topic: "orders"})

	c, err := s.GetCheckpoint(context.Background(), testKey("2"))

	assert.NoError(t, err)
	assert.Equal(t, int64(9), c.Offset)
	assert.Equal(t, "$Default", f.group)
	assert.Equal(t, testKey("2"), c.CheckpointKey)
}

func TestGetCheckpointWithoutCommittedOffset(t *testing.T) {
	s := newCheckpointStore(&fakeFetcher{response: fetchResponse(0, -1)}, Config{Topic: "orders"})

	_, err := s.GetCheckpoint(context.Background(), testKey("0"))

	assert.Equal(t, core.ErrCheckpointNotFound, err)
}

func TestGetCheckpointFailure(t *testing.T) {
	s := newCheckpointStore(&fakeFetcher{err: errors.New("doh")}, Config{Topic: "orders"})

	_, err := s.GetCheckpoint(context.Background(), testKey("0"))

	assert.EqualError(t, err, "doh")
}

func TestSetCheckpointCommitsThroughSession(t *testing.T) {
	s := newCheckpointStore(nil, Config{Topic: "orders"})
	session := newFakeSession(0, 1)
	s.Bind(session)

	err := s.SetCheckpoint(context.Background(), core.Checkpoint{CheckpointKey: testKey("1"), Offset: 41})

	assert.NoError(t, err)
	assert.Equal(t, []mark{{1, 42}}, session.marks)
	assert.Equal(t, 1, session.commits)
}

func TestSetCheckpointRequiresOwnership(t *testing.T) {
	s := newCheckpointStore(nil, Config{Topic: "orders"})

	err := s.SetCheckpoint(context.Background(), core.Checkpoint{CheckpointKey: testKey("0")})
	assert.True(t, errors.Is(err, core.ErrPartitionNotOwned))

	s.Bind(newFakeSession(1))
	err = s.SetCheckpoint(context.Background(), core.Checkpoint{CheckpointKey: testKey("0")})
	assert.True(t, errors.Is(err, core.ErrPartitionNotOwned))
}

func TestInvalidPartitionIDIsRejected(t *testing.T) {
	s := newCheckpointStore(nil, Config{Topic: "orders"})

	_, err := s.GetCheckpoint(context.Background(), testKey("x"))

	assert.Error(t, err)
}
