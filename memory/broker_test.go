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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"evhub/core"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func send(t *testing.T, b *Broker, key string, bodies ...string) {
	batch, err := b.NewBatch(core.BatchOptions{PartitionKey: key})
	assert.NoError(t, err)
	for _, body := range bodies {
		assert.NoError(t, batch.Add(&core.EventData{Body: []byte(body)}))
	}
	assert.NoError(t, b.SendBatch(context.Background(), batch))
}

func fromPosition(p core.Position) core.ReceiveOptions {
	return core.ReceiveOptions{
		StartingPosition: func(ctx context.Context, partitionID string) (core.Position, error) {
			return p, nil
		},
	}
}

// collect receives until want events arrived.
func collect(t *testing.T, b *Broker, opts core.ReceiveOptions, want int) []*core.Event {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	var mu sync.Mutex
	events := []*core.Event{}
	err := b.Receive(ctx, opts, func(ctx context.Context, e *core.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		if len(events) == want {
			cancel()
		}
		return nil
	})
	assert.Equal(t, context.Canceled, err)
	return events
}

func TestBatchIsAppendedToOnePartition(t *testing.T) {
	b := NewBroker(4, 0)
	send(t, b, "orders", "a", "b", "c")

	total := 0
	for _, id := range b.PartitionIDs() {
		events := b.Events(id)
		if len(events) == 0 {
			continue
		}
		total += len(events)
		for i, e := range events {
			assert.Equal(t, int64(i), e.Offset)
			assert.Equal(t, "orders", e.PartitionKey)
			assert.Equal(t, id, e.PartitionID)
		}
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, b.SendCalls())
}

func TestSameKeySamePartition(t *testing.T) {
	b := NewBroker(8, 0)
	send(t, b, "k", "a")
	send(t, b, "k", "b")

	for _, id := range b.PartitionIDs() {
		n := len(b.Events(id))
		assert.True(t, n == 0 || n == 2)
	}
}

func TestUnkeyedBatchesAreSpread(t *testing.T) {
	b := NewBroker(2, 0)
	send(t, b, "", "a")
	send(t, b, "", "b")

	assert.Len(t, b.Events("0"), 1)
	assert.Len(t, b.Events("1"), 1)
}

func TestReceiveFromEarliest(t *testing.T) {
	b := NewBroker(1, 0)
	send(t, b, "", "a", "b", "c")

	events := collect(t, b, fromPosition(core.Earliest()), 3)

	assert.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i), e.Offset)
	}
	assert.Equal(t, "c", string(events[2].Body))
}

func TestReceiveAfterOffset(t *testing.T) {
	b := NewBroker(1, 0)
	send(t, b, "", "a", "b", "c")

	events := collect(t, b, fromPosition(core.AfterOffset(0)), 2)

	assert.Equal(t, "b", string(events[0].Body))
	assert.Equal(t, "c", string(events[1].Body))
}

func TestReceiveFromLatestWaitsForNewEvents(t *testing.T) {
	b := NewBroker(1, 0)
	send(t, b, "", "old")

	go func() {
		time.Sleep(time.Millisecond * 50)
		send(t, b, "", "new")
	}()
	events := collect(t, b, fromPosition(core.Latest()), 1)

	assert.Equal(t, "new", string(events[0].Body))
}

func TestDeliverErrorEndsReceive(t *testing.T) {
	b := NewBroker(2, 0)
	send(t, b, "", "a")

	err := b.Receive(context.Background(), fromPosition(core.Earliest()), func(ctx context.Context, e *core.Event) error {
		return errors.New("doh")
	})

	assert.EqualError(t, err, "doh")
}

func TestCloseEndsReceive(t *testing.T) {
	b := NewBroker(1, 0)
	go func() {
		time.Sleep(time.Millisecond * 50)
		b.Close()
	}()

	err := b.Receive(context.Background(), fromPosition(core.Latest()), func(ctx context.Context, e *core.Event) error {
		return nil
	})

	assert.True(t, errors.Is(err, core.ErrClosed))
	assert.True(t, core.IsKind(err, core.KindConnection))
}

func TestInjectedFaults(t *testing.T) {
	b := NewBroker(1, 0)
	b.FailSends(core.TransientPublishError("send", errors.New("busy")))
	b.FailReceives(core.ConnectionError("receive", errors.New("down")))

	batch, _ := b.NewBatch(core.BatchOptions{})
	err := b.SendBatch(context.Background(), batch)
	assert.True(t, core.IsKind(err, core.KindTransientPublish))
	assert.NoError(t, b.SendBatch(context.Background(), batch))
	assert.Equal(t, 2, b.SendCalls())

	err = b.Receive(context.Background(), core.ReceiveOptions{}, nil)
	assert.True(t, core.IsKind(err, core.KindConnection))
}

func TestBatchOptionsAreCapped(t *testing.T) {
	b := NewBroker(1, 100)

	batch, err := b.NewBatch(core.BatchOptions{MaxSizeInBytes: 1000})
	assert.NoError(t, err)
	assert.Equal(t, 100, batch.MaxSize())

	batch, err = b.NewBatch(core.BatchOptions{MaxSizeInBytes: 10})
	assert.NoError(t, err)
	assert.Equal(t, 10, batch.MaxSize())
}

func TestCheckpointsAreMonotonic(t *testing.T) {
	b := NewBroker(1, 0)
	key := core.CheckpointKey{EntityPath: "orders", ConsumerGroup: "$Default", PartitionID: "0"}
	ctx := context.Background()

	_, err := b.GetCheckpoint(ctx, key)
	assert.Equal(t, core.ErrCheckpointNotFound, err)

	assert.NoError(t, b.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: key, Offset: 5}))
	assert.NoError(t, b.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: key, Offset: 5}))
	err = b.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: key, Offset: 4})
	assert.True(t, errors.Is(err, core.ErrStaleCheckpoint))

	c, err := b.GetCheckpoint(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), c.Offset)
	assert.False(t, c.UpdatedAt.IsZero())
}
