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

package consumer_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"evhub/consumer"
	"evhub/core"
	"evhub/memory"
	"evhub/mocks"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func newTestConfig() *core.Config {
	cs, _ := core.NewConnectionString("sb://test.servicebus.windows.net/", "", "", "orders")
	return &core.Config{
		ConnectionString:  cs,
		ConsumerGroup:     core.DefaultConsumerGroup,
		StartingPosition:  core.Earliest(),
		RetryCount:        2,
		RetryDelay:        time.Millisecond,
		CheckpointTimeout: time.Second,
	}
}

func publish(t *testing.T, broker *memory.Broker, n int) {
	for i := 0; i < n; i++ {
		batch, err := broker.NewBatch(core.BatchOptions{PartitionKey: "k"})
		assert.NoError(t, err)
		assert.NoError(t, batch.Add(&core.EventData{Body: []byte(fmt.Sprintf("e%d", i))}))
		assert.NoError(t, broker.SendBatch(context.Background(), batch))
	}
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second*5)
}

func checkpointOf(t *testing.T, broker *memory.Broker, config *core.Config, partitionID string) int64 {
	c, err := broker.GetCheckpoint(context.Background(), config.CheckpointKey(partitionID))
	assert.NoError(t, err)
	if c == nil {
		return -1
	}
	return c.Offset
}

type recordingStore struct {
	core.CheckpointStore
	mu      sync.Mutex
	offsets map[string][]int64
}

func (s *recordingStore) SetCheckpoint(ctx context.Context, c core.Checkpoint) error {
	err := s.CheckpointStore.SetCheckpoint(ctx, c)
	if err == nil {
		s.mu.Lock()
		s.offsets[c.PartitionID] = append(s.offsets[c.PartitionID], c.Offset)
		s.mu.Unlock()
	}
	return err
}

func TestConsumesEveryEventFromEarliest(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 5)
	config := newTestConfig()
	ctx, cancel := testContext()
	defer cancel()

	offsets := []int64{}
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		offsets = append(offsets, e.Offset)
		if err := pc.UpdateCheckpoint(ctx, e); err != nil {
			return err
		}
		if len(offsets) == 5 {
			cancel()
		}
		return nil
	})

	c := consumer.NewConsumer(broker, broker, handler, config)
	err := c.Run(ctx)

	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, offsets)
	assert.Equal(t, int64(4), checkpointOf(t, broker, config, "0"))

	pc, ok := c.Partition("0")
	assert.True(t, ok)
	assert.Equal(t, consumer.Disconnected, pc.State())
	offset, ok := pc.LastCheckpoint()
	assert.True(t, ok)
	assert.Equal(t, int64(4), offset)
}

func TestCrashBeforeCheckpointReprocessesEvent(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 5)
	config := newTestConfig()

	ctx, cancel := testContext()
	defer cancel()
	first := consumer.NewConsumer(broker, broker, consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		if e.Offset == 2 {
			// processed but the process dies before checkpointing
			cancel()
			return nil
		}
		return pc.UpdateCheckpoint(ctx, e)
	}), config)
	assert.Equal(t, context.Canceled, first.Run(ctx))
	assert.Equal(t, int64(1), checkpointOf(t, broker, config, "0"))

	ctx, cancel = testContext()
	defer cancel()
	redelivered := []int64{}
	second := consumer.NewConsumer(broker, broker, consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		redelivered = append(redelivered, e.Offset)
		if e.Offset == 4 {
			cancel()
		}
		return pc.UpdateCheckpoint(ctx, e)
	}), config)
	assert.Equal(t, context.Canceled, second.Run(ctx))

	assert.Equal(t, []int64{2, 3, 4}, redelivered)
	assert.Equal(t, int64(4), checkpointOf(t, broker, config, "0"))
}

func TestOnlyTheCurrentEventCanBeCheckpointed(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 2)
	ctx, cancel := testContext()
	defer cancel()

	var previous *core.Event
	var outOfOrder error
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		if previous != nil {
			outOfOrder = pc.UpdateCheckpoint(ctx, previous)
			cancel()
			return nil
		}
		previous = e
		return nil
	})

	config := newTestConfig()
	c := consumer.NewConsumer(broker, broker, handler, config)
	assert.Equal(t, context.Canceled, c.Run(ctx))

	assert.True(t, errors.Is(outOfOrder, core.ErrOutOfOrderCheckpoint))
	_, err := broker.GetCheckpoint(context.Background(), config.CheckpointKey("0"))
	assert.Equal(t, core.ErrCheckpointNotFound, err)
}

func TestCheckpointsAreMonotonicPerPartition(t *testing.T) {
	broker := memory.NewBroker(3, 0)
	for i := 0; i < 9; i++ {
		batch, _ := broker.NewBatch(core.BatchOptions{})
		assert.NoError(t, batch.Add(&core.EventData{Body: []byte("x")}))
		assert.NoError(t, broker.SendBatch(context.Background(), batch))
	}
	store := &recordingStore{CheckpointStore: broker, offsets: map[string][]int64{}}
	ctx, cancel := testContext()
	defer cancel()

	var mu sync.Mutex
	handled := 0
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		if err := pc.UpdateCheckpoint(ctx, e); err != nil {
			return err
		}
		// a second request for the same event is a no-op
		if err := pc.UpdateCheckpoint(ctx, e); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		handled++
		if handled == 9 {
			cancel()
		}
		return nil
	})

	c := consumer.NewConsumer(broker, store, handler, newTestConfig())
	assert.Equal(t, context.Canceled, c.Run(ctx))

	assert.Len(t, store.offsets, 3)
	for _, offsets := range store.offsets {
		assert.Equal(t, []int64{0, 1, 2}, offsets)
	}
}

func TestPoisonedEventIsCheckpointedPast(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	broker := memory.NewBroker(1, 0)
	publish(t, broker, 3)
	config := newTestConfig()
	ctx, cancel := testContext()
	defer cancel()

	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		if e.Offset == 1 {
			return errors.New("doh")
		}
		if e.Offset == 2 {
			cancel()
		}
		return pc.UpdateCheckpoint(ctx, e)
	})

	deadLetter := mocks.NewMockDeadLetter(ctrl)
	deadLetter.EXPECT().Poison(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, m core.PoisonMessage) error {
		assert.Equal(t, int64(1), m.Offset)
		assert.Equal(t, "e1", string(m.Body))
		assert.Contains(t, m.Reason, "doh")
		return nil
	})

	c := consumer.NewConsumer(broker, broker, handler, config)
	c.DeadLetter = deadLetter
	assert.Equal(t, context.Canceled, c.Run(ctx))
	assert.Equal(t, int64(2), checkpointOf(t, broker, config, "0"))
}

func TestFailedEventIsRedeliveredAfterReconnect(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 3)
	config := newTestConfig()
	config.RetryCount = 1
	ctx, cancel := testContext()
	defer cancel()

	calls := map[int64]int{}
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		calls[e.Offset]++
		if e.Offset == 1 && calls[1] <= 2 {
			return errors.New("doh")
		}
		if e.Offset == 2 {
			cancel()
		}
		return pc.UpdateCheckpoint(ctx, e)
	})

	c := consumer.NewConsumer(broker, broker, handler, config)
	assert.Equal(t, context.Canceled, c.Run(ctx))

	assert.Equal(t, map[int64]int{0: 1, 1: 3, 2: 1}, calls)
	assert.Equal(t, int64(2), checkpointOf(t, broker, config, "0"))
}

func TestPersistentHandlerFailureGivesUp(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 1)
	config := newTestConfig()
	ctx, cancel := testContext()
	defer cancel()

	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		return errors.New("doh")
	})

	c := consumer.NewConsumer(broker, broker, handler, config)
	err := c.Run(ctx)

	assert.True(t, core.IsKind(err, core.KindHandler))
	assert.Equal(t, 7, core.ExitCode(err))
}

func TestReconnectsAfterTransportFailure(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 1)
	broker.FailReceives(core.ConnectionError("receive", errors.New("down")))
	ctx, cancel := testContext()
	defer cancel()

	handled := 0
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		handled++
		cancel()
		return pc.UpdateCheckpoint(ctx, e)
	})

	c := consumer.NewConsumer(broker, broker, handler, newTestConfig())
	assert.Equal(t, context.Canceled, c.Run(ctx))
	assert.Equal(t, 1, handled)
}

// countingSubscriber numbers the sessions it opens.
type countingSubscriber struct {
	*memory.Broker
	mu       sync.Mutex
	sessions int
}

func (s *countingSubscriber) Receive(ctx context.Context, opts core.ReceiveOptions, deliver core.DeliverFunc) error {
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	return s.Broker.Receive(ctx, opts, deliver)
}

func (s *countingSubscriber) session() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func TestResubscribesWhenSessionIsCancelled(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 1)
	broker.FailReceives(errors.Wrap(context.Canceled, "session ended"))
	subscriber := &countingSubscriber{Broker: broker}
	ctx, cancel := testContext()
	defer cancel()

	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		cancel()
		return pc.UpdateCheckpoint(ctx, e)
	})

	c := consumer.NewConsumer(subscriber, broker, handler, newTestConfig())
	assert.Equal(t, context.Canceled, c.Run(ctx))
	assert.Equal(t, 2, subscriber.session())
	config := newTestConfig()
	assert.Equal(t, int64(0), checkpointOf(t, broker, config, "0"))
}

func TestFailedCheckpointIsNotRetriedByTheHandlerRetry(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 1)
	throttled := errors.New("throttled")
	broker.FailCheckpoints(throttled, throttled, throttled)
	subscriber := &countingSubscriber{Broker: broker}
	ctx, cancel := testContext()
	defer cancel()

	var mu sync.Mutex
	sessions := []int{}
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		mu.Lock()
		sessions = append(sessions, subscriber.session())
		mu.Unlock()
		err := pc.UpdateCheckpoint(ctx, e)
		if err == nil {
			cancel()
		}
		return err
	})

	c := consumer.NewConsumer(subscriber, broker, handler, newTestConfig())
	assert.Equal(t, context.Canceled, c.Run(ctx))
	assert.Equal(t, []int{1, 2}, sessions)
}

func TestGivesUpAfterReconnectAttempts(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	down := core.ConnectionError("receive", errors.New("down"))
	broker.FailReceives(down, down, down)
	ctx, cancel := testContext()
	defer cancel()

	c := consumer.NewConsumer(broker, broker, consumer.NewPrintHandler(nil), newTestConfig())
	err := c.Run(ctx)

	assert.True(t, core.IsKind(err, core.KindConnection))
	assert.Equal(t, 3, core.ExitCode(err))
}

func TestCheckpointWriteIsRetried(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 1)
	broker.FailCheckpoints(errors.New("throttled"))
	config := newTestConfig()
	ctx, cancel := testContext()
	defer cancel()

	var checkpointErr error
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		checkpointErr = pc.UpdateCheckpoint(ctx, e)
		cancel()
		return nil
	})

	c := consumer.NewConsumer(broker, broker, handler, config)
	assert.Equal(t, context.Canceled, c.Run(ctx))
	assert.NoError(t, checkpointErr)
	assert.Equal(t, int64(0), checkpointOf(t, broker, config, "0"))
}

func TestFailedCheckpointWriteDoesNotAdvance(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 1)
	throttled := errors.New("throttled")
	broker.FailCheckpoints(throttled, throttled, throttled)
	config := newTestConfig()
	ctx, cancel := testContext()
	defer cancel()

	var checkpointErr error
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		checkpointErr = pc.UpdateCheckpoint(ctx, e)
		cancel()
		return nil
	})

	c := consumer.NewConsumer(broker, broker, handler, config)
	assert.Equal(t, context.Canceled, c.Run(ctx))

	assert.True(t, core.IsKind(checkpointErr, core.KindCheckpointWrite))
	assert.Equal(t, 6, core.ExitCode(checkpointErr))
	pc, _ := c.Partition("0")
	_, ok := pc.LastCheckpoint()
	assert.False(t, ok)
	_, err := broker.GetCheckpoint(context.Background(), config.CheckpointKey("0"))
	assert.Equal(t, core.ErrCheckpointNotFound, err)
}

func TestInflightCheckpointCompletesAfterCancel(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	publish(t, broker, 1)
	config := newTestConfig()
	ctx, cancel := testContext()
	defer cancel()

	var checkpointErr error
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		cancel()
		checkpointErr = pc.UpdateCheckpoint(ctx, e)
		return nil
	})

	c := consumer.NewConsumer(broker, broker, handler, config)
	assert.Equal(t, context.Canceled, c.Run(ctx))

	assert.NoError(t, checkpointErr)
	assert.Equal(t, int64(0), checkpointOf(t, broker, config, "0"))
}

func TestResumesAfterStoredCheckpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	broker := memory.NewBroker(1, 0)
	publish(t, broker, 4)
	config := newTestConfig()
	store := mocks.NewMockCheckpointStore(ctrl)
	store.EXPECT().GetCheckpoint(gomock.Any(), config.CheckpointKey("0")).Return(&core.Checkpoint{CheckpointKey: config.CheckpointKey("0"), Offset: 2}, nil)
	store.EXPECT().SetCheckpoint(gomock.Any(), gomock.Any()).Return(nil)
	ctx, cancel := testContext()
	defer cancel()

	offsets := []int64{}
	handler := consumer.HandlerFunc(func(ctx context.Context, pc *consumer.PartitionContext, e *core.Event) error {
		offsets = append(offsets, e.Offset)
		cancel()
		return pc.UpdateCheckpoint(ctx, e)
	})

	c := consumer.NewConsumer(broker, store, handler, config)
	assert.Equal(t, context.Canceled, c.Run(ctx))
	assert.Equal(t, []int64{3}, offsets)
}

func TestStartAndAwait(t *testing.T) {
	broker := memory.NewBroker(1, 0)
	ctx, cancel := context.WithCancel(context.Background())

	c := consumer.NewConsumer(broker, broker, consumer.NewPrintHandler(nil), newTestConfig())
	c.Start(ctx)
	cancel()

	assert.Equal(t, context.Canceled, c.Awaiter().Err())
}
