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

// Package memory is a partitioned in-process event log used by
// the demo command and by tests. It implements core.Publisher,
// core.Subscriber and core.CheckpointStore.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"evhub/core"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxBatchBytes int = 1024 * 1024

type Broker struct {
	mu            sync.Mutex
	partitions    [][]*core.Event
	appended      chan struct{}
	checkpoints   map[core.CheckpointKey]core.Checkpoint
	partitioner   sarama.Partitioner
	nextPartition int
	maxBatchBytes int
	sendCalls     int
	sendFaults    []error
	receiveFaults []error
	storeFaults   []error
	closed        bool
	now           func() time.Time
	logFields     log.Fields
}

func (b *Broker) PartitionIDs() []string {
	ids := make([]string, len(b.partitions))
	for i := range b.partitions {
		ids[i] = strconv.Itoa(i)
	}
	return ids
}

func (b *Broker) NewBatch(opts core.BatchOptions) (*core.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.ErrClosed
	}
	if opts.MaxSizeInBytes <= 0 || opts.MaxSizeInBytes > b.maxBatchBytes {
		opts.MaxSizeInBytes = b.maxBatchBytes
	}
	return core.NewBatch(opts), nil
}

// SendBatch appends every event of the batch to a single
// partition. Keyed batches are placed the way the Kafka hash
// partitioner would place them, the rest are spread round robin.
func (b *Broker) SendBatch(ctx context.Context, batch *core.Batch) error {
	if err := ctx.Err(); err != nil {
		return core.TransientPublishError("send batch", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendCalls++
	if b.closed {
		return core.PublishError("send batch", core.ErrClosed)
	}
	if err := pop(&b.sendFaults); err != nil {
		return err
	}
	if batch.Size() > b.maxBatchBytes {
		return core.CapacityError("send batch", errors.Errorf("batch of %d bytes exceeds %d bytes", batch.Size(), b.maxBatchBytes))
	}

	p, err := b.partitionFor(batch)
	if err != nil {
		return core.PublishError("send batch", err)
	}

	now := b.now()
	for _, e := range batch.Events() {
		key := e.PartitionKey
		if key == "" {
			key = batch.PartitionKey()
		}
		offset := int64(len(b.partitions[p]))
		b.partitions[p] = append(b.partitions[p], &core.Event{
			PartitionID:    strconv.Itoa(p),
			Offset:         offset,
			SequenceNumber: offset,
			PartitionKey:   key,
			EnqueuedTime:   now,
			Properties:     copyProperties(e.Properties),
			Body:           append([]byte{}, e.Body...),
		})
	}
	close(b.appended)
	b.appended = make(chan struct{})

	log.WithFields(b.logFields).WithFields(log.Fields{"partition": p, "events": batch.Len()}).Debug("batch appended")
	return nil
}

func (b *Broker) partitionFor(batch *core.Batch) (int, error) {
	if id := batch.PartitionID(); id != "" {
		p, err := strconv.Atoi(id)
		if err != nil || p < 0 || p >= len(b.partitions) {
			return 0, errors.Errorf("unknown partition %q", id)
		}
		return p, nil
	}

	key := batch.PartitionKey()
	if key == "" && batch.Len() > 0 {
		key = batch.Events()[0].PartitionKey
	}
	if key == "" {
		p := b.nextPartition
		b.nextPartition = (b.nextPartition + 1) % len(b.partitions)
		return p, nil
	}

	p, err := b.partitioner.Partition(&sarama.ProducerMessage{Key: sarama.StringEncoder(key)}, int32(len(b.partitions)))
	return int(p), errors.WithStack(err)
}

// Receive delivers every partition in its own goroutine. The first
// partition that fails ends the whole subscription, the same way a
// Kafka consumer group session ends when one of its claims exits.
func (b *Broker) Receive(ctx context.Context, opts core.ReceiveOptions, deliver core.DeliverFunc) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return core.ConnectionError("receive", core.ErrClosed)
	}
	if err := pop(&b.receiveFaults); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range b.PartitionIDs() {
		id := id
		g.Go(func() error {
			return b.receivePartition(gctx, id, opts, deliver)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *Broker) receivePartition(ctx context.Context, partitionID string, opts core.ReceiveOptions, deliver core.DeliverFunc) error {
	position := core.Latest()
	if opts.StartingPosition != nil {
		var err error
		if position, err = opts.StartingPosition(ctx, partitionID); err != nil {
			return err
		}
	}

	p, _ := strconv.Atoi(partitionID)
	next := b.firstIndex(p, position)
	log.WithFields(b.logFields).WithFields(log.Fields{"partition": partitionID, "position": position.String(), "offset": next}).Debug("partition subscribed")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, wait, err := b.next(p, next)
		if err != nil {
			return err
		}
		if event == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			continue
		}

		if err := deliver(ctx, event); err != nil {
			return err
		}
		next++
	}
}

func (b *Broker) firstIndex(p int, position core.Position) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch position.Kind {
	case core.PositionEarliest:
		return 0
	case core.PositionLatest:
		return int64(len(b.partitions[p]))
	}
	return position.FirstOffset()
}

func (b *Broker) next(p int, offset int64) (*core.Event, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, core.ConnectionError("receive", core.ErrClosed)
	}
	if offset < int64(len(b.partitions[p])) {
		e := *b.partitions[p][offset]
		return &e, nil, nil
	}
	return nil, b.appended, nil
}

func (b *Broker) GetCheckpoint(ctx context.Context, key core.CheckpointKey) (*core.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.checkpoints[key]
	if !ok {
		return nil, core.ErrCheckpointNotFound
	}
	return &c, nil
}

// SetCheckpoint refuses to move a checkpoint backwards.
func (b *Broker) SetCheckpoint(ctx context.Context, checkpoint core.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := pop(&b.storeFaults); err != nil {
		return err
	}
	if c, ok := b.checkpoints[checkpoint.CheckpointKey]; ok && c.Offset > checkpoint.Offset {
		return errors.Wrapf(core.ErrStaleCheckpoint, "partition %s: %d < %d", checkpoint.PartitionID, checkpoint.Offset, c.Offset)
	}
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = b.now()
	}
	b.checkpoints[checkpoint.CheckpointKey] = checkpoint
	return nil
}

// Events returns a snapshot of a partition's log.
func (b *Broker) Events(partitionID string) []*core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := strconv.Atoi(partitionID)
	if err != nil || p < 0 || p >= len(b.partitions) {
		return nil
	}
	return append([]*core.Event{}, b.partitions[p]...)
}

// SendCalls is the number of SendBatch calls made so far.
func (b *Broker) SendCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendCalls
}

// FailSends makes the next SendBatch calls fail with errs in order.
func (b *Broker) FailSends(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFaults = append(b.sendFaults, errs...)
}

// FailReceives makes the next Receive calls fail with errs in order.
func (b *Broker) FailReceives(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveFaults = append(b.receiveFaults, errs...)
}

// FailCheckpoints makes the next SetCheckpoint calls fail with
// errs in order.
func (b *Broker) FailCheckpoints(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.storeFaults = append(b.storeFaults, errs...)
}

// Close wakes up and ends all subscriptions.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.appended)
	}
	return nil
}

func pop(faults *[]error) error {
	if len(*faults) == 0 {
		return nil
	}
	err := (*faults)[0]
	*faults = (*faults)[1:]
	return err
}

func copyProperties(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	c := make(map[string]string, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

func NewBroker(partitions int, maxBatchBytes int) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	if maxBatchBytes <= 0 {
		maxBatchBytes = DefaultMaxBatchBytes
	}
	return &Broker{
		partitions:    make([][]*core.Event, partitions),
		appended:      make(chan struct{}),
		checkpoints:   make(map[core.CheckpointKey]core.Checkpoint),
		partitioner:   sarama.NewHashPartitioner(""),
		maxBatchBytes: maxBatchBytes,
		now:           time.Now,
		logFields:     log.Fields{"module": "memory_broker"},
	}
}
