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

package consumer

import (
	"context"
	"sync"
	"time"

	"evhub/core"
	"evhub/metrics"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PartitionContext is the handle given to handlers for the
// partition an event was delivered from.
type PartitionContext struct {
	consumer      *Consumer
	key           core.CheckpointKey
	mu            sync.Mutex
	state         State
	last          *core.Event
	checkpoint    int64
	hasCheckpoint bool
	logFields     log.Fields
}

func (pc *PartitionContext) PartitionID() string {
	return pc.key.PartitionID
}

func (pc *PartitionContext) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// LastCheckpoint returns the offset of the most recent checkpoint
// written or read in the current session.
func (pc *PartitionContext) LastCheckpoint() (int64, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.checkpoint, pc.hasCheckpoint
}

// UpdateCheckpoint durably records event as processed. Only the
// event currently being handled can be checkpointed and offsets
// never move backwards. Checkpointing the same event twice is a
// no-op.
//
// The write is detached from ctx cancellation so that shutting down
// lets it complete, it is still bounded by the checkpoint timeout.
func (pc *PartitionContext) UpdateCheckpoint(ctx context.Context, event *core.Event) error {
	pc.mu.Lock()
	if pc.last == nil || event.PartitionID != pc.key.PartitionID || event.Offset != pc.last.Offset {
		pc.mu.Unlock()
		return errors.WithStack(core.ErrOutOfOrderCheckpoint)
	}
	if pc.hasCheckpoint && event.Offset == pc.checkpoint {
		pc.mu.Unlock()
		return nil
	}
	if pc.hasCheckpoint && event.Offset < pc.checkpoint {
		pc.mu.Unlock()
		return errors.Wrapf(core.ErrStaleCheckpoint, "partition %s: %d < %d", pc.key.PartitionID, event.Offset, pc.checkpoint)
	}
	if err := pc.moveLocked(CheckpointPending); err != nil {
		pc.mu.Unlock()
		return err
	}
	pc.mu.Unlock()

	checkpoint := core.Checkpoint{
		CheckpointKey:  pc.key,
		Offset:         event.Offset,
		SequenceNumber: event.SequenceNumber,
	}
	err := pc.consumer.writeCheckpoint(ctx, checkpoint)

	pc.mu.Lock()
	if err != nil {
		pc.moveLocked(Processing)
		pc.mu.Unlock()
		return err
	}
	pc.checkpoint = event.Offset
	pc.hasCheckpoint = true
	err = pc.moveLocked(Subscribed)
	pc.mu.Unlock()

	pc.consumer.progressed()
	return err
}

func (pc *PartitionContext) move(to State) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.moveLocked(to)
}

func (pc *PartitionContext) moveLocked(to State) error {
	if err := transition(pc.state, to); err != nil {
		return err
	}
	log.WithFields(pc.logFields).WithFields(log.Fields{"from": pc.state, "to": to}).Debug("partition state changed")
	pc.state = to
	return nil
}

// subscribe starts a session for the partition at the stored
// checkpoint, if there is one.
func (pc *PartitionContext) subscribe(checkpoint *core.Checkpoint) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.moveLocked(Subscribed); err != nil {
		return err
	}
	pc.last = nil
	pc.hasCheckpoint = checkpoint != nil
	pc.checkpoint = 0
	if checkpoint != nil {
		pc.checkpoint = checkpoint.Offset
	}
	return nil
}

func (pc *PartitionContext) begin(event *core.Event) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.moveLocked(Processing); err != nil {
		return err
	}
	pc.last = event
	return nil
}

// finish ends the handling of the current event. A handler
// that returned without a checkpoint leaves the partition in
// Processing.
func (pc *PartitionContext) finish() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state == Processing {
		return pc.moveLocked(Subscribed)
	}
	return nil
}

// Handler processes events. Handlers must call UpdateCheckpoint
// to record progress, nothing is checkpointed automatically.
type Handler interface {
	Handle(ctx context.Context, pc *PartitionContext, event *core.Event) error
}

type HandlerFunc func(ctx context.Context, pc *PartitionContext, event *core.Event) error

func (f HandlerFunc) Handle(ctx context.Context, pc *PartitionContext, event *core.Event) error {
	return f(ctx, pc, event)
}

// Consumer receives events from a Subscriber, hands them to
// a Handler one at a time per partition and reconnects after
// transport failures, resuming every partition after its last
// checkpoint.
type Consumer struct {
	Subscriber core.Subscriber
	Store      core.CheckpointStore
	Handler    Handler
	// DeadLetter receives events the handler keeps failing on.
	// Without one the partition stops and the event is redelivered
	// after reconnecting.
	DeadLetter    core.DeadLetter
	Metrics       *metrics.Registry
	RetryPolicy   *core.RetryPolicy
	config        *core.Config
	mu            sync.Mutex
	partitions    map[string]*PartitionContext
	progress      int
	awaiter       *core.Awaiter
	awaitNotifier *core.AwaitNotifier
	logFields     log.Fields
}

// Run blocks until ctx is cancelled or reconnecting is no
// longer worthwhile.
func (c *Consumer) Run(ctx context.Context) error {
	opts := core.ReceiveOptions{
		ConsumerGroup:    c.config.ConsumerGroup,
		StartingPosition: c.resolve,
	}

	attempt := 0
	for {
		progress := c.currentProgress()
		log.WithFields(c.logFields).WithFields(log.Fields{"consumerGroup": opts.ConsumerGroup, "attempt": attempt}).Info("subscribing")
		err := c.Subscriber.Receive(ctx, opts, c.deliver)
		c.disconnect()

		if ctx.Err() != nil {
			log.WithFields(c.logFields).Info("consumer stopped")
			return ctx.Err()
		}
		// A session cancelled under a live ctx was ended by a
		// rebalance.
		if err == nil || errors.Is(err, context.Canceled) {
			log.WithFields(c.logFields).WithField("err", err).Info("session ended, resubscribing")
			continue
		}
		if !core.Retryable(err) {
			log.WithFields(c.logFields).WithField("err", err).Error("giving up")
			return err
		}

		if c.currentProgress() != progress {
			attempt = 0
		}
		if attempt >= c.RetryPolicy.Count {
			log.WithFields(c.logFields).WithFields(log.Fields{"err": err, "attempts": attempt}).Error("giving up after reconnect attempts")
			return err
		}

		delay := c.RetryPolicy.Backoff(attempt)
		attempt++
		c.Metrics.RecordReconnect()
		log.WithFields(c.logFields).WithFields(log.Fields{"err": err, "delay": delay}).Warn("subscription failed, reconnecting")
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Consumer) Start(ctx context.Context) {
	go func() {
		c.awaitNotifier.Notify(c.Run(ctx))
	}()
}

func (c *Consumer) Awaiter() *core.Awaiter {
	return c.awaiter
}

// Partition returns the context of a partition that has been
// subscribed at least once.
func (c *Consumer) Partition(partitionID string) (*PartitionContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.partitions[partitionID]
	return pc, ok
}

func (c *Consumer) partition(partitionID string) *PartitionContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.partitions[partitionID]
	if !ok {
		pc = &PartitionContext{
			consumer:  c,
			key:       c.config.CheckpointKey(partitionID),
			logFields: log.Fields{"module": "partition_context", "partition": partitionID},
		}
		c.partitions[partitionID] = pc
	}
	return pc
}

func (c *Consumer) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pc := range c.partitions {
		pc.move(Disconnected)
	}
}

func (c *Consumer) progressed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress++
}

func (c *Consumer) currentProgress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// resolve picks the start of a partition: right after its
// checkpoint or the configured position when it has none.
func (c *Consumer) resolve(ctx context.Context, partitionID string) (core.Position, error) {
	pc := c.partition(partitionID)
	readCtx, cancel := c.checkpointContext(ctx)
	defer cancel()

	checkpoint, err := c.Store.GetCheckpoint(readCtx, pc.key)
	if err != nil && !errors.Is(err, core.ErrCheckpointNotFound) {
		return core.Position{}, core.ConnectionError("read checkpoint", err)
	}
	if err := pc.subscribe(checkpoint); err != nil {
		return core.Position{}, err
	}

	position := c.config.StartingPosition
	if checkpoint != nil {
		position = core.AfterOffset(checkpoint.Offset)
	}
	log.WithFields(c.logFields).WithFields(log.Fields{"partition": partitionID, "position": position.String()}).Info("partition subscribed")
	return position, nil
}

func (c *Consumer) deliver(ctx context.Context, event *core.Event) error {
	pc := c.partition(event.PartitionID)
	if err := pc.begin(event); err != nil {
		return err
	}
	c.Metrics.RecordDelivered(event.PartitionID)
	fields := log.Fields{"partition": event.PartitionID, "offset": event.Offset}

	sw := core.NewStopwatch()
	policy := *c.RetryPolicy
	policy.Retryable = c.handlerRetryable
	err := policy.Execute(ctx, func() error {
		return c.handle(ctx, pc, event)
	}, "handle event %s/%d", event.PartitionID, event.Offset)
	sw.Lap("handled")
	c.Metrics.RecordHandled(event.PartitionID, err)

	if err == nil {
		log.WithFields(c.logFields).WithFields(fields).WithFields(sw.Fields()).Debug("event handled")
		return pc.finish()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.WithFields(c.logFields).WithFields(fields).WithField("err", err).Error("failed to handle event")
	if c.DeadLetter == nil || core.IsKind(err, core.KindCheckpointWrite) {
		pc.move(Disconnected)
		return err
	}
	if perr := c.poison(ctx, pc, event, err); perr != nil {
		log.WithFields(c.logFields).WithFields(fields).WithField("err", perr).Error("failed to poison event")
		pc.move(Disconnected)
		return err
	}
	sw.Lap("poisoned")
	log.WithFields(c.logFields).WithFields(fields).WithFields(sw.Fields()).Warn("event poisoned")
	return pc.finish()
}

func (c *Consumer) handle(ctx context.Context, pc *PartitionContext, event *core.Event) error {
	err := c.Handler.Handle(ctx, pc, event)
	if err == nil || core.KindOf(err) != core.KindUnknown {
		return err
	}
	if errors.Is(err, core.ErrOutOfOrderCheckpoint) || errors.Is(err, core.ErrStaleCheckpoint) || errors.Is(err, ErrIllegalTransition) {
		return err
	}
	return core.HandlerError("handle event", err)
}

// handlerRetryable leaves out checkpoint write failures, those
// already went through the retry policy in writeCheckpoint.
func (c *Consumer) handlerRetryable(err error) bool {
	if core.IsKind(err, core.KindCheckpointWrite) {
		return false
	}
	if c.RetryPolicy.Retryable != nil {
		return c.RetryPolicy.Retryable(err)
	}
	return core.Retryable(err)
}

// poison parks the event and checkpoints past it.
func (c *Consumer) poison(ctx context.Context, pc *PartitionContext, event *core.Event, reason error) error {
	m := core.PoisonMessage{
		Reason:      reason.Error(),
		PartitionID: event.PartitionID,
		Offset:      event.Offset,
		Body:        event.Body,
		Properties:  event.Properties,
	}
	err := c.RetryPolicy.Execute(ctx, func() error {
		return c.DeadLetter.Poison(ctx, m)
	}, "poison event %s/%d", event.PartitionID, event.Offset)
	if err != nil {
		return err
	}
	c.Metrics.RecordPoisoned(event.PartitionID)
	return pc.UpdateCheckpoint(ctx, event)
}

func (c *Consumer) writeCheckpoint(ctx context.Context, checkpoint core.Checkpoint) error {
	writeCtx, cancel := c.checkpointContext(context.WithoutCancel(ctx))
	defer cancel()

	err := c.RetryPolicy.Execute(writeCtx, func() error {
		return c.Store.SetCheckpoint(writeCtx, checkpoint)
	}, "checkpoint %s/%d", checkpoint.PartitionID, checkpoint.Offset)
	c.Metrics.RecordCheckpoint(checkpoint.PartitionID, checkpoint.Offset, err)

	fields := log.Fields{"partition": checkpoint.PartitionID, "offset": checkpoint.Offset}
	if err != nil {
		log.WithFields(c.logFields).WithFields(fields).WithField("err", err).Error("failed to write checkpoint")
		return core.CheckpointError("write checkpoint", err)
	}
	log.WithFields(c.logFields).WithFields(fields).Debug("checkpoint written")
	return nil
}

func (c *Consumer) checkpointContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.CheckpointTimeout > 0 {
		return context.WithTimeout(ctx, c.config.CheckpointTimeout)
	}
	return context.WithCancel(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func NewConsumer(subscriber core.Subscriber, store core.CheckpointStore, handler Handler, config *core.Config) *Consumer {
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = core.DefaultConsumerGroup
	}
	awaiter, awaitNotifier := core.NewAwaiter()
	return &Consumer{
		Subscriber:    subscriber,
		Store:         store,
		Handler:       handler,
		RetryPolicy:   config.RetryPolicy(),
		config:        config,
		partitions:    make(map[string]*PartitionContext),
		awaiter:       awaiter,
		awaitNotifier: awaitNotifier,
		logFields:     log.Fields{"module": "consumer"},
	}
}
