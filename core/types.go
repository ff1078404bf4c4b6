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
	"time"
)

const DefaultConsumerGroup string = "$Default"
const PropertyMessageID string = "message-id"

// EventData is a single serialized record on its way
// to the service.
type EventData struct {
	Body         []byte
	PartitionKey string
	Properties   map[string]string
}

// Size is the number of bytes the event contributes to
// a batch before any transport overhead.
func (e *EventData) Size() int {
	n := len(e.Body) + len(e.PartitionKey)
	for k, v := range e.Properties {
		n += len(k) + len(v)
	}
	return n
}

// Event is the read-only view of a record delivered to a
// consumer along with its transport metadata.
type Event struct {
	PartitionID    string            `json:"partitionId"`
	Offset         int64             `json:"offset"`
	SequenceNumber int64             `json:"sequenceNumber"`
	PartitionKey   string            `json:"partitionKey,omitempty"`
	EnqueuedTime   time.Time         `json:"enqueuedTime"`
	Properties     map[string]string `json:"properties,omitempty"`
	Body           []byte            `json:"body"`
}

//go:generate mockgen -destination=../mocks/mock_core.go -package=mocks evhub/core CheckpointStore,DeadLetter,Publisher,Subscriber

// Publisher is the common interface used to send batches to
// an underlaying broker. A SendBatch call either fully succeeds
// or fails.
type Publisher interface {
	NewBatch(opts BatchOptions) (*Batch, error)
	SendBatch(ctx context.Context, batch *Batch) error
	Close() error
}

// DeliverFunc receives one event. Subscribers must not invoke it
// again for the same partition until the previous call returns.
type DeliverFunc func(ctx context.Context, event *Event) error

// PositionResolver returns the position a partition should be
// read from when a subscription (re)starts.
type PositionResolver func(ctx context.Context, partitionID string) (Position, error)

// ReceiveOptions describe a subscription.
type ReceiveOptions struct {
	ConsumerGroup    string
	StartingPosition PositionResolver
}

// Subscriber is the interface used to receive events from an
// underlaying broker.
//
// Receive blocks until the context is cancelled or the transport
// fails. Events of a single partition are handed to the DeliverFunc
// one at a time in log order, events of different partitions may
// be delivered concurrently. When the DeliverFunc returns an error
// delivery stops for that partition only.
type Subscriber interface {
	Receive(ctx context.Context, opts ReceiveOptions, deliver DeliverFunc) error
	Close() error
}

// CheckpointKey identifies the checkpoint of one partition
// within a consumer group.
type CheckpointKey struct {
	Namespace     string `json:"namespace"`
	EntityPath    string `json:"entityPath"`
	ConsumerGroup string `json:"consumerGroup"`
	PartitionID   string `json:"partitionId"`
}

// Checkpoint marks the last successfully processed event of
// a partition.
type Checkpoint struct {
	CheckpointKey
	Offset         int64     `json:"offset"`
	SequenceNumber int64     `json:"sequenceNumber"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CheckpointStore persists checkpoints outside of the process.
// GetCheckpoint returns ErrCheckpointNotFound when a partition
// has never been checkpointed.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, key CheckpointKey) (*Checkpoint, error)
	SetCheckpoint(ctx context.Context, checkpoint Checkpoint) error
}

// PoisonMessage is a record or an event that could not be
// handled and has to be parked.
type PoisonMessage struct {
	Reason      string
	PartitionID string
	Offset      int64
	Body        []byte
	Properties  map[string]string
}

// DeadLetter parks messages that cannot make progress.
type DeadLetter interface {
	Poison(ctx context.Context, message PoisonMessage) error
}

// Runner is implemented by long running components that are
// started in the background and awaited by the CLI.
type Runner interface {
	Start(context.Context)
	Awaiter() *Awaiter
}

// Config of common knobs.
type Config struct {
	ConnectionString  ConnectionString
	ConsumerGroup     string
	StartingPosition  Position
	RetryCount        int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	CheckpointTimeout time.Duration
	MaxBatchBytes     int
	EnableVerboseLog  bool
}

// RetryPolicy builds the policy described by the config.
func (c *Config) RetryPolicy() *RetryPolicy {
	p := NewRetryPolicy(c.RetryCount, c.RetryDelay)
	if c.RetryMaxDelay != 0 {
		p.MaxDelay = c.RetryMaxDelay
	}
	return p
}

// CheckpointKey returns the key of a partition of the configured
// entity and consumer group.
func (c *Config) CheckpointKey(partitionID string) CheckpointKey {
	return CheckpointKey{
		Namespace:     c.ConnectionString.Namespace(),
		EntityPath:    c.ConnectionString.EntityPath,
		ConsumerGroup: c.ConsumerGroup,
		PartitionID:   partitionID,
	}
}
