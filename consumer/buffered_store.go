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

	log "github.com/sirupsen/logrus"
)

const DefaultCheckpointInterval time.Duration = time.Second * 15
const WriteReasonBufferFull string = "buffer-full"
const WriteReasonIdleTimeout string = "idle-timeout"
const WriteReasonShutdown string = "shutdown"

type pendingCheckpoint struct {
	checkpoint core.Checkpoint
	observed   int
}

// BufferedStore writes a partition's checkpoint to the underlying
// store once every BatchSize updates, or when no write happened
// for Interval. A restart reprocesses at most BatchSize-1 events
// per partition.
type BufferedStore struct {
	Store         core.CheckpointStore
	BatchSize     int
	Interval      time.Duration
	Timeout       time.Duration
	mu            sync.Mutex
	pending       map[core.CheckpointKey]*pendingCheckpoint
	lastWrite     map[core.CheckpointKey]time.Time
	after         <-chan time.Time
	now           func() time.Time
	awaiter       *core.Awaiter
	awaitNotifier *core.AwaitNotifier
	logFields     log.Fields
}

// GetCheckpoint prefers a buffered checkpoint over the stored one.
func (s *BufferedStore) GetCheckpoint(ctx context.Context, key core.CheckpointKey) (*core.Checkpoint, error) {
	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		c := p.checkpoint
		s.mu.Unlock()
		return &c, nil
	}
	s.mu.Unlock()
	return s.Store.GetCheckpoint(ctx, key)
}

func (s *BufferedStore) SetCheckpoint(ctx context.Context, checkpoint core.Checkpoint) error {
	s.mu.Lock()
	p, ok := s.pending[checkpoint.CheckpointKey]
	if !ok {
		p = &pendingCheckpoint{}
		s.pending[checkpoint.CheckpointKey] = p
	}
	if _, ok := s.lastWrite[checkpoint.CheckpointKey]; !ok {
		s.lastWrite[checkpoint.CheckpointKey] = s.now()
	}
	p.observed++
	// Keep the later checkpoint if updates race.
	if checkpoint.Offset >= p.checkpoint.Offset || p.observed == 1 {
		p.checkpoint = checkpoint
	}
	if p.observed < s.BatchSize {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.write(ctx, checkpoint.CheckpointKey, WriteReasonBufferFull)
}

// Start flushes idle partitions in the background until ctx is
// done. Everything still buffered is written before the awaiter
// is signaled.
func (s *BufferedStore) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case now := <-s.after:
				s.flushIdle(ctx, now)
			case <-ctx.Done():
				s.awaitNotifier.Notify(s.flush(context.WithoutCancel(ctx), WriteReasonShutdown))
				return
			}
		}
	}()
}

func (s *BufferedStore) Awaiter() *core.Awaiter {
	return s.awaiter
}

func (s *BufferedStore) flushIdle(ctx context.Context, now time.Time) {
	for _, key := range s.idleKeys(now) {
		if err := s.write(ctx, key, WriteReasonIdleTimeout); err != nil {
			log.WithFields(s.logFields).WithFields(log.Fields{"partition": key.PartitionID, "err": err}).Info("idle checkpoint write failed")
		}
	}
}

func (s *BufferedStore) idleKeys(now time.Time) []core.CheckpointKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []core.CheckpointKey{}
	for key := range s.pending {
		if now.Sub(s.lastWrite[key]) >= s.Interval {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *BufferedStore) flush(ctx context.Context, reason string) error {
	s.mu.Lock()
	keys := make([]core.CheckpointKey, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var first error
	for _, key := range keys {
		if err := s.write(ctx, key, reason); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// write stores the buffered checkpoint of key. A failed write
// leaves it buffered.
func (s *BufferedStore) write(ctx context.Context, key core.CheckpointKey, reason string) error {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	checkpoint, observed := p.checkpoint, p.observed
	s.mu.Unlock()

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if err := s.Store.SetCheckpoint(ctx, checkpoint); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[key]; ok && p.checkpoint.Offset <= checkpoint.Offset {
		delete(s.pending, key)
	}
	s.lastWrite[key] = s.now()
	log.WithFields(s.logFields).WithFields(log.Fields{
		"partition":  key.PartitionID,
		"offset":     checkpoint.Offset,
		"reason":     reason,
		"bufferSize": observed,
	}).Info("checkpoint written")
	return nil
}

func NewBufferedStore(store core.CheckpointStore, batchSize int, interval time.Duration, now func() time.Time, after <-chan time.Time) *BufferedStore {
	if batchSize <= 0 {
		batchSize = 1
	}
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	awaiter, awaitNotifier := core.NewAwaiter()
	return &BufferedStore{
		Store:         store,
		BatchSize:     batchSize,
		Interval:      interval,
		pending:       make(map[core.CheckpointKey]*pendingCheckpoint),
		lastWrite:     make(map[core.CheckpointKey]time.Time),
		after:         after,
		now:           now,
		awaiter:       awaiter,
		awaitNotifier: awaitNotifier,
		logFields:     log.Fields{"module": "buffered_checkpoint_store"},
	}
}
