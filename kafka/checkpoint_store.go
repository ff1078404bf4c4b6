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
	"strconv"
	"sync"

	"evhub/core"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type offsetFetcher interface {
	ListConsumerGroupOffsets(group string, topicPartitions map[string][]int32) (*sarama.OffsetFetchResponse, error)
}

// CheckpointStore keeps checkpoints as committed consumer group
// offsets. Reads go through the cluster admin, writes through the
// live consumer group session and therefore only succeed for
// partitions claimed by it.
type CheckpointStore struct {
	Admin     offsetFetcher
	Topic     string
	mu        sync.Mutex
	session   sarama.ConsumerGroupSession
	closer    func() error
	logFields log.Fields
}

func (s *CheckpointStore) Bind(session sarama.ConsumerGroupSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

func (s *CheckpointStore) Unbind(session sarama.ConsumerGroupSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == session {
		s.session = nil
	}
}

// GetCheckpoint reports the committed offset minus one since Kafka
// commits the next offset to read.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, key core.CheckpointKey) (*core.Checkpoint, error) {
	p, err := partitionNumber(key.PartitionID)
	if err != nil {
		return nil, err
	}
	resp, err := s.Admin.ListConsumerGroupOffsets(key.ConsumerGroup, map[string][]int32{s.Topic: {p}})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.Err != sarama.ErrNoError {
		return nil, errors.WithStack(resp.Err)
	}
	block := resp.GetBlock(s.Topic, p)
	if block == nil || block.Offset < 0 {
		return nil, core.ErrCheckpointNotFound
	}
	if block.Err != sarama.ErrNoError {
		return nil, errors.WithStack(block.Err)
	}
	return &core.Checkpoint{
		CheckpointKey:  key,
		Offset:         block.Offset - 1,
		SequenceNumber: block.Offset - 1,
	}, nil
}

func (s *CheckpointStore) SetCheckpoint(ctx context.Context, checkpoint core.Checkpoint) error {
	p, err := partitionNumber(checkpoint.PartitionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil || !claims(session, s.Topic, p) {
		return errors.Wrapf(core.ErrPartitionNotOwned, "partition %s", checkpoint.PartitionID)
	}

	session.MarkOffset(s.Topic, p, checkpoint.Offset+1, "")
	session.Commit()
	log.WithFields(s.logFields).WithFields(log.Fields{"partition": p, "offset": checkpoint.Offset}).Debug("offset committed")
	return nil
}

func (s *CheckpointStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return errors.WithStack(s.closer())
}

func claims(session sarama.ConsumerGroupSession, topic string, p int32) bool {
	for _, c := range session.Claims()[topic] {
		if c == p {
			return true
		}
	}
	return false
}

func partitionNumber(id string) (int32, error) {
	n, err := strconv.ParseInt(id, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid partition id %q", id)
	}
	return int32(n), nil
}

func NewCheckpointStore(config Config) (*CheckpointStore, error) {
	admin, err := sarama.NewClusterAdmin(config.BrokerAddresses, config.saramaConfig())
	if err != nil {
		return nil, core.ConnectionError("connect cluster admin", err)
	}
	s := newCheckpointStore(admin, config)
	s.closer = admin.Close
	return s, nil
}

func newCheckpointStore(admin offsetFetcher, config Config) *CheckpointStore {
	return &CheckpointStore{
		Admin:     admin,
		Topic:     config.Topic,
		logFields: log.Fields{"module": "kafka_checkpoint_store", "topic": config.Topic},
	}
}
