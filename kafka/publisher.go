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
	"net"
	"strconv"

	"evhub/core"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Publisher sends batches with a sarama SyncProducer. A batch goes
// out as one produce call, it is atomic per partition when all
// of its events share a key or a partition id.
type Publisher struct {
	Producer        sarama.SyncProducer
	Topic           string
	MaxMessageBytes int
	logFields       log.Fields
}

func (p *Publisher) NewBatch(opts core.BatchOptions) (*core.Batch, error) {
	if opts.MaxSizeInBytes <= 0 || opts.MaxSizeInBytes > p.MaxMessageBytes {
		opts.MaxSizeInBytes = p.MaxMessageBytes
	}
	if opts.EventOverhead == 0 {
		opts.EventOverhead = RecordOverhead
	}
	return core.NewBatch(opts), nil
}

func (p *Publisher) SendBatch(ctx context.Context, batch *core.Batch) error {
	if err := ctx.Err(); err != nil {
		return core.TransientPublishError("send batch", err)
	}
	messages, err := p.messages(batch)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	err = p.Producer.SendMessages(messages)
	if err != nil {
		return classifyProduceError(err)
	}
	log.WithFields(p.logFields).WithFields(log.Fields{
		"topic":     p.Topic,
		"partition": messages[0].Partition,
		"offset":    messages[0].Offset,
		"events":    len(messages),
	}).Debug("batch produced")
	return nil
}

func (p *Publisher) messages(batch *core.Batch) ([]*sarama.ProducerMessage, error) {
	var pinned interface{}
	if id := batch.PartitionID(); id != "" {
		n, err := strconv.ParseInt(id, 10, 32)
		if err != nil {
			return nil, core.PublishError("send batch", errors.Errorf("invalid partition id %q", id))
		}
		pinned = partition(n)
	}

	messages := make([]*sarama.ProducerMessage, 0, batch.Len())
	for _, e := range batch.Events() {
		m := &sarama.ProducerMessage{
			Topic:    p.Topic,
			Value:    sarama.ByteEncoder(e.Body),
			Metadata: pinned,
		}
		key := e.PartitionKey
		if key == "" {
			key = batch.PartitionKey()
		}
		if key != "" {
			m.Key = sarama.StringEncoder(key)
		}
		for k, v := range e.Properties {
			m.Headers = append(m.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (p *Publisher) Close() error {
	return errors.WithStack(p.Producer.Close())
}

var transientErrors = []error{
	sarama.ErrOutOfBrokers,
	sarama.ErrNotConnected,
	sarama.ErrRequestTimedOut,
	sarama.ErrNotLeaderForPartition,
	sarama.ErrLeaderNotAvailable,
	sarama.ErrNotEnoughReplicas,
	sarama.ErrNotEnoughReplicasAfterAppend,
	sarama.ErrNetworkException,
	sarama.ErrBrokerNotAvailable,
	sarama.ErrThrottlingQuotaExceeded,
}

var connectionErrors = []error{
	sarama.ErrSASLAuthenticationFailed,
	sarama.ErrTopicAuthorizationFailed,
	sarama.ErrClusterAuthorizationFailed,
	sarama.ErrUnknownTopicOrPartition,
}

// classifyProduceError maps sarama failures onto the error kinds.
// A batch fails as a whole with the most severe kind among its
// messages.
func classifyProduceError(err error) error {
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		classified := classify(perrs[0].Err)
		for _, pe := range perrs[1:] {
			c := classify(pe.Err)
			if !core.Retryable(c) || core.IsKind(classified, core.KindTransientPublish) {
				classified = c
			}
		}
		return classified
	}
	return classify(err)
}

func classify(err error) error {
	if errors.Is(err, sarama.ErrMessageSizeTooLarge) {
		return core.CapacityError("send batch", err)
	}
	for _, e := range connectionErrors {
		if errors.Is(err, e) {
			return core.ConnectionError("send batch", err)
		}
	}
	for _, e := range transientErrors {
		if errors.Is(err, e) {
			return core.TransientPublishError("send batch", err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.TransientPublishError("send batch", err)
	}
	return core.PublishError("send batch", err)
}

func NewPublisher(config Config) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(config.BrokerAddresses, config.saramaConfig())
	if err != nil {
		return nil, core.ConnectionError("connect producer", err)
	}
	return newPublisher(producer, config), nil
}

func newPublisher(producer sarama.SyncProducer, config Config) *Publisher {
	return &Publisher{
		Producer:        producer,
		Topic:           config.Topic,
		MaxMessageBytes: config.MaxMessageBytes,
		logFields:       log.Fields{"module": "kafka_publisher", "topic": config.Topic},
	}
}
