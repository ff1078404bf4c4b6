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

// SessionObserver is told about every consumer group session, so
// that offsets can be committed through it.
type SessionObserver interface {
	Bind(session sarama.ConsumerGroupSession)
	Unbind(session sarama.ConsumerGroupSession)
}

type offsetLookup interface {
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// groupHandler delivers the claims of one consumer group session.
type groupHandler struct {
	topic     string
	opts      core.ReceiveOptions
	deliver   core.DeliverFunc
	offsets   offsetLookup
	observer  SessionObserver
	mu        sync.Mutex
	err       error
	logFields log.Fields
}

// Setup seeks every claimed partition to the position resolved
// for it, ignoring offsets kept by Kafka itself.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	if h.observer != nil {
		h.observer.Bind(session)
	}
	for _, p := range session.Claims()[h.topic] {
		offset, err := h.startOffset(session.Context(), p)
		if err != nil {
			h.fail(err)
			return err
		}
		if offset >= 0 {
			session.ResetOffset(h.topic, p, offset, "")
		}
		log.WithFields(h.logFields).WithFields(log.Fields{"generationId": session.GenerationID(), "partition": p, "offset": offset}).Info("partition claimed")
	}
	return nil
}

func (h *groupHandler) startOffset(ctx context.Context, p int32) (int64, error) {
	position := core.Latest()
	if h.opts.StartingPosition != nil {
		var err error
		if position, err = h.opts.StartingPosition(ctx, strconv.Itoa(int(p))); err != nil {
			return -1, err
		}
	}

	switch position.Kind {
	case core.PositionOffset:
		return position.FirstOffset(), nil
	case core.PositionEarliest:
		return h.lookup(p, sarama.OffsetOldest)
	}
	return h.lookup(p, sarama.OffsetNewest)
}

func (h *groupHandler) lookup(p int32, time int64) (int64, error) {
	if h.offsets == nil {
		return -1, nil
	}
	offset, err := h.offsets.GetOffset(h.topic, p, time)
	if err != nil {
		return -1, core.ConnectionError("get offset", err)
	}
	return offset, nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	if h.observer != nil {
		h.observer.Unbind(session)
	}
	log.WithFields(h.logFields).WithFields(log.Fields{"generationId": session.GenerationID()}).Info("consumer group handler is cleaned up")
	return nil
}

// ConsumeClaim hands messages to the consumer one at a time.
// Returning from it ends the session for every partition, which
// is how a failed partition gets resubscribed from its checkpoint.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.deliver(session.Context(), toEvent(msg)); err != nil {
				if session.Context().Err() != nil {
					// The session ended under the handler. The event is
					// redelivered from its checkpoint next session.
					log.WithFields(h.logFields).WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset, "err": err}).Info("session ended during delivery")
					return nil
				}
				h.fail(err)
				return err
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func (h *groupHandler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func toEvent(msg *sarama.ConsumerMessage) *core.Event {
	e := &core.Event{
		PartitionID:    strconv.Itoa(int(msg.Partition)),
		Offset:         msg.Offset,
		SequenceNumber: msg.Offset,
		PartitionKey:   string(msg.Key),
		EnqueuedTime:   msg.Timestamp,
		Body:           msg.Value,
	}
	if len(msg.Headers) > 0 {
		e.Properties = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			e.Properties[string(h.Key)] = string(h.Value)
		}
	}
	return e
}

// Subscriber consumes a topic as a member of a consumer group.
type Subscriber struct {
	Group     sarama.ConsumerGroup
	Topic     string
	GroupID   string
	Observer  SessionObserver
	offsets   offsetLookup
	closer    func() error
	logFields log.Fields
}

// Receive runs a single consumer group session. It returns nil
// when the session ends for a rebalance so that the caller can
// subscribe again.
func (s *Subscriber) Receive(ctx context.Context, opts core.ReceiveOptions, deliver core.DeliverFunc) error {
	if opts.ConsumerGroup != "" && opts.ConsumerGroup != s.GroupID {
		return core.ConfigError("receive", errors.Errorf("subscriber is bound to consumer group %s", s.GroupID))
	}
	handler := &groupHandler{
		topic:     s.Topic,
		opts:      opts,
		deliver:   deliver,
		offsets:   s.offsets,
		observer:  s.Observer,
		logFields: log.Fields{"module": "consumer_group_handler"},
	}

	err := s.Group.Consume(ctx, []string{s.Topic}, handler)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if herr := handler.Err(); herr != nil {
		return herr
	}
	if err != nil {
		return core.ConnectionError("consume", err)
	}
	return nil
}

func (s *Subscriber) Close() error {
	err := s.Group.Close()
	if s.closer != nil {
		if cerr := s.closer(); err == nil {
			err = cerr
		}
	}
	return errors.WithStack(err)
}

func NewSubscriber(config Config, observer SessionObserver) (*Subscriber, error) {
	client, err := sarama.NewClient(config.BrokerAddresses, config.saramaConfig())
	if err != nil {
		return nil, core.ConnectionError("connect consumer", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(config.Group, client)
	if err != nil {
		client.Close()
		return nil, core.ConnectionError("join consumer group", err)
	}

	s := newSubscriber(group, client, config)
	s.Observer = observer
	s.closer = client.Close
	// Track errors
	go func() {
		for err := range group.Errors() {
			log.WithFields(s.logFields).WithField("err", err).Info("error in consumer group")
		}
	}()
	return s, nil
}

func newSubscriber(group sarama.ConsumerGroup, offsets offsetLookup, config Config) *Subscriber {
	return &Subscriber{
		Group:     group,
		Topic:     config.Topic,
		GroupID:   config.Group,
		offsets:   offsets,
		logFields: log.Fields{"module": "kafka_subscriber", "topic": config.Topic},
	}
}
