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
	"github.com/Shopify/sarama"
)

// partition pins a message to a partition through its metadata.
type partition int32

// partitioner honours pinned messages and hashes the key of
// every other message like the default sarama partitioner.
type partitioner struct {
	hash sarama.Partitioner
}

func (p *partitioner) Partition(message *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if pinned, ok := message.Metadata.(partition); ok {
		if int32(pinned) >= numPartitions {
			return -1, sarama.ErrInvalidPartition
		}
		return int32(pinned), nil
	}
	return p.hash.Partition(message, numPartitions)
}

func (p *partitioner) RequiresConsistency() bool {
	return true
}

func newPartitioner(topic string) sarama.Partitioner {
	return &partitioner{hash: sarama.NewHashPartitioner(topic)}
}
