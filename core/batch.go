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

// BatchOptions controls where a batch is sent and how large
// it may grow.
type BatchOptions struct {
	// MaxSizeInBytes is the upper bound of the serialized batch.
	MaxSizeInBytes int
	// EventOverhead is the number of bytes the transport adds
	// for each event in the batch.
	EventOverhead int
	PartitionID   string
	PartitionKey  string
}

// Batch is an ordered, size bounded set of events published
// with a single call. Batch is not safe for concurrent use.
type Batch struct {
	opts   BatchOptions
	events []*EventData
	size   int
}

// Add appends the event unless doing so would exceed the size
// bound, in which case ErrBatchFull is returned and the batch
// is left unchanged.
func (b *Batch) Add(e *EventData) error {
	n := e.Size() + b.opts.EventOverhead
	if b.size+n > b.opts.MaxSizeInBytes {
		return ErrBatchFull
	}
	b.events = append(b.events, e)
	b.size += n
	return nil
}

// CanHold reports whether the event fits into an empty batch
// with the same options.
func (b *Batch) CanHold(e *EventData) bool {
	return e.Size()+b.opts.EventOverhead <= b.opts.MaxSizeInBytes
}

func (b *Batch) Events() []*EventData {
	return b.events
}

func (b *Batch) Len() int {
	return len(b.events)
}

// Size of the batch in bytes including per event overhead.
func (b *Batch) Size() int {
	return b.size
}

func (b *Batch) MaxSize() int {
	return b.opts.MaxSizeInBytes
}

func (b *Batch) PartitionID() string {
	return b.opts.PartitionID
}

func (b *Batch) PartitionKey() string {
	return b.opts.PartitionKey
}

func NewBatch(opts BatchOptions) *Batch {
	return &Batch{opts: opts}
}
