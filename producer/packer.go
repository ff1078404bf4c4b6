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

package producer

import (
	"context"
	"time"

	"evhub/core"
	"evhub/metrics"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Result summarises a Send call.
type Result struct {
	Batches int
	Sent    int
	Skipped int
}

// Packer publishes records with the fewest batches the size
// bound allows, preserving their relative order.
type Packer struct {
	Publisher      core.Publisher
	BatchOptions   core.BatchOptions
	RetryPolicy    *core.RetryPolicy
	PublishTimeout time.Duration
	// DeadLetter receives records that exceed the size bound
	// of an empty batch. Optional.
	DeadLetter core.DeadLetter
	Metrics    *metrics.Registry
	logFields  log.Fields
}

// Send packs records into batches and publishes them in order.
// Records that cannot fit into an empty batch are skipped without
// flushing the open batch and counted in the result. Any publish
// failure that survives the retry policy aborts the call and is
// returned along with the progress made so far.
func (p *Packer) Send(ctx context.Context, records []*core.EventData) (Result, error) {
	var result Result
	batch, err := p.newBatch()
	if err != nil {
		return result, err
	}

	for i, r := range records {
		if !batch.CanHold(r) {
			p.skip(ctx, i, r, batch.MaxSize(), &result)
			continue
		}
		err := batch.Add(r)
		if err == nil {
			continue
		}
		if !errors.Is(err, core.ErrBatchFull) {
			return result, err
		}

		if err := p.publish(ctx, batch, &result); err != nil {
			return result, err
		}
		if batch, err = p.newBatch(); err != nil {
			return result, err
		}
		if err := batch.Add(r); err != nil {
			return result, err
		}
	}

	if batch.Len() > 0 {
		if err := p.publish(ctx, batch, &result); err != nil {
			return result, err
		}
	}
	log.WithFields(p.logFields).WithFields(log.Fields{"batches": result.Batches, "sent": result.Sent, "skipped": result.Skipped}).Info("records sent")
	return result, nil
}

// SendOrders encodes orders as events and sends them.
func (p *Packer) SendOrders(ctx context.Context, orders []core.Order, partitionKey string) (Result, error) {
	records := make([]*core.EventData, 0, len(orders))
	for _, o := range orders {
		r, err := core.EncodeOrder(o, partitionKey)
		if err != nil {
			return Result{}, core.ConfigError("encode order "+o.OrderID, err)
		}
		records = append(records, r)
	}
	return p.Send(ctx, records)
}

func (p *Packer) newBatch() (*core.Batch, error) {
	b, err := p.Publisher.NewBatch(p.BatchOptions)
	if err != nil {
		return nil, core.ConnectionError("create batch", err)
	}
	return b, nil
}

func (p *Packer) publish(ctx context.Context, batch *core.Batch, result *Result) error {
	sw := core.NewStopwatch()
	err := p.RetryPolicy.Execute(ctx, func() error {
		return p.sendBatch(ctx, batch)
	}, "send batch %d", result.Batches+1)
	sw.Lap("sent")
	p.Metrics.RecordPublish(batch.Len(), sw.Total(), err)

	fields := log.Fields{"events": batch.Len(), "bytes": batch.Size()}
	if err != nil {
		log.WithFields(p.logFields).WithFields(fields).WithField("err", err).Error("failed to send batch")
		if core.KindOf(err) == core.KindUnknown {
			err = core.PublishError("send batch", err)
		}
		return err
	}

	result.Batches++
	result.Sent += batch.Len()
	log.WithFields(p.logFields).WithFields(fields).WithFields(sw.Fields()).Info("batch sent")
	return nil
}

func (p *Packer) sendBatch(ctx context.Context, batch *core.Batch) error {
	sendCtx := ctx
	if p.PublishTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.PublishTimeout)
		defer cancel()
	}
	err := p.Publisher.SendBatch(sendCtx, batch)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return core.TransientPublishError("send batch", err)
	}
	return err
}

func (p *Packer) skip(ctx context.Context, index int, r *core.EventData, maxSize int, result *Result) {
	err := core.CapacityError("add record", errors.Errorf("record %d of %d bytes exceeds the batch limit of %d bytes", index, r.Size(), maxSize))
	result.Skipped++
	p.Metrics.RecordSkipped()
	log.WithFields(p.logFields).WithFields(log.Fields{"index": index, "size": r.Size(), "err": err}).Warn("skipping record")

	if p.DeadLetter == nil {
		return
	}
	m := core.PoisonMessage{
		Reason:     err.Error(),
		Body:       r.Body,
		Properties: r.Properties,
	}
	if e := p.DeadLetter.Poison(ctx, m); e != nil {
		log.WithFields(p.logFields).WithFields(log.Fields{"index": index, "err": e}).Error("failed to poison record")
	}
}

// publishRetryable only repeats failures the transport marked as
// transient or connection related.
func publishRetryable(err error) bool {
	switch core.KindOf(err) {
	case core.KindTransientPublish, core.KindConnection:
		return true
	}
	return false
}

func NewPacker(publisher core.Publisher, config *core.Config, partitionKey string) *Packer {
	policy := config.RetryPolicy()
	policy.Retryable = publishRetryable
	return &Packer{
		Publisher: publisher,
		BatchOptions: core.BatchOptions{
			MaxSizeInBytes: config.MaxBatchBytes,
			PartitionKey:   partitionKey,
		},
		RetryPolicy:    policy,
		PublishTimeout: config.PublishTimeout,
		logFields:      log.Fields{"module": "batch_packer"},
	}
}
