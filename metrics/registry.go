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


// Package metrics exposes producer and consumer instrumentation
// in the prometheus format. A nil *Registry is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	StatusSuccess string = "success"
	StatusError   string = "error"
)

type Registry struct {
	registry *prometheus.Registry

	publishTotal     *prometheus.CounterVec
	publishDuration  prometheus.Histogram
	publishBatchSize prometheus.Histogram
	recordsSkipped   prometheus.Counter

	eventsDelivered  *prometheus.CounterVec
	handlerTotal     *prometheus.CounterVec
	checkpointTotal  *prometheus.CounterVec
	checkpointOffset *prometheus.GaugeVec
	eventsPoisoned   *prometheus.CounterVec
	reconnectsTotal  prometheus.Counter
}

func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evhub_producer_publish_total",
				Help: "Total number of batch publish calls",
			},
			[]string{"status"},
		),
		publishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evhub_producer_publish_duration_seconds",
				Help:    "Time spent publishing a batch including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
		publishBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evhub_producer_batch_size",
				Help:    "Number of events in published batches",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		recordsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "evhub_producer_records_skipped_total",
				Help: "Records that exceed the transport limit and were not published",
			},
		),

		eventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evhub_consumer_events_delivered_total",
				Help: "Events delivered to the handler",
			},
			[]string{"partition"},
		),
		handlerTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evhub_consumer_handler_total",
				Help: "Handler invocations after retries",
			},
			[]string{"partition", "status"},
		),
		checkpointTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evhub_consumer_checkpoint_total",
				Help: "Checkpoint writes",
			},
			[]string{"partition", "status"},
		),
		checkpointOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evhub_consumer_checkpoint_offset",
				Help: "Offset of the last checkpoint per partition",
			},
			[]string{"partition"},
		),
		eventsPoisoned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evhub_consumer_events_poisoned_total",
				Help: "Events handed to the dead letter",
			},
			[]string{"partition"},
		),
		reconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "evhub_consumer_reconnects_total",
				Help: "Subscriptions re-established after a transport failure",
			},
		),
	}

	r.registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.publishBatchSize,
		r.recordsSkipped,
		r.eventsDelivered,
		r.handlerTotal,
		r.checkpointTotal,
		r.checkpointOffset,
		r.eventsPoisoned,
		r.reconnectsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

func (r *Registry) RecordPublish(events int, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.publishTotal.WithLabelValues(status(err)).Inc()
	r.publishDuration.Observe(duration.Seconds())
	if err == nil {
		r.publishBatchSize.Observe(float64(events))
	}
}

func (r *Registry) RecordSkipped() {
	if r == nil {
		return
	}
	r.recordsSkipped.Inc()
}

func (r *Registry) RecordDelivered(partitionID string) {
	if r == nil {
		return
	}
	r.eventsDelivered.WithLabelValues(partitionID).Inc()
}

func (r *Registry) RecordHandled(partitionID string, err error) {
	if r == nil {
		return
	}
	r.handlerTotal.WithLabelValues(partitionID, status(err)).Inc()
}

func (r *Registry) RecordCheckpoint(partitionID string, offset int64, err error) {
	if r == nil {
		return
	}
	r.checkpointTotal.WithLabelValues(partitionID, status(err)).Inc()
	if err == nil {
		r.checkpointOffset.WithLabelValues(partitionID).Set(float64(offset))
	}
}

func (r *Registry) RecordPoisoned(partitionID string) {
	if r == nil {
		return
	}
	r.eventsPoisoned.WithLabelValues(partitionID).Inc()
}

func (r *Registry) RecordReconnect() {
	if r == nil {
		return
	}
	r.reconnectsTotal.Inc()
}
