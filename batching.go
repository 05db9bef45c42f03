package events

//	MIT License
//
//	Copyright (c) Microsoft Corporation. All rights reserved.
//
//	Permission is hereby granted, free of charge, to any person obtaining a copy
//	of this software and associated documentation files (the "Software"), to deal
//	in the Software without restriction, including without limitation the rights
//	to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
//	copies of the Software, and to permit persons to whom the Software is
//	furnished to do so, subject to the following conditions:
//
//	The above copyright notice and this permission notice shall be included in all
//	copies or substantial portions of the Software.
//
//	THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
//	IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
//	FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
//	AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
//	LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
//	OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
//	SOFTWARE

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devigned/tab"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/Azure/health-events-go/internal/metrics"
)

const (
	// DefaultMaxEvents is the number of buffered events which forces a partition to flush
	DefaultMaxEvents = 100
	// DefaultFlushTimespan is the width of a partition's time window
	DefaultFlushTimespan = 300 * time.Second
	// DefaultIdleSafetyMargin is how far ahead of the window end an idle watermark may close the window
	DefaultIdleSafetyMargin = 5 * time.Second

	triggerCount = "count"
	triggerTime  = "time"
	triggerIdle  = "idle"
	triggerDrain = "drain"
)

// ErrClosed is returned when events are handed to a BatchingService after Close
var ErrClosed = errors.New("batching service is closed")

type (
	// CheckpointSetter records the enqueued time of the last event forwarded for a partition
	CheckpointSetter interface {
		SetCheckpoint(partitionID string, lastProcessed time.Time) error
	}

	// BatchingService buffers events per partition and forwards them to a Consumer in ordered batches once a
	// partition reaches its count threshold, overflows its time window, or idles past the end of its window.
	BatchingService struct {
		consumer      Consumer
		checkpointer  CheckpointSetter
		maxEvents     int
		flushTimespan time.Duration
		idleMargin    time.Duration
		now           func() time.Time

		partitions   map[string]*partition
		partitionsMu sync.RWMutex

		closeMu  sync.RWMutex
		closed   bool
		inflight sync.WaitGroup
	}

	// partition serializes every mutation of a single queue
	partition struct {
		mu    sync.Mutex
		queue *windowedQueue
	}

	// BatchingOption provides structure for configuring a BatchingService
	BatchingOption func(b *BatchingService) error
)

// BatchingWithMaxEvents configures the number of buffered events which forces a flush
func BatchingWithMaxEvents(maxEvents int) BatchingOption {
	return func(b *BatchingService) error {
		if maxEvents < 1 {
			return errors.Errorf("max events must be at least 1, got %d", maxEvents)
		}
		b.maxEvents = maxEvents
		return nil
	}
}

// BatchingWithFlushTimespan configures the width of each partition's time window
func BatchingWithFlushTimespan(timespan time.Duration) BatchingOption {
	return func(b *BatchingService) error {
		if timespan <= 0 {
			return errors.Errorf("flush timespan must be positive, got %s", timespan)
		}
		b.flushTimespan = timespan
		return nil
	}
}

// BatchingWithIdleSafetyMargin configures how long before the end of a window an idle watermark is allowed to close
// it
func BatchingWithIdleSafetyMargin(margin time.Duration) BatchingOption {
	return func(b *BatchingService) error {
		if margin < 0 {
			return errors.Errorf("idle safety margin must not be negative, got %s", margin)
		}
		b.idleMargin = margin
		return nil
	}
}

// BatchingWithClock replaces the wall clock used for idle watermarks which do not carry a time
func BatchingWithClock(now func() time.Time) BatchingOption {
	return func(b *BatchingService) error {
		b.now = now
		return nil
	}
}

// NewBatchingService constructs a BatchingService forwarding batches to consumer and recording progress with
// checkpointer
func NewBatchingService(consumer Consumer, checkpointer CheckpointSetter, opts ...BatchingOption) (*BatchingService, error) {
	if consumer == nil {
		return nil, errors.New("consumer must not be nil")
	}
	if checkpointer == nil {
		return nil, errors.New("checkpointer must not be nil")
	}

	b := &BatchingService{
		consumer:      consumer,
		checkpointer:  checkpointer,
		maxEvents:     DefaultMaxEvents,
		flushTimespan: DefaultFlushTimespan,
		idleMargin:    DefaultIdleSafetyMargin,
		now:           time.Now,
		partitions:    make(map[string]*partition),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Consume buffers a stream event, or evaluates an idle watermark, for the event's partition and flushes the
// partition when one of its thresholds is reached. Consume may be called concurrently for different partitions;
// calls for the same partition are serialized.
//
// If the downstream Consumer fails, the batch is put back at the head of the partition's queue, the checkpoint is
// left untouched and the error is returned.
func (b *BatchingService) Consume(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("event must not be nil")
	}
	if event.PartitionID == "" {
		return errors.New("event partition ID must not be empty")
	}

	if !b.track() {
		return ErrClosed
	}
	defer b.inflight.Done()

	if event.IsIdleWatermark() {
		return b.consumeIdleWatermark(ctx, event)
	}
	return b.consumeEvent(ctx, event)
}

// FlushAll forwards every buffered event of every partition regardless of thresholds. It is meant to drain the
// service before shutdown.
func (b *BatchingService) FlushAll(ctx context.Context) error {
	if !b.track() {
		return ErrClosed
	}
	defer b.inflight.Done()

	var errs error
	for _, id := range b.PartitionIDs() {
		p := b.mustPartition(id)
		p.mu.Lock()
		batch := p.queue.FlushCount(p.queue.Count())
		err := b.forward(ctx, p, batch, triggerDrain)
		p.mu.Unlock()
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Close stops the service from accepting events and waits for in-flight flushes to finish or ctx to expire
func (b *BatchingService) Close(ctx context.Context) error {
	b.closeMu.Lock()
	b.closed = true
	b.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight flushes")
	}
}

// PartitionIDs returns the partitions which have a queue, sorted
func (b *BatchingService) PartitionIDs() []string {
	b.partitionsMu.RLock()
	defer b.partitionsMu.RUnlock()

	ids := make([]string, 0, len(b.partitions))
	for id := range b.partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QueueCount returns the number of events buffered for a partition and whether the partition has a queue yet
func (b *BatchingService) QueueCount(partitionID string) (int, bool) {
	p, ok := b.lookup(partitionID)
	if !ok {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Count(), true
}

// WindowEnd returns the end of a partition's current window and whether the partition has a queue yet
func (b *BatchingService) WindowEnd(partitionID string) (time.Time, bool) {
	p, ok := b.lookup(partitionID)
	if !ok {
		return time.Time{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.WindowEnd(), true
}

func (b *BatchingService) consumeIdleWatermark(ctx context.Context, event *Event) error {
	metrics.IdleWatermarks.WithLabelValues(event.PartitionID).Inc()

	p, ok := b.lookup(event.PartitionID)
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := event.EnqueuedTime
	if now.IsZero() {
		now = b.now().UTC()
	}

	windowEnd := p.queue.WindowEnd()
	if now.Before(windowEnd.Add(-b.idleMargin)) {
		return nil
	}

	log.WithFields(log.Fields{
		"partition": event.PartitionID,
		"count":     p.queue.Count(),
	}).Debugf("idle wait reached, flushing events up to %s", windowEnd)
	return b.forward(ctx, p, p.queue.FlushUntil(windowEnd), triggerIdle)
}

func (b *BatchingService) consumeEvent(ctx context.Context, event *Event) error {
	p := b.getOrCreate(event.PartitionID, event.EnqueuedTime)

	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.queue
	q.Enqueue(event)
	metrics.EventsConsumed.WithLabelValues(event.PartitionID).Inc()
	defer func() {
		metrics.QueueDepth.WithLabelValues(event.PartitionID).Set(float64(q.Count()))
	}()

	windowEnd := q.WindowEnd()
	if event.EnqueuedTime.After(windowEnd) {
		log.WithField("partition", event.PartitionID).Debugf("threshold time %s was reached", windowEnd)
		if err := b.forward(ctx, p, q.FlushUntil(windowEnd), triggerTime); err != nil {
			return err
		}
		q.AdvanceWindow(event.EnqueuedTime)
		return nil
	}

	if q.Count() >= b.maxEvents {
		log.WithField("partition", event.PartitionID).Debugf("threshold count %d was reached", b.maxEvents)
		return b.forward(ctx, p, q.FlushCount(b.maxEvents), triggerCount)
	}
	return nil
}

// forward hands a flushed batch downstream and advances the partition's checkpoint. The caller holds p.mu.
func (b *BatchingService) forward(ctx context.Context, p *partition, batch []*Event, trigger string) error {
	if len(batch) == 0 {
		return nil
	}

	partitionID := p.queue.partitionID
	span, ctx := b.startSpanFromContext(ctx, "events.BatchingService.forward")
	defer span.End()
	span.AddAttributes(
		tab.StringAttribute("partition", partitionID),
		tab.StringAttribute("trigger", trigger),
		tab.Int64Attribute("count", int64(len(batch))),
	)

	if err := b.consumer.ConsumeEvents(ctx, batch); err != nil {
		p.queue.Requeue(batch)
		metrics.ForwardErrors.WithLabelValues(partitionID).Inc()
		tab.For(ctx).Error(err)
		return errors.Wrapf(err, "forwarding %d events from partition %q", len(batch), partitionID)
	}

	metrics.BatchesFlushed.WithLabelValues(partitionID, trigger).Inc()
	metrics.BatchSize.WithLabelValues(trigger).Observe(float64(len(batch)))

	last := batch[len(batch)-1]
	if err := b.checkpointer.SetCheckpoint(partitionID, last.EnqueuedTime); err != nil {
		log.WithField("partition", partitionID).Errorf("checkpointing error: %v", err)
	}
	return nil
}

func (b *BatchingService) track() bool {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return false
	}
	b.inflight.Add(1)
	return true
}

func (b *BatchingService) lookup(partitionID string) (*partition, bool) {
	b.partitionsMu.RLock()
	defer b.partitionsMu.RUnlock()
	p, ok := b.partitions[partitionID]
	return p, ok
}

func (b *BatchingService) getOrCreate(partitionID string, windowStart time.Time) *partition {
	if p, ok := b.lookup(partitionID); ok {
		return p
	}

	b.partitionsMu.Lock()
	defer b.partitionsMu.Unlock()
	if p, ok := b.partitions[partitionID]; ok {
		return p
	}
	p := &partition{
		queue: newWindowedQueue(partitionID, windowStart, b.flushTimespan),
	}
	b.partitions[partitionID] = p
	return p
}

func (b *BatchingService) mustPartition(partitionID string) *partition {
	p, ok := b.lookup(partitionID)
	if !ok {
		panic(errors.Errorf("queue with identifier %q does not exist", partitionID))
	}
	return p
}
