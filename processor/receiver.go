package processor

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
	"fmt"
	"sync"
	"time"

	"github.com/devigned/tab"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	events "github.com/Azure/health-events-go"
	"github.com/Azure/health-events-go/internal/metrics"
	"github.com/Azure/health-events-go/internal/retry"
)

type (
	// partitionReceiver keeps a single partition flowing into the engine. It restarts the underlying listener when it
	// fails and emits idle watermarks while the partition is quiet.
	partitionReceiver struct {
		processor    *Processor
		partitionID  string
		from         Position
		lastOffset   *atomic.String
		lastEnqueued *atomic.Time
		lastActivity *atomic.Time

		mu       sync.Mutex
		listener Listener
		done     func()
	}
)

func newPartitionReceiver(processor *Processor, partitionID string, from Position) *partitionReceiver {
	return &partitionReceiver{
		processor:    processor,
		partitionID:  partitionID,
		from:         from,
		lastOffset:   atomic.NewString(""),
		lastEnqueued: atomic.NewTime(time.Time{}),
		lastActivity: atomic.NewTime(time.Now()),
	}
}

func (pr *partitionReceiver) Run(ctx context.Context) error {
	ctx, span := tab.StartSpan(ctx, "processor.partitionReceiver.Run")
	defer span.End()
	events.ApplyComponentInfo(span)
	span.AddAttributes(tab.StringAttribute("partition", pr.partitionID))

	pr.dlog(ctx, fmt.Sprintf("running from %s...", pr.from))

	runCtx, done := context.WithCancel(pr.processor.runCtx)
	pr.done = done

	listener, err := pr.processor.source.Receive(runCtx, pr.partitionID, pr.from, pr.handle)
	if err != nil {
		done()
		tab.For(ctx).Error(err)
		return err
	}
	pr.setListener(listener)

	pr.processor.wg.Add(2)
	go pr.superviseListener(runCtx)
	go pr.emitIdleWatermarks(runCtx)
	return nil
}

func (pr *partitionReceiver) Close(ctx context.Context) error {
	if pr.done != nil {
		pr.done()
	}

	if listener := pr.getListener(); listener != nil {
		return listener.Close(ctx)
	}
	return nil
}

func (pr *partitionReceiver) handle(ctx context.Context, event *events.Event) error {
	pr.lastActivity.Store(time.Now())

	if err := pr.processor.engine.Consume(ctx, event); err != nil {
		if errors.Cause(err) == events.ErrClosed {
			return err
		}
		log.WithField("partition", pr.partitionID).Errorf("events remain buffered after a failed flush: %v", err)
	}

	if event.Offset != "" {
		pr.lastOffset.Store(event.Offset)
	}
	if event.EnqueuedTime.After(pr.lastEnqueued.Load()) {
		pr.lastEnqueued.Store(event.EnqueuedTime)
	}
	return nil
}

// resumePosition is where a restarted listener picks up. The offset of the last received event is exact. Without one
// the enqueued time is widened by its resolution, since later events may share it.
func (pr *partitionReceiver) resumePosition() Position {
	if offset := pr.lastOffset.Load(); offset != "" {
		return Position{Offset: offset, EnqueuedTime: pr.lastEnqueued.Load()}
	}
	if enqueued := pr.lastEnqueued.Load(); !enqueued.IsZero() {
		return Position{EnqueuedTime: enqueued.Add(-enqueuedTimeResolution)}
	}
	return pr.from
}

// superviseListener restarts the listener from the last received event whenever it stops on its own
func (pr *partitionReceiver) superviseListener(ctx context.Context) {
	defer pr.processor.wg.Done()
	b := retry.NewBackoff(pr.processor.reconnectMin, pr.processor.reconnectMax)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pr.getListener().Done():
		}
		if ctx.Err() != nil {
			return
		}

		pr.dlog(ctx, fmt.Sprintf("receiver stopped: %v", pr.getListener().Err()))
		metrics.ReceiverRestarts.WithLabelValues(pr.partitionID).Inc()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.Duration()):
			}

			from := pr.resumePosition()
			pr.dlog(ctx, fmt.Sprintf("restarting from %s", from))
			listener, err := pr.processor.source.Receive(ctx, pr.partitionID, from, pr.handle)
			if err != nil {
				log.WithField("partition", pr.partitionID).Warnf("failed to restart receiver: %v", err)
				continue
			}
			if ctx.Err() != nil {
				closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				_ = listener.Close(closeCtx)
				cancel()
				return
			}
			pr.setListener(listener)
			b.Reset()
			break
		}
	}
}

// emitIdleWatermarks hands the engine an idle watermark whenever nothing has arrived for the max wait time
func (pr *partitionReceiver) emitIdleWatermarks(ctx context.Context) {
	defer pr.processor.wg.Done()
	maxWait := pr.processor.maxWaitTime
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := maxWait - time.Since(pr.lastActivity.Load())
		if wait <= 0 {
			now := time.Now()
			if err := pr.processor.engine.Consume(ctx, events.NewIdleWatermark(pr.partitionID, now)); err != nil {
				log.WithField("partition", pr.partitionID).Errorf("idle flush failed: %v", err)
			}
			pr.lastActivity.Store(now)
			wait = maxWait
		}
		timer.Reset(wait)
	}
}

func (pr *partitionReceiver) getListener() Listener {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.listener
}

func (pr *partitionReceiver) setListener(listener Listener) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.listener = listener
}

func (pr *partitionReceiver) dlog(ctx context.Context, msg string) {
	tab.For(ctx).Debug(fmt.Sprintf("processor %q, partition %q: %s", pr.processor.name, pr.partitionID, msg))
}
