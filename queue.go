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
	"time"
)

type (
	// windowedQueue buffers the pending events of a single partition along with the time window they accumulate in.
	//
	// A windowedQueue is not safe for concurrent use; the BatchingService serializes access per partition.
	windowedQueue struct {
		partitionID    string
		events         []*Event
		windowStart    time.Time
		windowDuration time.Duration
	}
)

func newWindowedQueue(partitionID string, windowStart time.Time, windowDuration time.Duration) *windowedQueue {
	return &windowedQueue{
		partitionID:    partitionID,
		windowStart:    windowStart.UTC(),
		windowDuration: windowDuration,
	}
}

// Enqueue appends an event to the tail of the queue
func (q *windowedQueue) Enqueue(event *Event) {
	q.events = append(q.events, event)
}

// WindowEnd returns the time at which the current window closes
func (q *windowedQueue) WindowEnd() time.Time {
	return q.windowStart.Add(q.windowDuration)
}

// Count returns the number of buffered events
func (q *windowedQueue) Count() int {
	return len(q.events)
}

// FlushUntil removes and returns, in arrival order, every buffered event enqueued at or before cutoff
func (q *windowedQueue) FlushUntil(cutoff time.Time) []*Event {
	n := 0
	for n < len(q.events) && !q.events[n].EnqueuedTime.After(cutoff) {
		n++
	}
	return q.take(n)
}

// FlushCount removes and returns the n oldest buffered events
func (q *windowedQueue) FlushCount(n int) []*Event {
	if n > len(q.events) {
		n = len(q.events)
	}
	return q.take(n)
}

// AdvanceWindow slides the window to begin at start. The window never moves backward.
func (q *windowedQueue) AdvanceWindow(start time.Time) {
	if start.After(q.windowStart) {
		q.windowStart = start.UTC()
	}
}

// Requeue puts a batch which could not be forwarded back at the head of the queue, ahead of anything enqueued since
func (q *windowedQueue) Requeue(batch []*Event) {
	if len(batch) == 0 {
		return
	}
	events := make([]*Event, 0, len(batch)+len(q.events))
	events = append(events, batch...)
	q.events = append(events, q.events...)
}

func (q *windowedQueue) take(n int) []*Event {
	if n <= 0 {
		return nil
	}
	batch := make([]*Event, n)
	copy(batch, q.events[:n])

	// shift rather than reslice so the backing array does not pin flushed events
	remaining := copy(q.events, q.events[n:])
	for i := remaining; i < len(q.events); i++ {
		q.events[i] = nil
	}
	q.events = q.events[:remaining]
	return batch
}
