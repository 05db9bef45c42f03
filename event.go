// Package events buffers partitioned stream events into bounded batches and forwards them downstream.
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
	// Event is a single unit of stream data received from a partition
	Event struct {
		PartitionID    string
		EnqueuedTime   time.Time
		Data           []byte
		Properties     map[string]interface{}
		SequenceNumber int64
		Offset         string
		idle           bool
	}
)

// NewEvent builds an Event for a partition from a slice of data
func NewEvent(partitionID string, enqueuedTime time.Time, data []byte) *Event {
	return &Event{
		PartitionID:  partitionID,
		EnqueuedTime: enqueuedTime.UTC(),
		Data:         data,
	}
}

// NewEventFromString builds an Event for a partition from a string message
func NewEventFromString(partitionID string, enqueuedTime time.Time, message string) *Event {
	return NewEvent(partitionID, enqueuedTime, []byte(message))
}

// NewIdleWatermark builds a payload-less signal stating that no data has arrived on the partition for a while. The
// EnqueuedTime of a watermark is the wall clock time it was produced at.
func NewIdleWatermark(partitionID string, now time.Time) *Event {
	return &Event{
		PartitionID:  partitionID,
		EnqueuedTime: now.UTC(),
		idle:         true,
	}
}

// IsIdleWatermark reports whether the event is an idle watermark rather than stream data
func (e *Event) IsIdleWatermark() bool {
	return e.idle
}
