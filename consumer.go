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
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/devigned/tab"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrNoConsumers is returned for batches handed to a ConsumerService with nothing registered, so they are not
// checkpointed as delivered
var ErrNoConsumers = errors.New("no consumers registered")

type (
	// Consumer receives the ordered, non-empty batches flushed from a partition. A returned error leaves the batch
	// un-checkpointed so it is forwarded again on the next flush of that partition.
	Consumer interface {
		ConsumeEvents(ctx context.Context, events []*Event) error
	}

	// ConsumerFunc is a function type that implements Consumer
	ConsumerFunc func(ctx context.Context, events []*Event) error

	// ConsumerService hands every batch to each of its consumers concurrently
	ConsumerService struct {
		consumers []Consumer
	}

	// Printer is a Consumer which writes each event as a line of JSON, useful when debugging a pipeline
	Printer struct {
		mu  sync.Mutex
		enc *json.Encoder
	}

	printedEvent struct {
		PartitionID    string    `json:"partitionId"`
		EnqueuedTime   time.Time `json:"enqueuedTime"`
		SequenceNumber int64     `json:"sequenceNumber,omitempty"`
		Offset         string    `json:"offset,omitempty"`
		Body           string    `json:"body"`
	}
)

// ConsumeEvents calls f(ctx, events)
func (f ConsumerFunc) ConsumeEvents(ctx context.Context, events []*Event) error {
	return f(ctx, events)
}

// NewConsumerService builds a ConsumerService fanning batches out to the given consumers
func NewConsumerService(consumers ...Consumer) *ConsumerService {
	return &ConsumerService{
		consumers: consumers,
	}
}

// Add registers another consumer. It must not be called once batches are flowing.
func (s *ConsumerService) Add(consumer Consumer) {
	s.consumers = append(s.consumers, consumer)
}

// Len is the number of registered consumers
func (s *ConsumerService) Len() int {
	return len(s.consumers)
}

// ConsumeEvents forwards the batch to all consumers and waits for them. The batch fails if any consumer fails.
func (s *ConsumerService) ConsumeEvents(ctx context.Context, events []*Event) error {
	if len(s.consumers) == 0 {
		return ErrNoConsumers
	}

	span, ctx := s.startSpanFromContext(ctx, "events.ConsumerService.ConsumeEvents")
	defer span.End()
	span.AddAttributes(tab.Int64Attribute("count", int64(len(events))))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, consumer := range s.consumers {
		wg.Add(1)
		go func(c Consumer) {
			defer wg.Done()
			if err := c.ConsumeEvents(ctx, events); err != nil {
				tab.For(ctx).Error(err)
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(consumer)
	}
	wg.Wait()
	return errs
}

// NewPrinter builds a Printer writing to w
func NewPrinter(w io.Writer) *Printer {
	return &Printer{
		enc: json.NewEncoder(w),
	}
}

// ConsumeEvents writes the batch to the underlying writer
func (p *Printer) ConsumeEvents(_ context.Context, events []*Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, event := range events {
		err := p.enc.Encode(printedEvent{
			PartitionID:    event.PartitionID,
			EnqueuedTime:   event.EnqueuedTime,
			SequenceNumber: event.SequenceNumber,
			Offset:         event.Offset,
			Body:           string(event.Data),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
