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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	recordingConsumer struct {
		mu      sync.Mutex
		batches [][]*Event
		fail    error
	}

	memoryCheckpoints struct {
		mu          sync.Mutex
		checkpoints map[string]time.Time
		calls       int
	}
)

func (c *recordingConsumer) ConsumeEvents(_ context.Context, events []*Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.batches = append(c.batches, events)
	return nil
}

func (c *recordingConsumer) setFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func (c *recordingConsumer) all(partitionID string) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Event
	for _, batch := range c.batches {
		for _, event := range batch {
			if event.PartitionID == partitionID {
				out = append(out, event)
			}
		}
	}
	return out
}

func (c *recordingConsumer) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (m *memoryCheckpoints) SetCheckpoint(partitionID string, lastProcessed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoints == nil {
		m.checkpoints = make(map[string]time.Time)
	}
	m.checkpoints[partitionID] = lastProcessed
	m.calls++
	return nil
}

func (m *memoryCheckpoints) get(partitionID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.checkpoints[partitionID]
	return t, ok
}

var t0 = time.Date(2020, 11, 3, 8, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...BatchingOption) (*BatchingService, *recordingConsumer, *memoryCheckpoints) {
	consumer := new(recordingConsumer)
	checkpoints := new(memoryCheckpoints)
	svc, err := NewBatchingService(consumer, checkpoints, opts...)
	require.NoError(t, err)
	return svc, consumer, checkpoints
}

func TestNewBatchingService_Validation(t *testing.T) {
	_, err := NewBatchingService(nil, new(memoryCheckpoints))
	assert.Error(t, err)

	_, err = NewBatchingService(new(recordingConsumer), nil)
	assert.Error(t, err)

	_, err = NewBatchingService(new(recordingConsumer), new(memoryCheckpoints), BatchingWithMaxEvents(0))
	assert.Error(t, err)

	_, err = NewBatchingService(new(recordingConsumer), new(memoryCheckpoints), BatchingWithFlushTimespan(0))
	assert.Error(t, err)

	_, err = NewBatchingService(new(recordingConsumer), new(memoryCheckpoints), BatchingWithIdleSafetyMargin(-time.Second))
	assert.Error(t, err)
}

func TestBatchingService_CountThreshold(t *testing.T) {
	svc, consumer, checkpoints := newTestService(t, BatchingWithMaxEvents(2))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Consume(ctx, NewEventFromString("p1", t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("m%d", i))))
	}

	require.Equal(t, 1, consumer.batchCount())
	batch := consumer.batches[0]
	if assert.Len(t, batch, 2) {
		assert.Equal(t, t0, batch[0].EnqueuedTime)
		assert.Equal(t, t0.Add(time.Second), batch[1].EnqueuedTime)
	}

	cp, ok := checkpoints.get("p1")
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), cp)

	count, ok := svc.QueueCount("p1")
	assert.True(t, ok)
	assert.Equal(t, 1, count)

	end, ok := svc.WindowEnd("p1")
	assert.True(t, ok)
	assert.Equal(t, t0.Add(DefaultFlushTimespan), end, "a count flush leaves the window untouched")
}

func TestBatchingService_QueueNeverExceedsMaxEvents(t *testing.T) {
	const maxEvents = 7
	svc, _, _ := newTestService(t, BatchingWithMaxEvents(maxEvents))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0.Add(time.Duration(i)*time.Millisecond), "m")))
		count, _ := svc.QueueCount("0")
		assert.Less(t, count, maxEvents)
	}
}

func TestBatchingService_WindowOverflow(t *testing.T) {
	svc, consumer, checkpoints := newTestService(t, BatchingWithFlushTimespan(300*time.Second))
	ctx := context.Background()

	require.NoError(t, svc.Consume(ctx, NewEventFromString("p2", t0, "a")))
	require.NoError(t, svc.Consume(ctx, NewEventFromString("p2", t0.Add(100*time.Second), "b")))
	require.NoError(t, svc.Consume(ctx, NewEventFromString("p2", t0.Add(300*time.Second), "c")))
	assert.Equal(t, 0, consumer.batchCount(), "an event exactly at the window end stays in the window")

	require.NoError(t, svc.Consume(ctx, NewEventFromString("p2", t0.Add(301*time.Second), "d")))
	require.Equal(t, 1, consumer.batchCount())
	assert.Len(t, consumer.batches[0], 3)

	cp, ok := checkpoints.get("p2")
	assert.True(t, ok)
	assert.Equal(t, t0.Add(300*time.Second), cp)

	count, _ := svc.QueueCount("p2")
	assert.Equal(t, 1, count)

	end, _ := svc.WindowEnd("p2")
	assert.Equal(t, t0.Add(601*time.Second), end, "window slides to start at the overflowing event")
}

func TestBatchingService_WindowOverflowAfterLongGap(t *testing.T) {
	svc, consumer, _ := newTestService(t, BatchingWithFlushTimespan(10*time.Second))
	ctx := context.Background()

	require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0, "a")))
	require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0.Add(time.Hour), "b")))

	events := consumer.all("0")
	if assert.Len(t, events, 1) {
		assert.Equal(t, "a", string(events[0].Data))
	}
	end, _ := svc.WindowEnd("0")
	assert.Equal(t, t0.Add(time.Hour+10*time.Second), end)
}

func TestBatchingService_IdleWatermarkWithoutQueue(t *testing.T) {
	svc, consumer, checkpoints := newTestService(t)

	assert.NoError(t, svc.Consume(context.Background(), NewIdleWatermark("nobody", t0)))
	assert.Equal(t, 0, consumer.batchCount())
	assert.Equal(t, 0, checkpoints.calls)

	_, ok := svc.QueueCount("nobody")
	assert.False(t, ok, "a watermark must not create a queue")
	assert.Empty(t, svc.PartitionIDs())
}

func TestBatchingService_IdleWatermarkSafetyMargin(t *testing.T) {
	svc, consumer, checkpoints := newTestService(t,
		BatchingWithFlushTimespan(300*time.Second),
		BatchingWithIdleSafetyMargin(5*time.Second))
	ctx := context.Background()

	require.NoError(t, svc.Consume(ctx, NewEventFromString("p2", t0, "only")))

	require.NoError(t, svc.Consume(ctx, NewIdleWatermark("p2", t0.Add(294*time.Second))))
	assert.Equal(t, 0, consumer.batchCount())
	_, ok := checkpoints.get("p2")
	assert.False(t, ok)

	require.NoError(t, svc.Consume(ctx, NewIdleWatermark("p2", t0.Add(296*time.Second))))
	require.Equal(t, 1, consumer.batchCount())
	assert.Len(t, consumer.batches[0], 1)

	cp, ok := checkpoints.get("p2")
	assert.True(t, ok)
	assert.Equal(t, t0, cp)

	require.NoError(t, svc.Consume(ctx, NewIdleWatermark("p2", t0.Add(400*time.Second))))
	assert.Equal(t, 1, consumer.batchCount(), "an empty flush forwards nothing")
}

func TestBatchingService_IdleWatermarkAtMarginBoundary(t *testing.T) {
	svc, consumer, _ := newTestService(t,
		BatchingWithFlushTimespan(300*time.Second),
		BatchingWithIdleSafetyMargin(5*time.Second))
	ctx := context.Background()

	require.NoError(t, svc.Consume(ctx, NewEventFromString("p2", t0, "only")))
	require.NoError(t, svc.Consume(ctx, NewIdleWatermark("p2", t0.Add(295*time.Second))))
	assert.Equal(t, 1, consumer.batchCount())
}

func TestBatchingService_IdleWatermarkUsesClockWhenUntimed(t *testing.T) {
	svc, consumer, _ := newTestService(t,
		BatchingWithFlushTimespan(time.Minute),
		BatchingWithClock(func() time.Time { return t0.Add(2 * time.Minute) }))
	ctx := context.Background()

	require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0, "only")))
	watermark := &Event{PartitionID: "0", idle: true}
	require.NoError(t, svc.Consume(ctx, watermark))
	assert.Equal(t, 1, consumer.batchCount())
}

func TestBatchingService_AllEventsForwardedOnceInOrder(t *testing.T) {
	svc, consumer, checkpoints := newTestService(t,
		BatchingWithMaxEvents(5),
		BatchingWithFlushTimespan(10*time.Second),
		BatchingWithIdleSafetyMargin(time.Second))
	ctx := context.Background()

	var sent []*Event
	for i := 0; i < 200; i++ {
		at := t0.Add(time.Duration(i*730) * time.Millisecond)
		event := NewEventFromString("0", at, fmt.Sprintf("%d", i))
		sent = append(sent, event)
		require.NoError(t, svc.Consume(ctx, event))
		if i%17 == 0 {
			require.NoError(t, svc.Consume(ctx, NewIdleWatermark("0", at.Add(3*time.Second))))
		}
	}
	require.NoError(t, svc.FlushAll(ctx))

	received := consumer.all("0")
	require.Len(t, received, len(sent))
	for i := range sent {
		assert.Same(t, sent[i], received[i])
	}

	cp, _ := checkpoints.get("0")
	assert.Equal(t, sent[len(sent)-1].EnqueuedTime, cp)
}

func TestBatchingService_ConcurrentPartitions(t *testing.T) {
	svc, consumer, checkpoints := newTestService(t, BatchingWithMaxEvents(10), BatchingWithFlushTimespan(5*time.Second))
	ctx := context.Background()

	const partitions = 8
	const perPartition = 500
	var wg sync.WaitGroup
	for p := 0; p < partitions; p++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perPartition; i++ {
				event := NewEventFromString(id, t0.Add(time.Duration(i*100)*time.Millisecond), fmt.Sprintf("%d", i))
				assert.NoError(t, svc.Consume(ctx, event))
			}
		}(fmt.Sprintf("%d", p))
	}
	wg.Wait()
	require.NoError(t, svc.FlushAll(ctx))

	for p := 0; p < partitions; p++ {
		id := fmt.Sprintf("%d", p)
		received := consumer.all(id)
		require.Len(t, received, perPartition)
		for i, event := range received {
			assert.Equal(t, fmt.Sprintf("%d", i), string(event.Data))
		}
		cp, ok := checkpoints.get(id)
		assert.True(t, ok)
		assert.Equal(t, received[len(received)-1].EnqueuedTime, cp)
	}
	assert.Len(t, svc.PartitionIDs(), partitions)
}

func TestBatchingService_ConsumerFailureRequeues(t *testing.T) {
	svc, consumer, checkpoints := newTestService(t, BatchingWithMaxEvents(2))
	ctx := context.Background()
	consumer.setFailure(errors.New("downstream unavailable"))

	require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0, "a")))
	err := svc.Consume(ctx, NewEventFromString("0", t0.Add(time.Second), "b"))
	assert.Error(t, err)

	_, ok := checkpoints.get("0")
	assert.False(t, ok, "failed batches must not be checkpointed")
	count, _ := svc.QueueCount("0")
	assert.Equal(t, 2, count)

	consumer.setFailure(nil)
	require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0.Add(2*time.Second), "c")))

	received := consumer.all("0")
	if assert.Len(t, received, 2) {
		assert.Equal(t, "a", string(received[0].Data))
		assert.Equal(t, "b", string(received[1].Data))
	}
	cp, _ := checkpoints.get("0")
	assert.Equal(t, t0.Add(time.Second), cp)
}

func TestBatchingService_ConsumerFailureKeepsWindow(t *testing.T) {
	svc, consumer, _ := newTestService(t, BatchingWithFlushTimespan(10*time.Second))
	ctx := context.Background()
	consumer.setFailure(errors.New("downstream unavailable"))

	require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0, "a")))
	assert.Error(t, svc.Consume(ctx, NewEventFromString("0", t0.Add(11*time.Second), "b")))
	end, _ := svc.WindowEnd("0")
	assert.Equal(t, t0.Add(10*time.Second), end)

	consumer.setFailure(nil)
	require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0.Add(12*time.Second), "c")))
	received := consumer.all("0")
	if assert.Len(t, received, 1) {
		assert.Equal(t, "a", string(received[0].Data))
	}
	end, _ = svc.WindowEnd("0")
	assert.Equal(t, t0.Add(22*time.Second), end)
}

func TestBatchingService_Close(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Consume(ctx, NewEventFromString("0", t0, "a")))
	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, ErrClosed, svc.Consume(ctx, NewEventFromString("0", t0, "b")))
	assert.Equal(t, ErrClosed, svc.FlushAll(ctx))
}

func TestBatchingService_RejectsInvalidEvents(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.Error(t, svc.Consume(context.Background(), nil))
	assert.Error(t, svc.Consume(context.Background(), NewEventFromString("", t0, "a")))
}

func TestBatchingService_UnknownPartitionPanics(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.Panics(t, func() {
		svc.mustPartition("missing")
	})
}
