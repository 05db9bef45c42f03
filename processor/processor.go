// Package processor reads every partition of an upstream Source, resuming each from its durable checkpoint, and
// feeds the events and idle watermarks into the batching engine.
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
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Azure/azure-amqp-common-go/v3/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	events "github.com/Azure/health-events-go"
	"github.com/Azure/health-events-go/checkpoint"
	"github.com/Azure/health-events-go/internal/retry"
)

const (
	// DefaultMaxWaitTime is how long a partition may go without events before an idle watermark is emitted
	DefaultMaxWaitTime = 60 * time.Second

	defaultStartupAttempts = 5
	defaultReconnectMin    = time.Second
	defaultReconnectMax    = time.Minute
	closeTimeout           = 10 * time.Second

	// enqueuedTimeResolution is the precision of enqueued times in checkpoints and receive filters
	enqueuedTimeResolution = time.Millisecond

	exitPrompt = "=> processing events, ctrl+c to exit"
)

type (
	// Engine is the batching engine events are delivered to
	Engine interface {
		Consume(ctx context.Context, event *events.Event) error
		FlushAll(ctx context.Context) error
		Close(ctx context.Context) error
	}

	// CheckpointStore provides the durable positions partitions resume from
	CheckpointStore interface {
		ListCheckpoints(ctx context.Context) ([]checkpoint.Checkpoint, error)
		Close(ctx context.Context) error
	}

	// Processor runs a receiver per partition of a Source and delivers what they receive to an Engine
	Processor struct {
		name            string
		source          Source
		engine          Engine
		checkpoints     CheckpointStore
		maxWaitTime     time.Duration
		startupAttempts int
		reconnectMin    time.Duration
		reconnectMax    time.Duration

		mu        sync.Mutex
		receivers map[string]*partitionReceiver
		started   bool
		closed    bool
		runCtx    context.Context
		cancel    context.CancelFunc
		wg        sync.WaitGroup
	}

	// ProcessorOption provides configuration options for a Processor
	ProcessorOption func(p *Processor) error
)

// ProcessorWithMaxWaitTime configures how long a partition may idle before an idle watermark is emitted for it
func ProcessorWithMaxWaitTime(maxWaitTime time.Duration) ProcessorOption {
	return func(p *Processor) error {
		if maxWaitTime <= 0 {
			return errors.Errorf("max wait time must be positive, got %s", maxWaitTime)
		}
		p.maxWaitTime = maxWaitTime
		return nil
	}
}

// ProcessorWithReconnectBackoff configures the delays between attempts to restart a failed partition receiver
func ProcessorWithReconnectBackoff(min, max time.Duration) ProcessorOption {
	return func(p *Processor) error {
		if min <= 0 || max < min {
			return errors.Errorf("invalid reconnect backoff [%s, %s]", min, max)
		}
		p.reconnectMin = min
		p.reconnectMax = max
		return nil
	}
}

// ProcessorWithStartupAttempts configures how many times reading partitions and checkpoints is attempted at start
func ProcessorWithStartupAttempts(attempts int) ProcessorOption {
	return func(p *Processor) error {
		if attempts < 1 {
			return errors.Errorf("startup attempts must be at least 1, got %d", attempts)
		}
		p.startupAttempts = attempts
		return nil
	}
}

// ProcessorWithName overrides the generated name of the processor
func ProcessorWithName(name string) ProcessorOption {
	return func(p *Processor) error {
		p.name = name
		return nil
	}
}

// New constructs a Processor
func New(source Source, engine Engine, checkpoints CheckpointStore, opts ...ProcessorOption) (*Processor, error) {
	if source == nil || engine == nil || checkpoints == nil {
		return nil, errors.New("source, engine and checkpoint store are required")
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	p := &Processor{
		name:            id.String(),
		source:          source,
		engine:          engine,
		checkpoints:     checkpoints,
		maxWaitTime:     DefaultMaxWaitTime,
		startupAttempts: defaultStartupAttempts,
		reconnectMin:    defaultReconnectMin,
		reconnectMax:    defaultReconnectMax,
		receivers:       make(map[string]*partitionReceiver),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// GetName returns the name of the Processor
func (p *Processor) GetName() string {
	return p.name
}

// PartitionIDsBeingProcessed returns the partitions which currently have a receiver
func (p *Processor) PartitionIDsBeingProcessed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.receivers))
	for id := range p.receivers {
		ids = append(ids, id)
	}
	return ids
}

// Start begins processing every partition. The call blocks until the process is interrupted or ctx is done, then
// closes the Processor.
func (p *Processor) Start(ctx context.Context) error {
	fmt.Println(exitPrompt)
	if err := p.StartNonBlocking(ctx); err != nil {
		return err
	}

	// Wait for a signal to quit:
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-signalChan:
	case <-ctx.Done():
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return p.Close(closeCtx)
}

// StartNonBlocking resumes every partition from its checkpoint and returns once all receivers are running
func (p *Processor) StartNonBlocking(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("processor already started")
	}
	p.started = true
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	partitionIDs, resume, err := p.setup(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, partitionID := range partitionIDs {
		partitionID := partitionID
		g.Go(func() error {
			return p.startReceiver(gctx, partitionID, resume[partitionID])
		})
	}

	if err := g.Wait(); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		p.stopReceivers(closeCtx)
		return err
	}

	log.WithField("processor", p.name).Infof("processing %d partitions", len(partitionIDs))
	return nil
}

// Close stops every partition receiver, drains the engine of buffered events and publishes the final checkpoints
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	log.WithField("processor", p.name).Info("shutting down...")

	errs := p.stopReceivers(ctx)

	if err := p.engine.FlushAll(ctx); err != nil {
		log.Errorln(err)
		errs = multierr.Append(errs, err)
	}

	if err := p.engine.Close(ctx); err != nil {
		log.Errorln(err)
		errs = multierr.Append(errs, err)
	}

	if err := p.checkpoints.Close(ctx); err != nil {
		log.Errorln(err)
		errs = multierr.Append(errs, err)
	}

	if err := p.source.Close(ctx); err != nil {
		log.Errorln(err)
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (p *Processor) setup(ctx context.Context) ([]string, map[string]Position, error) {
	b := retry.NewBackoff(p.reconnectMin, p.reconnectMax)

	var partitionIDs []string
	err := retry.Retry(ctx, p.startupAttempts, b, func(ctx context.Context) error {
		ids, err := p.source.PartitionIDs(ctx)
		if err != nil {
			log.Warnf("failed to read partition IDs: %v", err)
			return retry.Wrap(err, "reading partition IDs")
		}
		partitionIDs = ids
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	b.Reset()
	resume := make(map[string]Position)
	err = retry.Retry(ctx, p.startupAttempts, b, func(ctx context.Context) error {
		checkpoints, err := p.checkpoints.ListCheckpoints(ctx)
		if err != nil {
			log.Warnf("failed to read checkpoints: %v", err)
			return retry.Wrap(err, "listing checkpoints")
		}
		for _, cp := range checkpoints {
			resume[cp.PartitionID] = checkpointPosition(cp.LastProcessed)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return partitionIDs, resume, nil
}

// checkpointPosition resumes a partition from its checkpoint. Events after the checkpoint may share its enqueued
// time and the receive filter is exclusive, so the position is moved back by one resolution step. Events at the
// checkpoint time are delivered again.
func checkpointPosition(lastProcessed time.Time) Position {
	if lastProcessed.IsZero() {
		return Position{}
	}
	return Position{EnqueuedTime: lastProcessed.Add(-enqueuedTimeResolution)}
}

func (p *Processor) startReceiver(ctx context.Context, partitionID string, from Position) error {
	p.mu.Lock()
	if _, ok := p.receivers[partitionID]; ok {
		p.mu.Unlock()
		// receiver thinks it's already running... this is probably a bug if it happens
		return errors.Errorf("partition %q already has a receiver", partitionID)
	}
	p.mu.Unlock()

	pr := newPartitionReceiver(p, partitionID, from)
	if err := pr.Run(ctx); err != nil {
		return errors.Wrapf(err, "starting receiver for partition %q", partitionID)
	}

	p.mu.Lock()
	p.receivers[partitionID] = pr
	p.mu.Unlock()
	return nil
}

// stopReceivers closes all receivers even if errors occur, logging each error
func (p *Processor) stopReceivers(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	receivers := make([]*partitionReceiver, 0, len(p.receivers))
	for _, pr := range p.receivers {
		receivers = append(receivers, pr)
	}
	p.receivers = make(map[string]*partitionReceiver)
	p.mu.Unlock()

	var errs error
	for _, pr := range receivers {
		if err := pr.Close(ctx); err != nil {
			log.Error(err)
			errs = multierr.Append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, errors.Wrap(ctx.Err(), "waiting for partition receivers"))
	}
	return errs
}
