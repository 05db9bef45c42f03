package checkpoint

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
	"strings"
	"sync"
	"time"

	"github.com/devigned/tab"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	events "github.com/Azure/health-events-go"
	"github.com/Azure/health-events-go/internal/metrics"
	"github.com/Azure/health-events-go/persist"
)

const (
	// DefaultPublishInterval is how often the in-memory checkpoints are written to the record store
	DefaultPublishInterval = 10 * time.Second

	publishCycleTimeout = time.Minute
)

type (
	// Client holds the latest checkpoint of every partition in memory and publishes them to a persist.RecordStore
	// from a background goroutine. The goroutine starts with NewClient and stops with Close.
	Client struct {
		store           persist.RecordStore
		prefix          string
		publishInterval time.Duration

		mu          sync.RWMutex
		checkpoints map[string]time.Time

		cancel    context.CancelFunc
		done      chan struct{}
		closeOnce sync.Once
	}

	// ClientOption provides structure for configuring a Client
	ClientOption func(c *Client) error
)

// ClientWithPublishInterval configures how often checkpoints are published
func ClientWithPublishInterval(interval time.Duration) ClientOption {
	return func(c *Client) error {
		if interval <= 0 {
			return errors.Errorf("publish interval must be positive, got %s", interval)
		}
		c.publishInterval = interval
		return nil
	}
}

// NewClient creates a Client writing checkpoints for the given prefix to store and starts its publisher
func NewClient(store persist.RecordStore, prefix string, opts ...ClientOption) (*Client, error) {
	if store == nil {
		return nil, errors.New("record store must not be nil")
	}
	if strings.TrimSpace(prefix) == "" {
		return nil, errors.New("prefix must not be empty")
	}

	c := &Client{
		store:           store,
		prefix:          prefix,
		publishInterval: DefaultPublishInterval,
		checkpoints:     make(map[string]time.Time),
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.publishLoop(ctx)
	return c, nil
}

// Prefix is the namespace the client's checkpoints are stored under
func (c *Client) Prefix() string {
	return c.prefix
}

// SetCheckpoint records lastProcessed as the partition's checkpoint in memory. It never blocks on I/O. A time older
// than the current checkpoint is ignored so a checkpoint only moves forward.
func (c *Client) SetCheckpoint(partitionID string, lastProcessed time.Time) error {
	if partitionID == "" {
		return errors.New("partition ID must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.checkpoints[partitionID]; ok && !lastProcessed.After(current) {
		return nil
	}
	c.checkpoints[partitionID] = lastProcessed.UTC()
	metrics.CheckpointLastProcessed.WithLabelValues(c.prefix, partitionID).Set(float64(lastProcessed.Unix()))
	return nil
}

// Checkpoints returns a snapshot of the in-memory checkpoints, ordered by partition
func (c *Client) Checkpoints() []Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make([]Checkpoint, 0, len(c.checkpoints))
	for id, t := range c.checkpoints {
		snapshot = append(snapshot, Checkpoint{Prefix: c.prefix, PartitionID: id, LastProcessed: t})
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].PartitionID < snapshot[j].PartitionID
	})
	return snapshot
}

// PublishCheckpoints writes every in-memory checkpoint to the record store. A failing partition does not stop the
// others from being written; all failures are returned together.
func (c *Client) PublishCheckpoints(ctx context.Context) error {
	span, ctx := c.startSpanFromContext(ctx, "checkpoint.Client.PublishCheckpoints")
	defer span.End()

	var errs error
	for _, cp := range c.Checkpoints() {
		if err := c.UpdateCheckpoint(ctx, cp); err != nil {
			metrics.CheckpointPublishErrors.WithLabelValues(c.prefix).Inc()
			log.WithField("partition", cp.PartitionID).Errorf("failed to publish checkpoint: %v", err)
			errs = multierr.Append(errs, err)
			continue
		}
		metrics.CheckpointsPublished.WithLabelValues(c.prefix).Inc()
	}
	return errs
}

// UpdateCheckpoint durably writes a single checkpoint. The metadata of an existing record is updated first, and the
// record is created when it or its container does not exist yet.
func (c *Client) UpdateCheckpoint(ctx context.Context, cp Checkpoint) error {
	span, ctx := c.startSpanFromContext(ctx, "checkpoint.Client.UpdateCheckpoint")
	defer span.End()

	if cp.Prefix == "" {
		cp.Prefix = c.prefix
	}
	name := cp.RecordName()
	span.AddAttributes(tab.StringAttribute("record", name))

	md := map[string]string{
		LastProcessedKey: FormatTimestamp(cp.LastProcessed),
	}

	err := c.store.SetMetadata(ctx, name, md)
	if persist.IsNotFound(err) {
		log.Debugf("checkpoint record %s does not exist, creating it", name)
		err = c.store.Create(ctx, name, md)
	}
	if err != nil {
		tab.For(ctx).Error(err)
		return errors.Wrapf(err, "updating checkpoint %s", name)
	}
	return nil
}

// ListCheckpoints reads every durable checkpoint stored under the client's prefix. A record whose time cannot be read
// is returned with the zero time.
func (c *Client) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	span, ctx := c.startSpanFromContext(ctx, "checkpoint.Client.ListCheckpoints")
	defer span.End()

	prefix := recordPrefix(c.prefix)
	records, err := c.store.List(ctx, prefix)
	if errors.Cause(err) == persist.ErrContainerNotFound {
		return nil, nil
	}
	if err != nil {
		tab.For(ctx).Error(err)
		return nil, errors.Wrapf(err, "listing checkpoints under %s", prefix)
	}

	checkpoints := make([]Checkpoint, 0, len(records))
	for _, record := range records {
		id := strings.TrimPrefix(record.Name, prefix)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		checkpoints = append(checkpoints, c.fromRecord(id, record))
	}
	return checkpoints, nil
}

// GetCheckpoint reads the durable checkpoint of a single partition. The bool result is false when none was stored.
func (c *Client) GetCheckpoint(ctx context.Context, partitionID string) (Checkpoint, bool, error) {
	span, ctx := c.startSpanFromContext(ctx, "checkpoint.Client.GetCheckpoint")
	defer span.End()
	span.AddAttributes(tab.StringAttribute("partition", partitionID))

	name := recordName(c.prefix, partitionID)
	records, err := c.store.List(ctx, name)
	if errors.Cause(err) == persist.ErrContainerNotFound {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		tab.For(ctx).Error(err)
		return Checkpoint{}, false, errors.Wrapf(err, "reading checkpoint %s", name)
	}

	for _, record := range records {
		if record.Name == name {
			return c.fromRecord(partitionID, record), true, nil
		}
	}
	return Checkpoint{}, false, nil
}

// Close stops the publisher, then publishes the in-memory checkpoints a final time
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = c.PublishCheckpoints(ctx)
	})
	return err
}

func (c *Client) fromRecord(partitionID string, record persist.Record) Checkpoint {
	cp := Checkpoint{
		Prefix:      c.prefix,
		PartitionID: partitionID,
	}
	if value, ok := lastProcessed(record.Metadata); ok {
		t, ok := ParseTimestamp(value)
		if !ok {
			log.WithField("partition", partitionID).Warnf("unreadable checkpoint time %q", value)
		}
		cp.LastProcessed = t
	}
	return cp
}

func (c *Client) publishLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("checkpoint publisher stopped")
			return
		case <-ticker.C:
			c.publishCycle()
		}
	}
}

// publishCycle runs one scheduled publish. Stopping the publisher does not cancel writes already under way.
func (c *Client) publishCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), publishCycleTimeout)
	defer cancel()

	if err := c.PublishCheckpoints(ctx); err != nil {
		log.Debugf("checkpoint publish cycle finished with errors: %v", err)
	}
}

func (c *Client) startSpanFromContext(ctx context.Context, operationName string) (tab.Spanner, context.Context) {
	ctx, span := tab.StartSpan(ctx, operationName)
	events.ApplyComponentInfo(span)
	span.AddAttributes(tab.StringAttribute("prefix", c.prefix))
	return span, ctx
}
