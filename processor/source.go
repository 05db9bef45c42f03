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
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-amqp-common-go/v3/sas"
	"github.com/Azure/azure-event-hubs-go/v3"
	"github.com/pkg/errors"

	events "github.com/Azure/health-events-go"
)

type (
	// Handler is called for every event received from a partition
	Handler func(ctx context.Context, event *events.Event) error

	// Listener is a running partition receiver. Done is closed when the receiver stops, after which Err reports why.
	Listener interface {
		Done() <-chan struct{}
		Err() error
		Close(ctx context.Context) error
	}

	// Position is where a partition receiver starts. With an Offset it starts with the event following that offset,
	// otherwise with the events enqueued after EnqueuedTime. The zero Position is the beginning of the partition.
	Position struct {
		Offset       string
		EnqueuedTime time.Time
	}

	// Source is an upstream stream of partitioned events
	Source interface {
		PartitionIDs(ctx context.Context) ([]string, error)
		// Receive starts delivering the events of a partition following from to handler
		Receive(ctx context.Context, partitionID string, from Position, handler Handler) (Listener, error)
		Close(ctx context.Context) error
	}

	// HubSource is a Source reading from an Azure Event Hub
	HubSource struct {
		hub           *eventhub.Hub
		consumerGroup string
		prefetchCount uint32
	}

	// HubSourceOption provides structure for configuring a HubSource
	HubSourceOption func(s *HubSource) error
)

// HubSourceWithConsumerGroup configures the consumer group partitions are read with
func HubSourceWithConsumerGroup(consumerGroup string) HubSourceOption {
	return func(s *HubSource) error {
		s.consumerGroup = consumerGroup
		return nil
	}
}

// HubSourceWithPrefetchCount configures how many events each partition receiver buffers
func HubSourceWithPrefetchCount(count uint32) HubSourceOption {
	return func(s *HubSource) error {
		s.prefetchCount = count
		return nil
	}
}

// NewHubSource builds a Source over hub
func NewHubSource(hub *eventhub.Hub, opts ...HubSourceOption) (*HubSource, error) {
	if hub == nil {
		return nil, errors.New("hub must not be nil")
	}
	s := &HubSource{hub: hub}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewHubFromConnectionString connects to an Event Hub. The hub name is appended to the connection string as its
// EntityPath unless the connection string already carries one.
func NewHubFromConnectionString(connStr, hubName string, opts ...eventhub.HubOption) (*eventhub.Hub, error) {
	if connStr == "" {
		return nil, errors.New("event hub connection string must not be empty")
	}
	if hubName != "" && !strings.Contains(strings.ToLower(connStr), "entitypath=") {
		connStr = strings.TrimSuffix(connStr, ";") + ";EntityPath=" + hubName
	}
	return eventhub.NewHubFromConnectionString(connStr, opts...)
}

// NewHubWithKey connects to an Event Hub using a shared access key
func NewHubWithKey(namespace, hubName, keyName, key string, opts ...eventhub.HubOption) (*eventhub.Hub, error) {
	provider, err := sas.NewTokenProvider(sas.TokenProviderWithKey(keyName, key))
	if err != nil {
		return nil, err
	}
	return eventhub.NewHub(namespace, hubName, provider, opts...)
}

// PartitionIDs fetches the partition IDs of the Event Hub
func (s *HubSource) PartitionIDs(ctx context.Context) ([]string, error) {
	info, err := s.hub.GetRuntimeInformation(ctx)
	if err != nil {
		return nil, err
	}
	return info.PartitionIDs, nil
}

// Receive starts a receiver on the partition
func (s *HubSource) Receive(ctx context.Context, partitionID string, from Position, handler Handler) (Listener, error) {
	var opts []eventhub.ReceiveOption
	if s.consumerGroup != "" {
		opts = append(opts, eventhub.ReceiveWithConsumerGroup(s.consumerGroup))
	}
	if s.prefetchCount > 0 {
		opts = append(opts, eventhub.ReceiveWithPrefetchCount(s.prefetchCount))
	}
	switch {
	case from.Offset != "":
		opts = append(opts, eventhub.ReceiveWithStartingOffset(from.Offset))
	case !from.EnqueuedTime.IsZero():
		opts = append(opts, eventhub.ReceiveFromTimestamp(from.EnqueuedTime))
	}

	handle, err := s.hub.Receive(ctx, partitionID, func(ctx context.Context, event *eventhub.Event) error {
		return handler(ctx, fromHubEvent(partitionID, event))
	}, opts...)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// IsZero reports whether the position is the beginning of the partition
func (p Position) IsZero() bool {
	return p.Offset == "" && p.EnqueuedTime.IsZero()
}

func (p Position) String() string {
	switch {
	case p.Offset != "":
		return "offset " + p.Offset
	case !p.EnqueuedTime.IsZero():
		return p.EnqueuedTime.Format(time.RFC3339Nano)
	}
	return "start of partition"
}

// Close closes the connection to the Event Hub
func (s *HubSource) Close(ctx context.Context) error {
	return s.hub.Close(ctx)
}

func fromHubEvent(partitionID string, event *eventhub.Event) *events.Event {
	enqueued := time.Now()
	e := &events.Event{
		PartitionID: partitionID,
		Data:        event.Data,
		Properties:  event.Properties,
	}

	if sp := event.SystemProperties; sp != nil {
		if sp.EnqueuedTime != nil {
			enqueued = *sp.EnqueuedTime
		}
		if sp.SequenceNumber != nil {
			e.SequenceNumber = *sp.SequenceNumber
		}
		if sp.Offset != nil {
			e.Offset = strconv.FormatInt(*sp.Offset, 10)
		}
	}
	e.EnqueuedTime = enqueued.UTC()
	return e
}
