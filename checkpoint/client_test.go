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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Azure/health-events-go/persist"
)

type (
	failingStore struct {
		*persist.MemoryPersister
		mu       sync.Mutex
		failures map[string]error
	}

	countingStore struct {
		*persist.MemoryPersister
		mu      sync.Mutex
		creates int
		updates int
	}

	// blockingStore holds every write until release is closed and records the state of the write's context
	blockingStore struct {
		*persist.MemoryPersister
		started chan struct{}
		release chan struct{}
		once    sync.Once
		mu      sync.Mutex
		ctxErrs []error
	}
)

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryPersister: persist.NewMemoryPersister(),
		started:         make(chan struct{}),
		release:         make(chan struct{}),
	}
}

func (s *blockingStore) SetMetadata(ctx context.Context, name string, md map[string]string) error {
	s.once.Do(func() { close(s.started) })
	<-s.release

	s.mu.Lock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryPersister.SetMetadata(ctx, name, md)
}

func (s *failingStore) SetMetadata(ctx context.Context, name string, md map[string]string) error {
	if err := s.failure(name); err != nil {
		return err
	}
	return s.MemoryPersister.SetMetadata(ctx, name, md)
}

func (s *failingStore) Create(ctx context.Context, name string, md map[string]string) error {
	if err := s.failure(name); err != nil {
		return err
	}
	return s.MemoryPersister.Create(ctx, name, md)
}

func (s *failingStore) failure(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for suffix, err := range s.failures {
		if strings.HasSuffix(name, suffix) {
			return err
		}
	}
	return nil
}

func (s *countingStore) SetMetadata(ctx context.Context, name string, md map[string]string) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return s.MemoryPersister.SetMetadata(ctx, name, md)
}

func (s *countingStore) Create(ctx context.Context, name string, md map[string]string) error {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return s.MemoryPersister.Create(ctx, name, md)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var at = time.Date(2020, 11, 3, 8, 30, 15, 250000000, time.UTC)

func newTestClient(t *testing.T, store persist.RecordStore, opts ...ClientOption) *Client {
	opts = append([]ClientOption{ClientWithPublishInterval(time.Hour)}, opts...)
	client, err := NewClient(store, "hub", opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close(context.Background())
	})
	return client
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "hub")
	assert.Error(t, err)

	_, err = NewClient(persist.NewMemoryPersister(), " ")
	assert.Error(t, err)

	_, err = NewClient(persist.NewMemoryPersister(), "hub", ClientWithPublishInterval(0))
	assert.Error(t, err)
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, persist.NewMemoryPersister())

	require.NoError(t, client.SetCheckpoint("0", at))
	require.NoError(t, client.PublishCheckpoints(ctx))

	cp, ok, err := client.GetCheckpoint(ctx, "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hub", cp.Prefix)
	assert.Equal(t, "0", cp.PartitionID)
	assert.True(t, at.Equal(cp.LastProcessed))
}

func TestClient_SetCheckpointIsMonotonic(t *testing.T) {
	client := newTestClient(t, persist.NewMemoryPersister())

	require.NoError(t, client.SetCheckpoint("0", at))
	require.NoError(t, client.SetCheckpoint("0", at.Add(-time.Minute)))
	require.NoError(t, client.SetCheckpoint("1", at.Add(-time.Minute)))

	snapshot := client.Checkpoints()
	require.Len(t, snapshot, 2)
	assert.Equal(t, at, snapshot[0].LastProcessed)
	assert.Equal(t, at.Add(-time.Minute), snapshot[1].LastProcessed)

	require.NoError(t, client.SetCheckpoint("0", at.Add(time.Second)))
	assert.Equal(t, at.Add(time.Second), client.Checkpoints()[0].LastProcessed)

	assert.Error(t, client.SetCheckpoint("", at))
}

func TestClient_UpdateThenCreate(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryPersister: persist.NewMemoryPersister()}
	client := newTestClient(t, store)

	require.NoError(t, client.SetCheckpoint("0", at))
	require.NoError(t, client.PublishCheckpoints(ctx))
	assert.Equal(t, 1, store.updates)
	assert.Equal(t, 1, store.creates)

	require.NoError(t, client.SetCheckpoint("0", at.Add(time.Second)))
	require.NoError(t, client.PublishCheckpoints(ctx))
	assert.Equal(t, 2, store.updates)
	assert.Equal(t, 1, store.creates, "an existing record is only updated")

	cp, ok, err := client.GetCheckpoint(ctx, "0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at.Add(time.Second).Equal(cp.LastProcessed))
}

func TestClient_PublishContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{
		MemoryPersister: persist.NewMemoryPersister(),
		failures:        map[string]error{"/checkpoint/1": errors.New("throttled")},
	}
	client := newTestClient(t, store)

	for _, id := range []string{"0", "1", "2"} {
		require.NoError(t, client.SetCheckpoint(id, at))
	}

	err := client.PublishCheckpoints(ctx)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "throttled")
	}

	checkpoints, err := client.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, "0", checkpoints[0].PartitionID)
	assert.Equal(t, "2", checkpoints[1].PartitionID)

	store.mu.Lock()
	store.failures = nil
	store.mu.Unlock()
	require.NoError(t, client.PublishCheckpoints(ctx))

	checkpoints, err = client.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 3)
}

func TestClient_GetCheckpointMatchesExactPartition(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryPersister()
	client := newTestClient(t, store)

	require.NoError(t, client.SetCheckpoint("10", at))
	require.NoError(t, client.PublishCheckpoints(ctx))

	_, ok, err := client.GetCheckpoint(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	cp, ok, err := client.GetCheckpoint(ctx, "10")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10", cp.PartitionID)
}

func TestClient_ListCheckpointsScopedToPrefix(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryPersister()
	require.NoError(t, store.Create(ctx, "other/checkpoint/0", map[string]string{LastProcessedKey: FormatTimestamp(at)}))
	require.NoError(t, store.Create(ctx, "hub/checkpoint/5", map[string]string{LastProcessedKey: "garbage"}))
	require.NoError(t, store.Create(ctx, "hub/checkpoint/6", map[string]string{}))

	client := newTestClient(t, store)
	checkpoints, err := client.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	for _, cp := range checkpoints {
		assert.Equal(t, "hub", cp.Prefix)
		assert.True(t, cp.LastProcessed.IsZero())
	}
}

func TestClient_ListCheckpointsWithoutContainer(t *testing.T) {
	store := &listFailingStore{MemoryPersister: persist.NewMemoryPersister(), err: persist.ErrContainerNotFound}
	client := newTestClient(t, store)

	checkpoints, err := client.ListCheckpoints(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, checkpoints)

	store.err = errors.New("forbidden")
	_, err = client.ListCheckpoints(context.Background())
	assert.Error(t, err)
}

func TestClient_PublishesOnInterval(t *testing.T) {
	store := persist.NewMemoryPersister()
	client, err := NewClient(store, "hub", ClientWithPublishInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, client.Close(context.Background()))
	}()

	require.NoError(t, client.SetCheckpoint("0", at))
	assert.Eventually(t, func() bool {
		records, _ := store.List(context.Background(), "hub/checkpoint/0")
		return len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_ClosePublishesFinalState(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryPersister()
	client, err := NewClient(store, "hub", ClientWithPublishInterval(time.Hour))
	require.NoError(t, err)

	require.NoError(t, client.SetCheckpoint("3", at))
	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))

	records, err := store.List(ctx, "hub/checkpoint/")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, FormatTimestamp(at), records[0].Metadata[LastProcessedKey])
}

type listFailingStore struct {
	*persist.MemoryPersister
	err error
}

func (s *listFailingStore) List(context.Context, string) ([]persist.Record, error) {
	return nil, s.err
}

func TestClient_CloseLetsInFlightPublishFinish(t *testing.T) {
	store := newBlockingStore()
	client, err := NewClient(store, "hub", ClientWithPublishInterval(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, client.SetCheckpoint("0", at))

	select {
	case <-store.started:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher never wrote")
	}

	closed := make(chan error, 1)
	go func() {
		closed <- client.Close(context.Background())
	}()

	// give Close a chance to stop the publisher while its write is blocked
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	require.NoError(t, <-closed)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.ctxErrs)
	for _, ctxErr := range store.ctxErrs {
		assert.NoError(t, ctxErr)
	}
}
