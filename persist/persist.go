// Package persist provides durable stores for named records carrying string metadata. Checkpoints are written
// through a RecordStore so the same client can run against blob storage, redis, local files or memory.
package persist

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

	"github.com/pkg/errors"
)

var (
	// ErrRecordNotFound is returned when updating the metadata of a record which has never been created
	ErrRecordNotFound = errors.New("record not found")
	// ErrContainerNotFound is returned when the store's container has not been provisioned yet
	ErrContainerNotFound = errors.New("container not found")
)

type (
	// Record is a named entry in a RecordStore and the metadata attached to it
	Record struct {
		Name     string
		Metadata map[string]string
	}

	// RecordStore persists named records. Implementations must be safe for concurrent use.
	RecordStore interface {
		// SetMetadata replaces the metadata of an existing record. It returns an error wrapping ErrRecordNotFound or
		// ErrContainerNotFound when the record or its container does not exist.
		SetMetadata(ctx context.Context, name string, metadata map[string]string) error
		// Create writes a record with the given metadata, creating the container if needed and overwriting any
		// record of the same name.
		Create(ctx context.Context, name string, metadata map[string]string) error
		// List returns every record whose name starts with prefix, ordered by name.
		List(ctx context.Context, prefix string) ([]Record, error)
	}

	// MemoryPersister is a default implementation of a RecordStore, which will hold records in memory
	MemoryPersister struct {
		values map[string]map[string]string
		mu     sync.Mutex
	}
)

// IsNotFound reports whether err means the record or its container is missing
func IsNotFound(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrRecordNotFound || cause == ErrContainerNotFound
}

// NewMemoryPersister creates a new in-memory RecordStore
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{
		values: make(map[string]map[string]string),
	}
}

// SetMetadata replaces the metadata of an existing record
func (p *MemoryPersister) SetMetadata(_ context.Context, name string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.values[name]; !ok {
		return errors.Wrapf(ErrRecordNotFound, "could not set metadata for the record %s", name)
	}
	p.values[name] = copyMetadata(metadata)
	return nil
}

// Create writes the record, overwriting any previous value
func (p *MemoryPersister) Create(_ context.Context, name string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[name] = copyMetadata(metadata)
	return nil
}

// List returns the records whose names start with prefix
func (p *MemoryPersister) List(_ context.Context, prefix string) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var records []Record
	for name, md := range p.values {
		if strings.HasPrefix(name, prefix) {
			records = append(records, Record{Name: name, Metadata: copyMetadata(md)})
		}
	}
	sortRecords(records)
	return records, nil
}

func copyMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
}
