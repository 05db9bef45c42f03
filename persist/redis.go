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
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "health-events:"

type (
	// RedisPersister is a RecordStore which keeps each record as a redis hash of its metadata
	RedisPersister struct {
		client    redis.UniversalClient
		keyPrefix string
	}

	// RedisPersisterOption provides structure for configuring a RedisPersister
	RedisPersisterOption func(p *RedisPersister) error
)

// RedisWithKeyPrefix namespaces every record key written by the persister
func RedisWithKeyPrefix(prefix string) RedisPersisterOption {
	return func(p *RedisPersister) error {
		p.keyPrefix = prefix
		return nil
	}
}

// NewRedisPersister creates a RecordStore backed by the given redis client
func NewRedisPersister(client redis.UniversalClient, opts ...RedisPersisterOption) (*RedisPersister, error) {
	if client == nil {
		return nil, errors.New("redis client must not be nil")
	}
	p := &RedisPersister{
		client:    client,
		keyPrefix: defaultRedisKeyPrefix,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// NewRedisPersisterFromAddrs dials redis at the comma separated addresses
func NewRedisPersisterFromAddrs(addrs, password string, opts ...RedisPersisterOption) (*RedisPersister, error) {
	if addrs == "" {
		return nil, errors.New("redis address must not be empty")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(addrs, ","),
		Password: password,
	})
	return NewRedisPersister(client, opts...)
}

// SetMetadata replaces the metadata of an existing record
func (p *RedisPersister) SetMetadata(ctx context.Context, name string, metadata map[string]string) error {
	key := p.key(name)
	n, err := p.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrRecordNotFound, "could not set metadata for the record %s", name)
	}
	return p.replace(ctx, key, metadata)
}

// Create writes the record, overwriting any previous value
func (p *RedisPersister) Create(ctx context.Context, name string, metadata map[string]string) error {
	return p.replace(ctx, p.key(name), metadata)
}

// List returns the records whose names start with prefix
func (p *RedisPersister) List(ctx context.Context, prefix string) ([]Record, error) {
	match := escapeGlob(p.key(prefix)) + "*"

	var records []Record
	iter := p.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		md, err := p.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "reading record %s", key)
		}
		if len(md) == 0 {
			continue
		}
		records = append(records, Record{
			Name:     strings.TrimPrefix(key, p.keyPrefix),
			Metadata: md,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning records")
	}
	sortRecords(records)
	return records, nil
}

// Close releases the underlying redis connections
func (p *RedisPersister) Close() error {
	return p.client.Close()
}

func (p *RedisPersister) replace(ctx context.Context, key string, metadata map[string]string) error {
	values := make([]interface{}, 0, len(metadata)*2)
	for k, v := range metadata {
		values = append(values, k, v)
	}

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}
		return nil
	})
	return err
}

func (p *RedisPersister) key(name string) string {
	return p.keyPrefix + name
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
