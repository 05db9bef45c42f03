// Package checkpoint tracks, per partition, the enqueued time of the last event forwarded downstream and
// periodically publishes it to a durable persist.RecordStore.
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
	"fmt"
	"strings"
	"time"
)

const (
	// TimestampLayout is the layout used to store the last processed time in record metadata
	TimestampLayout = "01/02/2006 03:04:05.000 PM"

	// LastProcessedKey is the metadata key holding the last processed time
	LastProcessedKey = "LastProcessed"

	checkpointSegment = "checkpoint"
)

type (
	// Checkpoint is the durable progress of a partition: every event enqueued at or before LastProcessed has been
	// forwarded downstream
	Checkpoint struct {
		Prefix        string
		PartitionID   string
		LastProcessed time.Time
	}
)

// RecordName is the name of the record a checkpoint is persisted as
func (c Checkpoint) RecordName() string {
	return recordName(c.Prefix, c.PartitionID)
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%s@%s", c.RecordName(), FormatTimestamp(c.LastProcessed))
}

// FormatTimestamp renders t in UTC with TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reads a time written by FormatTimestamp, falling back to RFC3339. Unparseable values yield the zero
// time and false.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if t, err := time.ParseInLocation(TimestampLayout, value, time.UTC); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func recordPrefix(prefix string) string {
	return prefix + "/" + checkpointSegment + "/"
}

func recordName(prefix, partitionID string) string {
	return recordPrefix(prefix) + partitionID
}

// lastProcessed looks up the timestamp metadata regardless of key casing, since some stores lower-case metadata keys
func lastProcessed(metadata map[string]string) (string, bool) {
	if v, ok := metadata[LastProcessedKey]; ok {
		return v, true
	}
	for k, v := range metadata {
		if strings.EqualFold(k, LastProcessedKey) {
			return v, true
		}
	}
	return "", false
}
