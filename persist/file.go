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
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type (
	// FilePersister is a RecordStore which keeps one JSON document per record in a directory
	FilePersister struct {
		directory string
		mu        sync.Mutex
	}

	fileRecord struct {
		Name     string            `json:"name"`
		Metadata map[string]string `json:"metadata"`
	}
)

// NewFilePersister creates a FilePersister rooted at directory. The directory is created on the first write.
func NewFilePersister(directory string) (*FilePersister, error) {
	if directory == "" {
		return nil, errors.New("directory must not be empty")
	}
	return &FilePersister{
		directory: directory,
	}, nil
}

// SetMetadata replaces the metadata of an existing record
func (fp *FilePersister) SetMetadata(_ context.Context, name string, metadata map[string]string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if _, err := os.Stat(fp.directory); os.IsNotExist(err) {
		return errors.Wrapf(ErrContainerNotFound, "directory %s", fp.directory)
	}

	path := fp.recordPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errors.Wrapf(ErrRecordNotFound, "could not set metadata for the record %s", name)
	}
	return fp.write(path, name, metadata)
}

// Create writes the record, creating the directory if needed
func (fp *FilePersister) Create(_ context.Context, name string, metadata map[string]string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if err := os.MkdirAll(fp.directory, 0755); err != nil {
		return errors.Wrapf(err, "creating directory %s", fp.directory)
	}
	return fp.write(fp.recordPath(name), name, metadata)
}

// List returns the records whose names start with prefix. Files which cannot be decoded are skipped.
func (fp *FilePersister) List(_ context.Context, prefix string) ([]Record, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	entries, err := os.ReadDir(fp.directory)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading directory %s", fp.directory)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(fp.directory, entry.Name())
		bits, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading record file %s", path)
		}

		var rec fileRecord
		if err := json.Unmarshal(bits, &rec); err != nil || rec.Name == "" {
			log.Debugf("skipping unreadable record file %s", path)
			continue
		}
		if strings.HasPrefix(rec.Name, prefix) {
			records = append(records, Record{Name: rec.Name, Metadata: rec.Metadata})
		}
	}
	sortRecords(records)
	return records, nil
}

func (fp *FilePersister) write(path, name string, metadata map[string]string) error {
	bits, err := json.Marshal(fileRecord{Name: name, Metadata: copyMetadata(metadata)})
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bits, 0644); err != nil {
		return errors.Wrapf(err, "writing record %s", name)
	}
	return os.Rename(tmp, path)
}

func (fp *FilePersister) recordPath(name string) string {
	return filepath.Join(fp.directory, url.PathEscape(name)+".json")
}
