// Package storage provides a persist.RecordStore backed by Azure Blob Storage. Each record is an empty block blob and
// its metadata is the blob's metadata.
package storage

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
	"net/url"
	"strings"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Azure/health-events-go/persist"
)

type (
	// BlobPersister implements persist.RecordStore for Azure Storage
	BlobPersister struct {
		containerURL  azblob.ContainerURL
		containerName string
	}

	// BlobPersisterOption provides structure for configuring a BlobPersister
	BlobPersisterOption func(cfg *blobConfig) error

	blobConfig struct {
		env         *azure.Environment
		serviceURL  string
		pipelineOpt azblob.PipelineOptions
	}

	serviceCoder interface {
		ServiceCode() azblob.ServiceCodeType
	}
)

// BlobPersisterWithEnvironment configures the Azure cloud the storage account lives in
func BlobPersisterWithEnvironment(env azure.Environment) BlobPersisterOption {
	return func(cfg *blobConfig) error {
		cfg.env = &env
		return nil
	}
}

// BlobPersisterWithServiceURL configures the blob service endpoint directly, for example to target a storage
// emulator
func BlobPersisterWithServiceURL(serviceURL string) BlobPersisterOption {
	return func(cfg *blobConfig) error {
		if _, err := url.Parse(serviceURL); err != nil {
			return errors.Wrapf(err, "invalid blob service URL %q", serviceURL)
		}
		cfg.serviceURL = serviceURL
		return nil
	}
}

// NewBlobPersister builds a BlobPersister storing records in containerName of the given storage account
func NewBlobPersister(credential azblob.Credential, accountName, containerName string, opts ...BlobPersisterOption) (*BlobPersister, error) {
	if credential == nil {
		return nil, errors.New("credential must not be nil")
	}
	if containerName == "" {
		return nil, errors.New("container name must not be empty")
	}

	cfg := &blobConfig{
		pipelineOpt: azblob.PipelineOptions{
			Log: pipeline.LogOptions{
				Log:       logPipeline,
				ShouldLog: shouldLogPipeline,
			},
		},
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.serviceURL == "" {
		if accountName == "" {
			return nil, errors.New("account name must not be empty")
		}
		if cfg.env == nil {
			env, err := azureEnvFromEnvironment()
			if err != nil {
				return nil, err
			}
			cfg.env = env
		}
		cfg.serviceURL = "https://" + accountName + ".blob." + cfg.env.StorageEndpointSuffix
	}

	u, err := url.Parse(strings.TrimSuffix(cfg.serviceURL, "/") + "/" + containerName)
	if err != nil {
		return nil, err
	}

	p := azblob.NewPipeline(credential, cfg.pipelineOpt)
	return &BlobPersister{
		containerURL:  azblob.NewContainerURL(*u, p),
		containerName: containerName,
	}, nil
}

// NewBlobPersisterFromConnectionString builds a BlobPersister from a storage account connection string
func NewBlobPersisterFromConnectionString(connStr, containerName string, opts ...BlobPersisterOption) (*BlobPersister, error) {
	info, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}

	credential, err := azblob.NewSharedKeyCredential(info.AccountName, info.AccountKey)
	if err != nil {
		return nil, errors.Wrap(err, "building shared key credential")
	}

	serviceURL, err := info.BlobServiceURL()
	if err != nil {
		return nil, err
	}
	opts = append([]BlobPersisterOption{BlobPersisterWithServiceURL(serviceURL)}, opts...)
	return NewBlobPersister(credential, info.AccountName, containerName, opts...)
}

// ContainerName is the name of the container records are stored in
func (bp *BlobPersister) ContainerName() string {
	return bp.containerName
}

// EnsureContainer creates the container if it does not exist
func (bp *BlobPersister) EnsureContainer(ctx context.Context) error {
	_, err := bp.containerURL.Create(ctx, azblob.Metadata{}, azblob.PublicAccessNone)
	if err != nil && serviceCode(err) != azblob.ServiceCodeContainerAlreadyExists {
		return err
	}
	return nil
}

// DeleteContainer deletes the Azure Storage container
func (bp *BlobPersister) DeleteContainer(ctx context.Context) error {
	_, err := bp.containerURL.Delete(ctx, azblob.ContainerAccessConditions{})
	return err
}

// SetMetadata replaces the metadata of an existing blob
func (bp *BlobPersister) SetMetadata(ctx context.Context, name string, metadata map[string]string) error {
	blobURL := bp.containerURL.NewBlobURL(name)
	_, err := blobURL.SetMetadata(ctx, azblob.Metadata(metadata), azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	return classify(err, name)
}

// Create uploads an empty blob carrying metadata, creating the container when it does not exist yet
func (bp *BlobPersister) Create(ctx context.Context, name string, metadata map[string]string) error {
	err := bp.upload(ctx, name, metadata)
	if serviceCode(err) == azblob.ServiceCodeContainerNotFound {
		log.Debugf("container %s does not exist, creating it", bp.containerName)
		if err := bp.EnsureContainer(ctx); err != nil {
			return errors.Wrapf(err, "creating container %s", bp.containerName)
		}
		err = bp.upload(ctx, name, metadata)
	}
	return classify(err, name)
}

// List returns the blobs whose names start with prefix along with their metadata
func (bp *BlobPersister) List(ctx context.Context, prefix string) ([]persist.Record, error) {
	opts := azblob.ListBlobsSegmentOptions{
		Prefix: prefix,
		Details: azblob.BlobListingDetails{
			Metadata: true,
		},
	}

	var records []persist.Record
	for marker := (azblob.Marker{}); marker.NotDone(); {
		res, err := bp.containerURL.ListBlobsFlatSegment(ctx, marker, opts)
		if err != nil {
			return nil, classify(err, prefix)
		}
		for _, item := range res.Segment.BlobItems {
			records = append(records, persist.Record{
				Name:     item.Name,
				Metadata: map[string]string(item.Metadata),
			})
		}
		marker = res.NextMarker
	}
	return records, nil
}

func (bp *BlobPersister) upload(ctx context.Context, name string, metadata map[string]string) error {
	blockBlobURL := bp.containerURL.NewBlockBlobURL(name)
	_, err := azblob.UploadBufferToBlockBlob(ctx, []byte{}, blockBlobURL, azblob.UploadToBlockBlobOptions{
		Metadata: azblob.Metadata(metadata),
	})
	return err
}

// classify maps the storage service's not found codes to the persist sentinels
func classify(err error, name string) error {
	if err == nil {
		return nil
	}
	switch serviceCode(err) {
	case azblob.ServiceCodeBlobNotFound:
		return errors.Wrapf(persist.ErrRecordNotFound, "blob %s", name)
	case azblob.ServiceCodeContainerNotFound:
		return errors.Wrapf(persist.ErrContainerNotFound, "blob %s", name)
	}
	return err
}

func serviceCode(err error) azblob.ServiceCodeType {
	var coder serviceCoder
	if err != nil && errors.As(err, &coder) {
		return coder.ServiceCode()
	}
	return azblob.ServiceCodeNone
}

func logPipeline(level pipeline.LogLevel, msg string) {
	switch level {
	case pipeline.LogFatal, pipeline.LogPanic, pipeline.LogError:
		log.Error(msg)
	case pipeline.LogWarning:
		log.Warn(msg)
	case pipeline.LogInfo:
		log.Debug(msg)
	default:
		log.Trace(msg)
	}
}

func shouldLogPipeline(level pipeline.LogLevel) bool {
	switch level {
	case pipeline.LogFatal, pipeline.LogPanic, pipeline.LogError, pipeline.LogWarning:
		return true
	case pipeline.LogInfo:
		return log.IsLevelEnabled(log.DebugLevel)
	default:
		return log.IsLevelEnabled(log.TraceLevel)
	}
}
