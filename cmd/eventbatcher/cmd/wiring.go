package cmd

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
	"net/http"
	"os"
	"time"

	"github.com/Azure/azure-event-hubs-go/v3"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Azure/health-events-go/config"
	"github.com/Azure/health-events-go/persist"
	"github.com/Azure/health-events-go/processor"
	"github.com/Azure/health-events-go/storage"
)

const setupTimeout = time.Minute

// newRecordStore builds the checkpoint store selected by the configuration. The returned func releases it.
func newRecordStore(ctx context.Context, cfg *config.Config) (persist.RecordStore, func(), error) {
	noop := func() {}
	settings := cfg.CheckpointStorage

	switch cfg.Checkpoint.Store {
	case config.StoreBlob:
		var (
			bp  *storage.BlobPersister
			err error
		)
		if settings.ConnectionString != "" {
			bp, err = storage.NewBlobPersisterFromConnectionString(settings.ConnectionString, settings.ContainerName)
		} else {
			credential, credErr := storage.NewAADCredential(storage.AADCredentialWithEnvironmentVars())
			if credErr != nil {
				return nil, noop, credErr
			}
			bp, err = storage.NewBlobPersister(credential, settings.AccountName, settings.ContainerName)
		}
		if err != nil {
			return nil, noop, err
		}
		if err := bp.EnsureContainer(ctx); err != nil {
			return nil, noop, errors.Wrapf(err, "ensuring container %s", settings.ContainerName)
		}
		return bp, noop, nil

	case config.StoreFile:
		fp, err := persist.NewFilePersister(settings.Directory)
		if err != nil {
			return nil, noop, err
		}
		return fp, noop, nil

	case config.StoreRedis:
		rp, err := persist.NewRedisPersisterFromAddrs(settings.RedisAddr, settings.RedisPassword)
		if err != nil {
			return nil, noop, err
		}
		return rp, func() {
			if err := rp.Close(); err != nil {
				log.Error(err)
			}
		}, nil

	case config.StoreMemory:
		log.Warn("checkpoints are kept in memory and will be lost on exit")
		return persist.NewMemoryPersister(), noop, nil
	}
	return nil, noop, errors.Errorf("unknown checkpoint store %q", cfg.Checkpoint.Store)
}

func newHub(cfg *config.Config) (*eventhub.Hub, error) {
	if err := cfg.ValidateEventHub(); err != nil {
		return nil, err
	}

	opts := []eventhub.HubOption{eventhub.HubWithEnvironment(environment())}
	settings := cfg.EventHub
	if settings.ConnectionString != "" {
		return processor.NewHubFromConnectionString(settings.ConnectionString, settings.Name, opts...)
	}
	return processor.NewHubWithKey(settings.Namespace, settings.Name, settings.KeyName, settings.Key, opts...)
}

func environment() azure.Environment {
	env := azure.PublicCloud
	if name := os.Getenv("AZURE_ENVIRONMENT"); name != "" {
		e, err := azure.EnvironmentFromName(name)
		if err != nil {
			log.Fatalln(err)
		}
		env = e
	}
	return env
}

// serveMetrics exposes the prometheus collectors on addr until the returned func is called
func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Infof("serving metrics on %s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server stopped: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
