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
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	events "github.com/Azure/health-events-go"
	"github.com/Azure/health-events-go/checkpoint"
	"github.com/Azure/health-events-go/processor"
)

func init() {
	runCmd.Flags().BoolVar(&printEvents, "print", true, "write every forwarded event to stdout as a line of JSON")
	rootCmd.AddCommand(runCmd)
}

var (
	printEvents bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Read every partition of the Event Hub and forward events in batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			setupCtx, cancel := context.WithTimeout(context.Background(), setupTimeout)
			defer cancel()

			store, release, err := newRecordStore(setupCtx, cfg)
			if err != nil {
				return err
			}
			defer release()

			checkpoints, err := checkpoint.NewClient(store, cfg.Checkpoint.Prefix,
				checkpoint.ClientWithPublishInterval(cfg.Checkpoint.PublishInterval))
			if err != nil {
				return err
			}

			consumers := events.NewConsumerService()
			if printEvents {
				consumers.Add(events.NewPrinter(os.Stdout))
			}
			if consumers.Len() == 0 {
				_ = checkpoints.Close(setupCtx)
				return errors.New("no event consumers are enabled; batches would be checkpointed without being delivered")
			}

			engine, err := events.NewBatchingService(consumers, checkpoints,
				events.BatchingWithMaxEvents(cfg.EventBatching.MaxEvents),
				events.BatchingWithFlushTimespan(cfg.EventBatching.FlushTimespan),
				events.BatchingWithIdleSafetyMargin(cfg.EventBatching.IdleSafetyMargin))
			if err != nil {
				_ = checkpoints.Close(setupCtx)
				return err
			}

			hub, err := newHub(cfg)
			if err != nil {
				_ = checkpoints.Close(setupCtx)
				return err
			}

			source, err := processor.NewHubSource(hub,
				processor.HubSourceWithConsumerGroup(cfg.EventHub.ConsumerGroup),
				processor.HubSourceWithPrefetchCount(cfg.EventHub.PrefetchCount))
			if err != nil {
				_ = checkpoints.Close(setupCtx)
				return err
			}

			proc, err := processor.New(source, engine, checkpoints,
				processor.ProcessorWithMaxWaitTime(cfg.EventHub.MaxWaitTime))
			if err != nil {
				_ = checkpoints.Close(setupCtx)
				return err
			}

			stopMetrics := serveMetrics(cfg.MetricsAddr)
			defer stopMetrics()

			log.WithFields(log.Fields{
				"hub":    cfg.EventHub.Name,
				"prefix": cfg.Checkpoint.Prefix,
				"store":  cfg.Checkpoint.Store,
			}).Infof("reading from event hub: %s", cfg.EventHub.Name)
			return proc.Start(context.Background())
		},
	}
)
