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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Azure/health-events-go/checkpoint"
)

func init() {
	checkpointsCmd.AddCommand(listCheckpointsCmd, getCheckpointCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

var (
	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect the checkpoints published for the configured prefix",
	}

	listCheckpointsCmd = &cobra.Command{
		Use:   "list",
		Short: "List the durable checkpoint of every partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoints(func(ctx context.Context, client *checkpoint.Client) error {
				cps, err := client.ListCheckpoints(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PARTITION\tLAST PROCESSED")
				for _, cp := range cps {
					fmt.Fprintf(w, "%s\t%s\n", cp.PartitionID, checkpoint.FormatTimestamp(cp.LastProcessed))
				}
				return w.Flush()
			})
		},
	}

	getCheckpointCmd = &cobra.Command{
		Use:   "get <partition>",
		Short: "Show the durable checkpoint of a single partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoints(func(ctx context.Context, client *checkpoint.Client) error {
				cp, ok, err := client.GetCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return errors.Errorf("no checkpoint for partition %q under prefix %q", args[0], client.Prefix())
				}
				fmt.Println(cp)
				return nil
			})
		},
	}
)

func withCheckpoints(fn func(ctx context.Context, client *checkpoint.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	store, release, err := newRecordStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	client, err := checkpoint.NewClient(store, cfg.Checkpoint.Prefix)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close(ctx)
	}()
	return fn(ctx, client)
}
