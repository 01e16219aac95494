// Copyright 2024 The Erigon Authors
// This file is part of tsbucket.
//
// tsbucket is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// tsbucket is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with tsbucket. If not, see <http://www.gnu.org/licenses/>.

// Command bucketctl drives a bucketcatalog.Catalog against an in-memory
// fixture, for manual exercise of the insert/prepare/finish/stats flow
// without standing up a full storage layer.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/spf13/cobra"

	"github.com/erigontech/tsbucket/bucketcatalog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		namespace   string
		numInserts  int
		numSensors  int
		maxCount    int
		nstripes    int
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "bucketctl",
		Short: "Exercise a tsbucket bucketcatalog.Catalog against a synthetic insert workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Root()
			if verbose {
				logger = log.New()
			}

			opts := bucketcatalog.Options{
				TimeseriesOptions: bucketcatalog.TimeseriesOptions{
					TimeField:     "time",
					MetaField:     "meta",
					Granularity:   bucketcatalog.GranularityMinutes,
					BucketMaxSpan: time.Hour,
				},
				MaxCount: maxCount,
				NStripes: nstripes,
			}.WithDefaults()

			catalog := bucketcatalog.New(opts, nil, logger)
			if err := runWorkload(catalog, namespace, numInserts, numSensors); err != nil {
				return err
			}

			printStats(catalog)
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "bench.readings", "target namespace")
	cmd.Flags().IntVar(&numInserts, "inserts", 10_000, "number of measurements to insert")
	cmd.Flags().IntVar(&numSensors, "sensors", 8, "number of distinct sensor metadata values")
	cmd.Flags().IntVar(&maxCount, "max-count", bucketcatalog.DefaultMaxCount, "bucket measurement count limit")
	cmd.Flags().IntVar(&nstripes, "stripes", bucketcatalog.DefaultNStripes, "number of catalog stripes (must be a power of two)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	return cmd
}

// runWorkload inserts numInserts synthetic measurements spread across
// numSensors distinct metadata values, committing each one immediately so
// the run exercises the full insert -> prepare -> finish cycle.
func runWorkload(catalog *bucketcatalog.Catalog, namespace string, numInserts, numSensors int) error {
	start := time.Now().UTC()
	for i := 0; i < numInserts; i++ {
		meta := map[string]any{"sensor": fmt.Sprintf("sensor-%02d", i%numSensors)}
		doc := map[string]any{
			"time": start.Add(time.Duration(i) * time.Second),
			"temp": 15 + rand.Float64()*10,
		}

		result, err := catalog.Insert(namespace, meta, doc, nil, bucketcatalog.CombineAllow)
		if err != nil {
			return fmt.Errorf("insert %d: %w", i, err)
		}

		info, claimed, err := catalog.PrepareCommit(context.Background(), result.Batch)
		if err != nil {
			return fmt.Errorf("prepare_commit %d: %w", i, err)
		}
		if claimed {
			catalog.FinishCommit(result.Batch, info)
		}
		if err := result.Batch.Wait(context.Background()); err != nil {
			return fmt.Errorf("commit %d: %w", i, err)
		}
	}
	return nil
}

func printStats(catalog *bucketcatalog.Catalog) {
	snap := catalog.GlobalStats()
	fmt.Printf("buckets opened:            %d\n", snap.NumBucketsOpened)
	fmt.Printf("buckets closed (count):    %d\n", snap.NumBucketsClosedDueToCount)
	fmt.Printf("buckets closed (size):     %d\n", snap.NumBucketsClosedDueToSize)
	fmt.Printf("buckets closed (schema):   %d\n", snap.NumBucketsClosedDueToSchemaChange)
	fmt.Printf("commits:                   %d\n", snap.NumCommits)
	fmt.Printf("measurements committed:    %d\n", snap.NumMeasurementsCommitted)
	fmt.Printf("avg measurements/commit:   %.2f\n", snap.AvgNumMeasurementsPerCommit)
	fmt.Printf("open buckets (live):       %d\n", catalog.NumOpenBuckets())
	fmt.Printf("idle buckets (live):       %d\n", catalog.NumIdleBuckets())
	fmt.Printf("approx memory usage:       %d bytes\n", catalog.ApproxMemoryUsage())
}
