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

package bucketcatalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T, opts Options) *Catalog {
	t.Helper()
	return New(opts, nil, nil)
}

func TestCatalog_InsertPrepareFinish(t *testing.T) {
	opts := testOptions()
	c := newTestCatalog(t, opts)

	now := time.Now().UTC()
	result, err := c.Insert("db.coll", map[string]any{"sensor": "a"}, map[string]any{
		"time": now,
		"temp": 21.5,
	}, nil, CombineAllow)
	require.NoError(t, err)
	require.Equal(t, 1, result.Batch.Len())

	info, claimed, err := c.PrepareCommit(context.Background(), result.Batch)
	require.NoError(t, err)
	require.True(t, claimed)
	require.True(t, info.NewBucket)
	require.Len(t, info.Measurements, 1)

	c.FinishCommit(result.Batch, info)

	waitErr := result.Batch.Wait(context.Background())
	require.NoError(t, waitErr)

	snap := c.GlobalStats()
	require.EqualValues(t, 1, snap.NumCommits)
	require.EqualValues(t, 1, snap.NumMeasurementsCommitted)
	require.EqualValues(t, 1, snap.NumBucketsOpened)
	require.EqualValues(t, 1, snap.NumBucketInserts)
}

func TestCatalog_CombineAllowSharesOneBatchAndOneCommitter(t *testing.T) {
	const n = 16
	opts := testOptions()
	opts.MaxCount = n // room for all n inserts, so no count rollover splits the batch
	c := newTestCatalog(t, opts)
	now := time.Now().UTC()

	batches := make([]*WriteBatch, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			result, err := c.Insert("db.coll", map[string]any{"sensor": "shared"}, map[string]any{
				"time": now,
				"x":    float64(i),
			}, nil, CombineAllow)
			require.NoError(t, err)
			batches[i] = result.Batch
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, batches[0], batches[i], "every CombineAllow insert at the same key/time should land in the same batch")
	}
	require.Equal(t, n, batches[0].Len())

	var claims atomic.Int64
	var wg2 sync.WaitGroup
	wg2.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg2.Done()
			_, claimed, err := c.PrepareCommit(context.Background(), batches[0])
			require.NoError(t, err)
			if claimed {
				claims.Add(1)
			}
		}()
	}
	wg2.Wait()
	require.EqualValues(t, 1, claims.Load(), "exactly one goroutine should win commit rights")
}

func TestCatalog_CombineDisallowKeepsBatchesSeparate(t *testing.T) {
	opts := testOptions()
	c := newTestCatalog(t, opts)
	now := time.Now().UTC()

	meta := map[string]any{"sensor": "solo"}
	first, err := c.Insert("db.coll", meta, map[string]any{"time": now, "x": 1.0}, nil, CombineDisallow)
	require.NoError(t, err)
	second, err := c.Insert("db.coll", meta, map[string]any{"time": now, "x": 2.0}, nil, CombineDisallow)
	require.NoError(t, err)

	require.NotSame(t, first.Batch, second.Batch, "CombineDisallow must keep each caller's contribution in its own batch")
	require.Equal(t, 1, first.Batch.Len())
	require.Equal(t, 1, second.Batch.Len())

	ctx := context.Background()
	infoFirst, claimedFirst, err := c.PrepareCommit(ctx, first.Batch)
	require.NoError(t, err)
	require.True(t, claimedFirst)
	c.FinishCommit(first.Batch, infoFirst)

	infoSecond, claimedSecond, err := c.PrepareCommit(ctx, second.Batch)
	require.NoError(t, err)
	require.True(t, claimedSecond)
	c.FinishCommit(second.Batch, infoSecond)

	require.NoError(t, first.Batch.Wait(ctx))
	require.NoError(t, second.Batch.Wait(ctx))
}

// TestCatalog_ClaimedBatchDoesNotAbsorbLaterInserts guards against the data
// loss scenario where a batch already claimed for commit (its measurements
// already snapshotted) keeps silently accepting appends from inserts that
// race in before FinishCommit: once PrepareCommit claims a batch, it must be
// detached from its bucket's pending Batches map so a later insert choosing
// the same selection key starts a fresh batch instead.
func TestCatalog_ClaimedBatchDoesNotAbsorbLaterInserts(t *testing.T) {
	opts := testOptions()
	c := newTestCatalog(t, opts)
	now := time.Now().UTC()
	meta := map[string]any{"sensor": "a"}

	first, err := c.Insert("db.coll", meta, map[string]any{"time": now, "x": 1.0}, nil, CombineAllow)
	require.NoError(t, err)

	ctx := context.Background()
	info, claimed, err := c.PrepareCommit(ctx, first.Batch)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second insert lands on the same bucket/selection key while the
	// first batch is still mid-commit (between PrepareCommit and
	// FinishCommit).
	second, err := c.Insert("db.coll", meta, map[string]any{"time": now, "x": 2.0}, nil, CombineAllow)
	require.NoError(t, err)

	require.NotSame(t, first.Batch, second.Batch, "an insert racing between PrepareCommit and FinishCommit must not join the already-claimed batch")
	require.Equal(t, 1, first.Batch.Len(), "the claimed batch's snapshot must not grow after being claimed")
	require.Len(t, info.Measurements, 1)

	c.FinishCommit(first.Batch, info)
	require.NoError(t, first.Batch.Wait(ctx))

	// The second insert's batch must still be independently preparable and
	// committable — its measurement was never lost.
	info2, claimed2, err := c.PrepareCommit(ctx, second.Batch)
	require.NoError(t, err)
	require.True(t, claimed2)
	require.Len(t, info2.Measurements, 1)
	c.FinishCommit(second.Batch, info2)
	require.NoError(t, second.Batch.Wait(ctx))

	snap := c.GlobalStats()
	require.EqualValues(t, 2, snap.NumMeasurementsCommitted)
}

// TestCatalog_PrepareCommitWaitsForInFlightPreparedBatch exercises the
// concurrency scenario where two batches against the same bucket both reach
// PrepareCommit: only one may be prepared at a time, and the other must
// block until the first finishes rather than proceeding concurrently.
func TestCatalog_PrepareCommitWaitsForInFlightPreparedBatch(t *testing.T) {
	opts := testOptions()
	c := newTestCatalog(t, opts)
	now := time.Now().UTC()
	meta := map[string]any{"sensor": "a"}

	first, err := c.Insert("db.coll", meta, map[string]any{"time": now, "x": 1.0}, nil, CombineDisallow)
	require.NoError(t, err)

	ctx := context.Background()
	infoFirst, claimedFirst, err := c.PrepareCommit(ctx, first.Batch)
	require.NoError(t, err)
	require.True(t, claimedFirst)

	second, err := c.Insert("db.coll", meta, map[string]any{"time": now, "x": 2.0}, nil, CombineDisallow)
	require.NoError(t, err)

	var secondPrepared atomic.Bool
	prepareDone := make(chan struct{})
	go func() {
		defer close(prepareDone)
		_, claimed, err := c.PrepareCommit(ctx, second.Batch)
		require.NoError(t, err)
		require.True(t, claimed)
		secondPrepared.Store(true)
	}()

	select {
	case <-prepareDone:
		t.Fatal("second batch's PrepareCommit returned before the first batch's FinishCommit ran")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, secondPrepared.Load())

	c.FinishCommit(first.Batch, infoFirst)
	require.NoError(t, first.Batch.Wait(ctx))

	select {
	case <-prepareDone:
	case <-time.After(time.Second):
		t.Fatal("second batch's PrepareCommit never unblocked after the first batch finished")
	}
	require.True(t, secondPrepared.Load())
}

func TestCatalog_TimeForwardArchivesWithScalabilityEnabled(t *testing.T) {
	opts := testOptions()
	opts.ScalabilityImprovementsEnabled = true
	c := newTestCatalog(t, opts)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := map[string]any{"sensor": "a"}

	first, err := c.Insert("db.coll", meta, map[string]any{"time": start, "x": 1.0}, nil, CombineAllow)
	require.NoError(t, err)
	firstID := first.Batch.BucketID()

	second, err := c.Insert("db.coll", meta, map[string]any{"time": start.Add(2 * time.Hour), "x": 1.0}, nil, CombineAllow)
	require.NoError(t, err)
	require.NotEqual(t, firstID, second.Batch.BucketID(), "time-forward past the bucket span opens a new bucket")

	snap := c.GlobalStats()
	require.EqualValues(t, 1, snap.NumBucketsArchivedDueToTimeForward)
	require.EqualValues(t, 0, snap.NumBucketsClosedDueToTimeForward)
}

func TestCatalog_MemoryPressureClosesIdleBuckets(t *testing.T) {
	opts := testOptions()
	opts.NStripes = 1 // force every key into one stripe so eviction is deterministic
	opts.IdleExpiryMemoryThresholdBytes = 1 // evict eagerly
	opts.IdleExpiryMaxCountPerAttempt = 10
	opts = opts.WithDefaults()
	c := newTestCatalog(t, opts)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		meta := map[string]any{"sensor": fmt.Sprintf("s%d", i)}
		result, err := c.Insert("db.coll", meta, map[string]any{"time": now, "x": 1.0}, nil, CombineAllow)
		require.NoError(t, err)
		info, claimed, err := c.PrepareCommit(context.Background(), result.Batch)
		require.NoError(t, err)
		require.True(t, claimed)
		c.FinishCommit(result.Batch, info)
	}

	require.Less(t, c.NumOpenBuckets(), 5, "idle buckets should have been evicted under memory pressure")
	snap := c.GlobalStats()
	require.Greater(t, snap.NumBucketsClosedDueToMemoryThreshold, int64(0))
}

func TestCatalog_ClearBucketDefersWhilePrepared(t *testing.T) {
	opts := testOptions()
	c := newTestCatalog(t, opts)
	now := time.Now().UTC()

	result, err := c.Insert("db.coll", map[string]any{"sensor": "a"}, map[string]any{"time": now, "x": 1.0}, nil, CombineAllow)
	require.NoError(t, err)

	info, claimed, err := c.PrepareCommit(context.Background(), result.Batch)
	require.NoError(t, err)
	require.True(t, claimed)

	key := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "a"}, nil))
	err = c.ClearBucket(result.Batch.BucketID(), key)
	require.ErrorIs(t, err, ErrWriteConflict)

	c.FinishCommit(result.Batch, info)

	state, ok := c.registry.Get(result.Batch.BucketID())
	require.False(t, ok, "bucket should have been torn down once the deferred clear took effect")
	_ = state
}
