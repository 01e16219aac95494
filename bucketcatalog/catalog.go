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
	"sync"
	"sync/atomic"
	"time"

	log "github.com/erigontech/erigon-lib/log/v3"
)

// Catalog is the top-level handle spec.md §9 describes: an explicit,
// constructed object (never a package-level singleton) that callers thread
// through their write path. A Catalog is safe for concurrent use by many
// goroutines.
type Catalog struct {
	opts Options

	stripes  []*Stripe
	registry *StateRegistry
	idGen    *idGenerator

	globalStats *ExecutionStats

	nsMu    sync.Mutex
	nsStats map[string]*ExecutionStats

	reader BucketDocumentReader
	logger log.Logger

	opCounter atomic.Uint64
}

// New constructs a Catalog. reader may be nil, meaning the catalog never
// attempts to reopen a bucket document from storage and opens a fresh
// bucket for a key it holds neither open nor archived. logger may be nil,
// in which case a no-op root logger is used.
func New(opts Options, reader BucketDocumentReader, logger log.Logger) *Catalog {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = log.Root()
	}
	stripes := make([]*Stripe, opts.NStripes)
	for i := range stripes {
		stripes[i] = NewStripe()
	}
	return &Catalog{
		opts:        opts,
		stripes:     stripes,
		registry:    NewStateRegistry(),
		idGen:       newIDGenerator(),
		globalStats: &ExecutionStats{},
		nsStats:     make(map[string]*ExecutionStats),
		reader:      reader,
		logger:      logger,
	}
}

func (c *Catalog) stripeFor(key BucketKey) *Stripe {
	return c.stripes[key.Hash&uint64(len(c.stripes)-1)]
}

// statsForNamespace returns (creating on first use) the ExecutionStats
// tracked for namespace.
func (c *Catalog) statsForNamespace(namespace string) *ExecutionStats {
	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	s, ok := c.nsStats[namespace]
	if !ok {
		s = &ExecutionStats{}
		c.nsStats[namespace] = s
	}
	return s
}

func (c *Catalog) nextOpID() OpID {
	return OpID(c.opCounter.Add(1))
}

// GlobalStats returns a snapshot of the catalog-wide ExecutionStats.
func (c *Catalog) GlobalStats() StatsSnapshot {
	return c.globalStats.Snapshot()
}

// NamespaceStats returns a snapshot of namespace's ExecutionStats, or the
// zero value if the catalog has never touched that namespace.
func (c *Catalog) NamespaceStats(namespace string) StatsSnapshot {
	c.nsMu.Lock()
	s, ok := c.nsStats[namespace]
	c.nsMu.Unlock()
	if !ok {
		return StatsSnapshot{}
	}
	return s.Snapshot()
}

// InsertResult is what Insert hands back to a caller: the batch it joined
// (shared with any other concurrent writer who landed in the same bucket)
// and the op id identifying this caller's own contribution within it, for a
// later Abort.
type InsertResult struct {
	Batch *WriteBatch
	OpID  OpID
}

// Insert assigns doc (whose TimeField must be a time.Time) to a bucket
// under (namespace, meta), applying rollover, archival, and reopen logic as
// needed, and appends it to one of that bucket's pending WriteBatches
// (spec.md §4.1/§4.4-4.6). combine selects which pending batch: CombineAllow
// lets doc join any other caller's not-yet-prepared batch on the same
// bucket, CombineDisallow keeps this call's contribution in a batch of its
// own (spec.md §4.3 step 7).
func (c *Catalog) Insert(namespace string, meta any, doc map[string]any, collator Collator, combine CombineMode) (InsertResult, error) {
	rawT, ok := doc[c.opts.TimeField]
	if !ok {
		return InsertResult{}, badValuef("document missing time field %q", c.opts.TimeField)
	}
	t, ok := rawT.(time.Time)
	if !ok {
		return InsertResult{}, badValuef("time field %q is not a timestamp", c.opts.TimeField)
	}

	metadata := NewBucketMetadata(meta, collator)
	key := NewBucketKey(namespace, metadata)
	stripe := c.stripeFor(key)
	ns := c.statsForNamespace(namespace)

	stripe.Lock()
	defer stripe.Unlock()

	bucket, found := stripe.BucketForKey(key)
	if found {
		action, reason := decideRollover(bucket, doc, t, c.opts)
		switch action {
		case RolloverActionHardClose:
			c.closeBucketLocked(stripe, bucket)
			recordRollover(reason, c.globalStats, ns)
			found = false
		case RolloverActionArchive:
			stripe.Archive(bucket, time.Now())
			recordRollover(reason, c.globalStats, ns)
			found = false
		default:
			if reason == RolloverKeptOpenForLargeMeasurements {
				recordRollover(reason, c.globalStats, ns)
			}
		}
	}

	if !found {
		if ab, ok := stripe.FindArchivedForReopen(key, t); ok {
			candidate := ab.Bucket
			// Only reopen if the measurement would actually fit; otherwise
			// leave the archived bucket alone and fall through to the next
			// candidate source.
			if action, _ := decideRollover(candidate, doc, t, c.opts); action == RolloverActionNone {
				stripe.Unarchive(ab)
				bucket = candidate
				stripe.InsertOpen(bucket)
				c.globalStats.NumBucketsReopened.Add(1)
				ns.NumBucketsReopened.Add(1)
				found = true
			}
		}
	}

	if !found && c.reader != nil {
		if reopened := c.tryReopenFromStorage(stripe, namespace, metadata, t); reopened != nil {
			bucket = reopened
			found = true
		}
	}

	if !found {
		id, windowStart := c.idGen.generate(t, c.opts.Granularity)
		bucket = NewBucket(id, key, windowStart, c.opts.TimeField)
		stripe.InsertOpen(bucket)
		c.registry.Register(id)
		c.globalStats.NumBucketsOpened.Add(1)
		ns.NumBucketsOpened.Add(1)
	}

	return c.appendToBucketLocked(stripe, bucket, doc, combine), nil
}

// tryReopenFromStorage consults c.reader for a persisted bucket document
// that could host t, and reconstructs it in memory on success. It returns
// nil (never an error) on any failure, falling back to opening a new
// bucket, since a reopen candidate is an optimization, not a correctness
// requirement.
func (c *Catalog) tryReopenFromStorage(stripe *Stripe, namespace string, metadata BucketMetadata, t time.Time) *Bucket {
	doc, err := c.reader.FindBucketForReopen(namespace, metadata, t)
	if err != nil || doc == nil {
		return nil
	}
	bucket, err := ReopenBucket(doc, metadata.Collator(), c.opts.TimeField)
	if err != nil {
		c.logger.Warn("discarding bucket reopen candidate", "namespace", namespace, "bucketId", doc.ID, "err", err)
		return nil
	}
	if action, _ := decideRollover(bucket, map[string]any{c.opts.TimeField: t}, t, c.opts); action != RolloverActionNone {
		return nil
	}
	stripe.InsertOpen(bucket)
	c.registry.Register(bucket.ID)
	c.globalStats.NumBucketsReopened.Add(1)
	c.statsForNamespace(namespace).NumBucketsReopened.Add(1)
	return bucket
}

// appendToBucketLocked records doc's effect on bucket's schema/min/max/size
// and returns the op id plus the WriteBatch the caller should use to
// prepare/commit. The stripe lock must already be held.
//
// The batch is selected by combine (spec.md §4.3 step 7): CombineAllow
// always targets selection key 0, so every caller willing to combine lands
// in the same pending batch until it is claimed for commit; CombineDisallow
// targets this call's own op id, so it never shares a batch with anyone.
// Either way, if the selection key names a batch that was already claimed
// (removed from bucket.Batches by PrepareCommit), a brand new batch is
// started — doc is never appended to a batch already mid-commit, where it
// could be silently dropped from that batch's already-taken snapshot.
func (c *Catalog) appendToBucketLocked(stripe *Stripe, bucket *Bucket, doc map[string]any, combine CombineMode) InsertResult {
	newFields := schemaNewFields(bucket.Schema, doc, c.opts.MetaField)
	bucket.Schema.Update(doc, c.opts.MetaField)
	bucket.MinMax.Update(doc, c.opts.MetaField)
	bucket.SizeBytes += computeMeasurementSize(doc, bucket.NumMeasurements)
	bucket.NumMeasurements++
	if t, ok := doc[c.opts.TimeField].(time.Time); ok && t.After(bucket.LatestTime) {
		bucket.LatestTime = t
	}

	op := c.nextOpID()
	batchKey := op
	if combine == CombineAllow {
		batchKey = 0
	}

	batch, ok := bucket.Batches[batchKey]
	if !ok {
		if bucket.Batches == nil {
			bucket.Batches = make(map[OpID]*WriteBatch)
		}
		batch = NewWriteBatch(bucket.ID, bucket.Key, bucket.NumCommittedMeasurements, batchKey)
		bucket.Batches[batchKey] = batch
		stripe.MarkBusy(bucket)
	}

	batch.Add(op, doc, newFields)
	return InsertResult{Batch: batch, OpID: op}
}

// schemaNewFields reports which of doc's fields (other than metaField) are
// not already tracked by schema, computed before schema is mutated so the
// resulting WriteBatch can tell a storage layer which new columns it must
// create.
func schemaNewFields(schema *Schema, doc map[string]any, metaField string) []string {
	var out []string
	for field := range doc {
		if field == metaField {
			continue
		}
		if _, ok := schema.fields[field]; !ok {
			out = append(out, field)
		}
	}
	return out
}

// closeBucketLocked removes bucket from the open index so no further
// insert can land in it. If it still has an in-flight batch, the batch
// keeps running independently (the caller already holds a reference to it)
// and the state registry entry is left in place until that batch finishes.
func (c *Catalog) closeBucketLocked(stripe *Stripe, bucket *Bucket) {
	stripe.RemoveOpen(bucket)
	if bucket.AllCommitted() {
		c.registry.Remove(bucket.ID)
	}
}

// PrepareCommit claims commit rights over batch for the calling goroutine.
// Exactly one of however many goroutines share batch will see claimed ==
// true; everyone else must call Wait on the same batch instead. The state
// registry transition (Normal -> Prepared) is applied here so a concurrent
// Clear on the same bucket correctly defers teardown until FinishCommit or
// AbortCommit runs.
func (c *Catalog) PrepareCommit(ctx context.Context, batch *WriteBatch) (info CommitInfo, claimed bool, err error) {
	if !batch.ClaimCommitRights() {
		return CommitInfo{}, false, nil
	}

	stripe := c.stripeFor(batch.key)
	for {
		stripe.Lock()
		bucket, ok := stripe.BucketByID(batch.BucketID())
		if !ok {
			stripe.Unlock()
			batch.Finish(ErrBucketCleared)
			return CommitInfo{}, true, ErrBucketCleared
		}
		if other := bucket.PreparedBatch; other != nil && other != batch {
			// Another batch on this bucket is already mid-commit
			// (spec.md §8 scenario 4, §4.8 step 2): drop the lock and
			// wait for it to finish before retrying, rather than
			// proceeding to prepare two batches on one bucket at once.
			stripe.Unlock()
			if waitErr := other.Wait(ctx); waitErr != nil && ctx.Err() != nil {
				batch.Finish(ctx.Err())
				return CommitInfo{}, true, ctx.Err()
			}
			continue
		}

		// Claim batch for commit: detach it from the set of batches new
		// inserts can append to (original bucket_catalog.cpp's
		// _waitToCommitBatch erases bucket->_batches[batch->_opId]) and
		// record it as the bucket's single prepared batch.
		delete(bucket.Batches, batch.BatchKey())
		bucket.PreparedBatch = batch

		minUpdates := bucket.MinMax.MinUpdates()
		maxUpdates := bucket.MinMax.MaxUpdates()
		schemaUpdates := bucket.Schema.Export()
		stripe.Unlock()

		if err := c.registry.Prepare(batch.BucketID()); err != nil {
			stripe.Lock()
			if b, ok := stripe.BucketByID(batch.BucketID()); ok && b.PreparedBatch == batch {
				b.PreparedBatch = nil
			}
			stripe.Unlock()
			batch.Finish(err)
			return CommitInfo{}, true, err
		}

		newBucket := batch.numPreviouslyCommitted == 0
		snap := batch.Snapshot(newBucket, minUpdates, maxUpdates, schemaUpdates)
		return snap, true, nil
	}
}

// FinishCommit records that info's measurements were durably written,
// releases commit rights, and broadcasts success to every caller waiting on
// batch. If the bucket was cleared while this batch was being committed, it
// is physically removed from its stripe now.
func (c *Catalog) FinishCommit(batch *WriteBatch, info CommitInfo) {
	stripe := c.stripeFor(batch.key)
	stripe.Lock()
	bucket, ok := stripe.BucketByID(batch.BucketID())
	if ok {
		bucket.NumCommittedMeasurements += len(info.Measurements)
		if bucket.PreparedBatch == batch {
			bucket.PreparedBatch = nil
			if bucket.AllCommitted() {
				stripe.MarkIdle(bucket)
			}
		}
		nsStats := c.statsForNamespace(batch.key.Namespace)
		if info.NewBucket {
			c.globalStats.NumBucketInserts.Add(1)
			nsStats.NumBucketInserts.Add(1)
		} else {
			c.globalStats.NumBucketUpdates.Add(1)
			nsStats.NumBucketUpdates.Add(1)
		}
	}
	stripe.Unlock()

	c.globalStats.NumCommits.Add(1)
	c.globalStats.NumMeasurementsCommitted.Add(int64(len(info.Measurements)))
	ns := c.statsForNamespace(batch.key.Namespace)
	ns.NumCommits.Add(1)
	ns.NumMeasurementsCommitted.Add(int64(len(info.Measurements)))

	nowCleared := c.registry.Unprepare(batch.BucketID())
	if nowCleared {
		c.removeClearedBucket(batch.BucketID(), batch.key)
	}

	c.runMemoryPressureRelief(batch.key)
	batch.Finish(nil)
}

// AbortCommit releases commit rights and broadcasts err to every caller
// waiting on batch, without marking any measurement committed. Used when
// the actual storage write failed. The bucket's PreparedBatch pointer is
// cleared if it still names batch, so a concurrent PrepareCommit waiting on
// batch's Done() channel (see the wait loop in PrepareCommit) finds the
// bucket free to claim instead of spinning on a stale pointer forever
// (mirrors original bucket_catalog.cpp's _abort resetting _preparedBatch).
func (c *Catalog) AbortCommit(batch *WriteBatch, err error) {
	stripe := c.stripeFor(batch.key)
	stripe.Lock()
	if bucket, ok := stripe.BucketByID(batch.BucketID()); ok && bucket.PreparedBatch == batch {
		bucket.PreparedBatch = nil
	}
	stripe.Unlock()

	nowCleared := c.registry.Unprepare(batch.BucketID())
	if nowCleared {
		c.removeClearedBucket(batch.BucketID(), batch.key)
	}
	if err == nil {
		err = ErrWriteConflict
	}
	batch.Finish(err)
}

func (c *Catalog) removeClearedBucket(id BucketID, key BucketKey) {
	stripe := c.stripeFor(key)
	stripe.Lock()
	if bucket, ok := stripe.BucketByID(id); ok {
		stripe.RemoveOpen(bucket)
	}
	stripe.Unlock()
	c.registry.Remove(id)
}

func (c *Catalog) runMemoryPressureRelief(key BucketKey) {
	stripe := c.stripeFor(key)
	localThreshold := c.opts.IdleExpiryMemoryThresholdBytes / int64(len(c.stripes))
	stripe.Lock()
	outcome := runIdleExpiry(stripe, c.registry, c.opts, localThreshold, c.globalStats, c.statsForNamespace)
	stripe.Unlock()
	if outcome.numIdleClosed > 0 || outcome.numArchivedDropped > 0 {
		c.logger.Debug("idle expiry reclaimed buckets", "closed", outcome.numIdleClosed, "archivedDropped", outcome.numArchivedDropped)
	}
}

// ClearBucket marks a single bucket (by id) for teardown. If the bucket is
// currently Prepared (a batch is mid-commit), the actual removal is
// deferred to that batch's FinishCommit/AbortCommit, and ClearBucket returns
// ErrWriteConflict so the caller's enclosing transaction can retry.
// ErrBucketNotFound is returned if id is not currently tracked (already
// cleared, or never existed).
func (c *Catalog) ClearBucket(id BucketID, key BucketKey) error {
	if _, ok := c.registry.Get(id); !ok {
		return ErrBucketNotFound
	}
	wasPrepared := c.registry.Clear(id)
	if wasPrepared {
		return ErrWriteConflict
	}
	c.removeClearedBucket(id, key)
	return nil
}

// ClearPredicate clears every currently open bucket across every stripe for
// which match returns true, e.g. to implement ClearNamespace/ClearDatabase
// in terms of a namespace-prefix predicate (spec.md §6).
func (c *Catalog) ClearPredicate(ctx context.Context, match func(namespace string) bool) (cleared, conflicted int) {
	for _, stripe := range c.stripes {
		if ctx.Err() != nil {
			return cleared, conflicted
		}
		stripe.Lock()
		var toClear []*Bucket
		for _, b := range stripe.openByID {
			if match(b.Key.Namespace) {
				toClear = append(toClear, b)
			}
		}
		stripe.Unlock()

		for _, b := range toClear {
			if err := c.ClearBucket(b.ID, b.Key); err != nil {
				conflicted++
			} else {
				cleared++
			}
		}
	}
	return cleared, conflicted
}

// ClearNamespace clears every open bucket belonging to namespace.
func (c *Catalog) ClearNamespace(ctx context.Context, namespace string) (cleared, conflicted int) {
	return c.ClearPredicate(ctx, func(ns string) bool { return ns == namespace })
}

// GetMetadata returns the raw metadata a bucket was opened with, for
// diagnostics.
func (c *Catalog) GetMetadata(id BucketID, key BucketKey) (any, bool) {
	stripe := c.stripeFor(key)
	stripe.Lock()
	defer stripe.Unlock()
	b, ok := stripe.BucketByID(id)
	if !ok {
		return nil, false
	}
	return b.Key.Metadata.Raw(), true
}
