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
)

// OpID identifies one caller's logical insert within a WriteBatch, so that
// Abort can roll back exactly the measurements that caller contributed
// without disturbing other writers batched into the same bucket.
type OpID uint64

// CommitInfo is the immutable snapshot PrepareCommit hands to whichever
// caller claimed commit rights: everything it needs to build the on-disk
// write without reaching back into the live Bucket (spec.md §4.8).
type CommitInfo struct {
	BucketID               BucketID
	Key                     BucketKey
	NewBucket               bool
	Measurements            []map[string]any
	NumPreviouslyCommitted int
	NewFieldNames           []string
	MinUpdates              map[string]any
	MaxUpdates              map[string]any
	SchemaUpdates           map[string]string
}

// WriteBatch accumulates measurements from one or more concurrent writers
// that all landed in the same open bucket, then serializes their commit
// through a single one-shot result broadcast (spec.md §9): exactly one
// caller claims commit rights via a CAS latch and does the actual work,
// every other caller just waits on Done().
type WriteBatch struct {
	mu sync.Mutex

	bucketID BucketID
	key      BucketKey
	// batchKey is the key this batch is stored under in its bucket's
	// pending Batches map until some caller claims it for commit (spec.md
	// §4.3 step 7): opId 0 when the creating insert allowed combining with
	// concurrent writers, otherwise that insert's own op id.
	batchKey OpID

	measurements  []map[string]any
	opIDs         []OpID
	newFieldNames map[string]struct{}

	numPreviouslyCommitted int

	commitRights atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewWriteBatch returns an empty batch for bucketID, keyed by key, inheriting
// numPreviouslyCommitted from the bucket's prior commit count (0 for a
// freshly opened bucket). batchKey is the key under which this batch is
// stored in its bucket's pending Batches map.
func NewWriteBatch(bucketID BucketID, key BucketKey, numPreviouslyCommitted int, batchKey OpID) *WriteBatch {
	return &WriteBatch{
		bucketID:               bucketID,
		key:                    key,
		batchKey:               batchKey,
		newFieldNames:          make(map[string]struct{}),
		numPreviouslyCommitted: numPreviouslyCommitted,
		done:                   make(chan struct{}),
	}
}

// BucketID returns the bucket this batch writes into.
func (b *WriteBatch) BucketID() BucketID { return b.bucketID }

// BatchKey returns the key this batch was stored under in its bucket's
// pending Batches map before being claimed for commit.
func (b *WriteBatch) BatchKey() OpID { return b.batchKey }

// Add appends doc (tagged with the caller's op id) to the batch and records
// any field names it introduces that the bucket hasn't seen before.
func (b *WriteBatch) Add(op OpID, doc map[string]any, newFields []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.measurements = append(b.measurements, doc)
	b.opIDs = append(b.opIDs, op)
	for _, f := range newFields {
		b.newFieldNames[f] = struct{}{}
	}
}

// Abort removes every measurement contributed by op from the batch. Used
// when a caller that inserted into a shared batch fails validation after
// the fact and must retract just its own contribution (spec.md §4.1
// retraction invariant extended to the batch boundary).
func (b *WriteBatch) Abort(op OpID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.measurements[:0]
	keptIDs := b.opIDs[:0]
	for i, id := range b.opIDs {
		if id == op {
			continue
		}
		kept = append(kept, b.measurements[i])
		keptIDs = append(keptIDs, id)
	}
	b.measurements = kept
	b.opIDs = keptIDs
}

// Len reports how many measurements are currently batched.
func (b *WriteBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.measurements)
}

// ClaimCommitRights is the CAS latch serializing PrepareCommit: exactly one
// caller's attempt returns true; everyone else must instead Wait for the
// winner's result.
func (b *WriteBatch) ClaimCommitRights() bool {
	return b.commitRights.CompareAndSwap(false, true)
}

// HasCommitRights reports whether some caller already won ClaimCommitRights,
// without attempting to claim it.
func (b *WriteBatch) HasCommitRights() bool {
	return b.commitRights.Load()
}

// Snapshot builds the CommitInfo the commit-rights holder uses to perform
// the actual write, reading the batch's accumulated measurements and the
// bucket-level min/max/schema deltas supplied by the caller.
func (b *WriteBatch) Snapshot(newBucket bool, minUpdates, maxUpdates map[string]any, schemaUpdates map[string]string) CommitInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	newFields := make([]string, 0, len(b.newFieldNames))
	for f := range b.newFieldNames {
		newFields = append(newFields, f)
	}
	measurements := make([]map[string]any, len(b.measurements))
	copy(measurements, b.measurements)
	return CommitInfo{
		BucketID:               b.bucketID,
		Key:                     b.key,
		NewBucket:               newBucket,
		Measurements:            measurements,
		NumPreviouslyCommitted: b.numPreviouslyCommitted,
		NewFieldNames:           newFields,
		MinUpdates:              minUpdates,
		MaxUpdates:              maxUpdates,
		SchemaUpdates:           schemaUpdates,
	}
}

// Finish broadcasts the commit (or abort) result to every waiter and is
// idempotent: only the first call has any effect, matching the one-shot
// nature of the result channel.
func (b *WriteBatch) Finish(err error) {
	b.closeOnce.Do(func() {
		b.err = err
		close(b.done)
	})
}

// Done returns a channel closed once Finish has been called.
func (b *WriteBatch) Done() <-chan struct{} { return b.done }

// Wait blocks until Finish is called or ctx is done, returning the commit
// result in the former case.
func (b *WriteBatch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
