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
	"time"

	json "github.com/goccy/go-json"
)

// RolloverAction is what decideRollover concludes an incoming measurement
// requires of its target bucket, before the measurement is actually
// inserted (spec.md §4.4).
type RolloverAction int

const (
	// RolloverActionNone means the bucket accepts the measurement as-is.
	RolloverActionNone RolloverAction = iota
	// RolloverActionHardClose means the current bucket must be closed (no
	// further measurements ever land in it) and a brand new bucket opened
	// for this and subsequent measurements.
	RolloverActionHardClose
	// RolloverActionArchive means the current bucket is set aside
	// (archived, not closed) because the new measurement's time falls
	// before the bucket's window or at or past its BucketMaxSpan — only
	// reachable when Options.ScalabilityImprovementsEnabled is set; a later measurement
	// whose time falls back within the archived bucket's window can reopen
	// it instead of opening yet another new bucket.
	RolloverActionArchive
)

// Bucket is one in-memory accumulation of measurements sharing a
// (namespace, metadata) key and time window, guarded by its owning Stripe's
// mutex (spec.md §3, §5) — Bucket itself holds no lock.
type Bucket struct {
	ID  BucketID
	Key BucketKey

	MinTime    time.Time
	LatestTime time.Time

	NumMeasurements          int
	NumCommittedMeasurements int
	SizeBytes                int

	Schema *Schema
	MinMax *MinMax

	// Batches holds every pending (unclaimed) WriteBatch against this
	// bucket, keyed by the selection key chosen when it was created: opId
	// 0 when the creating insert allowed combining with concurrent
	// writers, otherwise that insert's own op id (spec.md §3, §4.3 step
	// 7). A batch is removed from this map the instant some caller claims
	// it for commit (PrepareCommit), so a later insert choosing the same
	// selection key starts a fresh batch instead of appending to one
	// already mid-commit.
	Batches map[OpID]*WriteBatch

	// PreparedBatch is the single batch currently claimed for commit, if
	// any. At most one prepared batch exists per bucket at any instant
	// (spec.md §3).
	PreparedBatch *WriteBatch

	// Archived is true while the bucket sits in its Stripe's archived
	// index rather than its open-bucket index (spec.md §4.6/§4.7).
	Archived bool

	// KeptOpenDueToLargeMeasurements latches once a measurement has been
	// accepted under the large-measurements grace window (spec.md §4.4
	// step 4), so the corresponding stat is only counted the first time a
	// given bucket benefits from it.
	KeptOpenDueToLargeMeasurements bool
}

// NewBucket allocates a fresh, empty bucket for key at windowStart, with a
// freshly seeded MinMax/Schema. timeField names the measurement field that
// carries the timestamp (Options.TimeField), so the seeded MinMax entry
// lines up with the field MinMax.Update will later see on every insert.
func NewBucket(id BucketID, key BucketKey, windowStart time.Time, timeField string) *Bucket {
	b := &Bucket{
		ID:         id,
		Key:        key,
		MinTime:    windowStart,
		LatestTime: windowStart,
		Schema:     NewSchema(),
		MinMax:     NewMinMax(key.Metadata.Collator()),
	}
	b.MinMax.Seed(timeField, windowStart)
	return b
}

// AllCommitted reports whether every measurement ever inserted into b has
// been committed — i.e. no batch is currently accumulating uncommitted
// writes. closeBucketLocked uses it to decide whether a closed bucket's
// state registry entry can be dropped at once.
func (b *Bucket) AllCommitted() bool {
	return b.NumCommittedMeasurements == b.NumMeasurements
}

// decideRollover decides what must happen to b before doc (whose time field
// has the value t) can be added to it. The checks run in the fixed order
// spec.md §4.4 requires: schema compatibility, then count limit, then time
// direction (forward or backward), then size limit with a large-measurements
// grace window.
func decideRollover(b *Bucket, doc map[string]any, t time.Time, opts Options) (RolloverAction, RolloverReason) {
	if result := (&Schema{fields: cloneSchemaFields(b.Schema)}).Update(doc, opts.MetaField); result == SchemaFailed {
		return RolloverActionHardClose, RolloverSchemaChange
	}

	if b.NumMeasurements+1 > opts.MaxCount {
		return RolloverActionHardClose, RolloverCount
	}

	if t.Sub(b.MinTime) >= opts.BucketMaxSpan {
		if opts.ScalabilityImprovementsEnabled {
			return RolloverActionArchive, RolloverArchiveTimeForward
		}
		return RolloverActionHardClose, RolloverTimeForward
	}
	if t.Before(b.MinTime) {
		if opts.ScalabilityImprovementsEnabled {
			return RolloverActionArchive, RolloverArchiveTimeBackward
		}
		return RolloverActionHardClose, RolloverTimeBackward
	}

	maxSize := opts.MaxSizeBytes
	keptOpenGrace := opts.ScalabilityImprovementsEnabled && b.NumMeasurements < opts.MinCountForLargeMeasurements
	if keptOpenGrace {
		maxSize = opts.LargeMeasurementsMaxSizeBytes
	}
	delta := computeMeasurementSize(doc, b.NumMeasurements)
	candidateSize := b.SizeBytes + delta
	if candidateSize > maxSize {
		return RolloverActionHardClose, RolloverSize
	}
	if keptOpenGrace && candidateSize > opts.MaxSizeBytes && !b.KeptOpenDueToLargeMeasurements {
		b.KeptOpenDueToLargeMeasurements = true
		return RolloverActionNone, RolloverKeptOpenForLargeMeasurements
	}

	return RolloverActionNone, RolloverNone
}

// cloneSchemaFields copies a Schema's field map so decideRollover can probe
// compatibility without mutating the bucket's real schema ahead of the
// measurement actually being accepted.
func cloneSchemaFields(s *Schema) map[string]string {
	out := make(map[string]string, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// computeMeasurementSize estimates the marginal byte cost of appending doc
// as the (index+1)'th measurement in a bucket, mirroring the column-store
// layout the original bucket_catalog.cpp sizes for: each field's value is
// stored in a per-field array keyed by the measurement's decimal index, so
// the per-measurement overhead grows with the number of digits in that
// index.
func computeMeasurementSize(doc map[string]any, index int) int {
	keyOverhead := int(NumDigits(uint32(index))) + 1
	total := 0
	for _, v := range doc {
		total += keyOverhead
		if encoded, err := json.Marshal(v); err == nil {
			total += len(encoded)
		}
	}
	return total
}
