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

import "time"

// BucketDocument is the persisted shape of a bucket this catalog does not
// currently hold open — read back from storage (after a restart, or because
// a query planner found a candidate bucket an insert could extend) so it
// can be reconstructed in memory (spec.md §4.9). Field names mirror the
// on-disk bucket document's control block and data columns; the catalog
// itself never writes this shape to disk, only reads it.
type BucketDocument struct {
	ID        BucketID
	Namespace string
	Metadata  any

	MinTime         time.Time
	Min             map[string]any
	Max             map[string]any
	Schema          map[string]string
	NumMeasurements int
}

// BucketDocumentReader looks up the most recently written bucket document
// for a given namespace/metadata/time, if one exists, letting the catalog
// reopen a bucket closed by a previous process instead of always opening a
// brand new one for a key the catalog has no in-memory record of.
type BucketDocumentReader interface {
	FindBucketForReopen(namespace string, metadata BucketMetadata, t time.Time) (*BucketDocument, error)
}

// ReopenBucket reconstructs an in-memory Bucket from a previously persisted
// BucketDocument. It rejects a nil document and a zero window start; the
// id is taken as given (its BucketID type fixes it at 12 bytes). timeField
// names the measurement field that carries the timestamp (Options.TimeField).
func ReopenBucket(doc *BucketDocument, collator Collator, timeField string) (*Bucket, error) {
	if doc == nil {
		return nil, badValuef("nil bucket document")
	}
	if doc.MinTime.IsZero() {
		return nil, badValuef("bucket document %s has no control.min.time", doc.ID)
	}

	key := NewBucketKey(doc.Namespace, NewBucketMetadata(doc.Metadata, collator))
	b := NewBucket(doc.ID, key, doc.MinTime, timeField)
	b.NumMeasurements = doc.NumMeasurements
	b.NumCommittedMeasurements = doc.NumMeasurements

	for field, v := range doc.Min {
		b.MinMax.SeedMin(field, v)
	}
	for field, v := range doc.Max {
		b.MinMax.SeedMax(field, v)
		if t, ok := v.(time.Time); ok && field == timeField && t.After(b.LatestTime) {
			b.LatestTime = t
		}
	}
	if doc.Schema != nil {
		b.Schema = &Schema{fields: doc.Schema}
	}

	return b, nil
}
