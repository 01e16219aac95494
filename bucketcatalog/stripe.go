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
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tidwall/btree"
)

// ArchivedBucket is a bucket set aside by a time-forward or time-backward
// insert instead of being closed outright, kept in case a later insert's
// time falls within its window and can reopen it (spec.md §4.6).
type ArchivedBucket struct {
	Bucket     *Bucket
	ArchivedAt time.Time
}

// Stripe is one shard of the catalog's open-bucket space, guarded by its own
// mutex so that unrelated (namespace, metadata) keys never contend with each
// other (spec.md §5). A BucketKey's Hash selects its stripe.
type Stripe struct {
	mu sync.Mutex

	openByToken map[string]*Bucket
	openByID    map[BucketID]*Bucket

	// idle tracks open buckets with no in-flight batch, ordered
	// least-recently-touched first, so idle expiration (idleexpiry.go) can
	// evict the coldest bucket first under memory pressure.
	idle *simplelru.LRU[BucketID, *Bucket]

	archivedByToken map[string][]*ArchivedBucket
	archivedByID    map[BucketID]*ArchivedBucket
	// archivedOrder orders archived buckets by archive time (UnixNano),
	// letting DropOldestArchived find the oldest one without a linear scan.
	archivedOrder *btree.Map[int64, BucketID]
}

// NewStripe returns an empty stripe.
func NewStripe() *Stripe {
	idle, err := simplelru.NewLRU[BucketID, *Bucket](math.MaxInt32, nil)
	if err != nil {
		invariantViolation("new idle lru: %v", err)
	}
	return &Stripe{
		openByToken:     make(map[string]*Bucket),
		openByID:        make(map[BucketID]*Bucket),
		idle:            idle,
		archivedByToken: make(map[string][]*ArchivedBucket),
		archivedByID:    make(map[BucketID]*ArchivedBucket),
		archivedOrder:   btree.NewMap[int64, BucketID](32),
	}
}

// Lock/Unlock expose the stripe's mutex directly; the catalog holds it for
// the duration of an entire Insert/PrepareCommit/Clear step rather than
// re-acquiring it per helper call.
func (s *Stripe) Lock()   { s.mu.Lock() }
func (s *Stripe) Unlock() { s.mu.Unlock() }

// BucketForKey returns the open bucket for key, if any. Callers must hold
// the stripe lock.
func (s *Stripe) BucketForKey(key BucketKey) (*Bucket, bool) {
	b, ok := s.openByToken[key.Token()]
	return b, ok
}

// BucketByID returns the open bucket with id, if any. Callers must hold the
// stripe lock.
func (s *Stripe) BucketByID(id BucketID) (*Bucket, bool) {
	b, ok := s.openByID[id]
	return b, ok
}

// InsertOpen adds a newly allocated or reopened bucket to the open index.
func (s *Stripe) InsertOpen(b *Bucket) {
	s.openByToken[b.Key.Token()] = b
	s.openByID[b.ID] = b
}

// RemoveOpen deletes b from every open-bucket index, including the idle
// tracker.
func (s *Stripe) RemoveOpen(b *Bucket) {
	delete(s.openByToken, b.Key.Token())
	delete(s.openByID, b.ID)
	s.idle.Remove(b.ID)
}

// MarkIdle records that b currently has no in-flight batch and so is
// eligible for idle eviction, most-recently-idle last.
func (s *Stripe) MarkIdle(b *Bucket) {
	s.idle.Add(b.ID, b)
}

// MarkBusy removes b from the idle tracker because it has regained an
// in-flight batch.
func (s *Stripe) MarkBusy(b *Bucket) {
	s.idle.Remove(b.ID)
}

// EvictOldestIdle removes and returns the least-recently-idle bucket, for
// idle expiration under memory pressure (idleexpiry.go). It does not by
// itself remove the bucket from the open indexes — the caller decides
// whether to close or archive it.
func (s *Stripe) EvictOldestIdle() (*Bucket, bool) {
	id, b, ok := s.idle.RemoveOldest()
	_ = id
	return b, ok
}

// NumIdle reports how many open buckets currently have no in-flight batch.
func (s *Stripe) NumIdle() int { return s.idle.Len() }

// NumOpen reports how many buckets are currently open (idle or not).
func (s *Stripe) NumOpen() int { return len(s.openByID) }

// Archive moves b out of the open indexes and into the archived index at
// time now.
func (s *Stripe) Archive(b *Bucket, now time.Time) {
	s.RemoveOpen(b)
	b.Archived = true
	ab := &ArchivedBucket{Bucket: b, ArchivedAt: now}
	token := b.Key.Token()
	s.archivedByToken[token] = append(s.archivedByToken[token], ab)
	s.archivedByID[b.ID] = ab
	s.archivedOrder.Set(now.UnixNano(), b.ID)
}

// FindArchivedForReopen returns the first archived bucket under key whose
// MinTime is at or before t. It does not check the upper end of the window
// (MinTime+span); Insert re-runs decideRollover on the candidate for that.
func (s *Stripe) FindArchivedForReopen(key BucketKey, t time.Time) (*ArchivedBucket, bool) {
	for _, ab := range s.archivedByToken[key.Token()] {
		if !t.Before(ab.Bucket.MinTime) {
			return ab, true
		}
	}
	return nil, false
}

// Unarchive removes ab from the archived index, for the caller to reinsert
// into the open index via InsertOpen.
func (s *Stripe) Unarchive(ab *ArchivedBucket) {
	token := ab.Bucket.Key.Token()
	list := s.archivedByToken[token]
	for i, cand := range list {
		if cand == ab {
			s.archivedByToken[token] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(s.archivedByID, ab.Bucket.ID)
	s.archivedOrder.Delete(ab.ArchivedAt.UnixNano())
	ab.Bucket.Archived = false
}

// DropOldestArchived evicts and returns the archived bucket that has been
// archived longest, for memory-pressure eviction once idle buckets are
// exhausted (spec.md §4.7).
func (s *Stripe) DropOldestArchived() (*ArchivedBucket, bool) {
	nanos, id, ok := s.archivedOrder.Min()
	if !ok {
		return nil, false
	}
	ab, ok := s.archivedByID[id]
	if !ok {
		s.archivedOrder.Delete(nanos)
		return nil, false
	}
	s.Unarchive(ab)
	return ab, true
}

// NumArchived reports how many buckets are currently archived.
func (s *Stripe) NumArchived() int { return len(s.archivedByID) }

// ApproxMemoryUsage sums the tracked size of every open and archived bucket
// in this stripe.
func (s *Stripe) ApproxMemoryUsage() int64 {
	var total int64
	for _, b := range s.openByID {
		total += int64(b.SizeBytes)
	}
	for _, ab := range s.archivedByID {
		total += int64(ab.Bucket.SizeBytes)
	}
	return total
}
