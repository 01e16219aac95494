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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStripe_OpenBucketRoundTrip(t *testing.T) {
	s := NewStripe()
	key := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "a"}, nil))
	b := NewBucket(BucketID{1}, key, time.Now(), "time")

	s.InsertOpen(b)
	got, ok := s.BucketForKey(key)
	require.True(t, ok)
	require.Equal(t, b, got)

	byID, ok := s.BucketByID(b.ID)
	require.True(t, ok)
	require.Equal(t, b, byID)

	s.RemoveOpen(b)
	_, ok = s.BucketForKey(key)
	require.False(t, ok)
}

func TestStripe_IdleEviction(t *testing.T) {
	s := NewStripe()
	key1 := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "a"}, nil))
	key2 := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "b"}, nil))
	b1 := NewBucket(BucketID{1}, key1, time.Now(), "time")
	b2 := NewBucket(BucketID{2}, key2, time.Now(), "time")
	s.InsertOpen(b1)
	s.InsertOpen(b2)
	s.MarkIdle(b1)
	s.MarkIdle(b2)

	require.Equal(t, 2, s.NumIdle())
	evicted, ok := s.EvictOldestIdle()
	require.True(t, ok)
	require.Equal(t, b1, evicted, "b1 was marked idle first")
	require.Equal(t, 1, s.NumIdle())
}

func TestStripe_ArchiveAndReopen(t *testing.T) {
	s := NewStripe()
	key := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "a"}, nil))
	windowStart := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	b := NewBucket(BucketID{1}, key, windowStart, "time")
	s.InsertOpen(b)

	s.Archive(b, time.Now())
	require.Equal(t, 0, s.NumOpen())
	require.Equal(t, 1, s.NumArchived())
	require.True(t, b.Archived)

	// A measurement whose time is within [windowStart, ...) should find the
	// archived bucket again.
	ab, ok := s.FindArchivedForReopen(key, windowStart.Add(time.Minute))
	require.True(t, ok)
	require.Equal(t, b, ab.Bucket)

	// One further back than the window start should not.
	_, ok = s.FindArchivedForReopen(key, windowStart.Add(-time.Minute))
	require.False(t, ok)

	s.Unarchive(ab)
	require.Equal(t, 0, s.NumArchived())
	require.False(t, b.Archived)
}

func TestStripe_DropOldestArchived(t *testing.T) {
	s := NewStripe()
	key1 := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "a"}, nil))
	key2 := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "b"}, nil))
	b1 := NewBucket(BucketID{1}, key1, time.Now(), "time")
	b2 := NewBucket(BucketID{2}, key2, time.Now(), "time")
	s.InsertOpen(b1)
	s.InsertOpen(b2)

	s.Archive(b1, time.Now())
	s.Archive(b2, time.Now().Add(time.Second))

	dropped, ok := s.DropOldestArchived()
	require.True(t, ok)
	require.Equal(t, b1, dropped.Bucket)
	require.Equal(t, 1, s.NumArchived())
}
