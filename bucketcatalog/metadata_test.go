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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBucketMetadata_OrderIndependent(t *testing.T) {
	a := NewBucketMetadata(map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}, nil)
	b := NewBucketMetadata(map[string]any{"c": 3.0, "a": 1.0, "b": 2.0}, nil)
	require.True(t, a.Equal(b))
}

func TestBucketMetadata_NestedOrderIndependent(t *testing.T) {
	a := NewBucketMetadata(map[string]any{"outer": map[string]any{"x": 1.0, "y": 2.0}}, nil)
	b := NewBucketMetadata(map[string]any{"outer": map[string]any{"y": 2.0, "x": 1.0}}, nil)
	require.True(t, a.Equal(b))
}

func TestBucketMetadata_ArrayOrderMatters(t *testing.T) {
	a := NewBucketMetadata(map[string]any{"arr": []any{1.0, 2.0}}, nil)
	b := NewBucketMetadata(map[string]any{"arr": []any{2.0, 1.0}}, nil)
	require.False(t, a.Equal(b))
}

func TestBucketMetadata_DifferentValuesNotEqual(t *testing.T) {
	a := NewBucketMetadata(map[string]any{"a": 1.0}, nil)
	b := NewBucketMetadata(map[string]any{"a": 2.0}, nil)
	require.False(t, a.Equal(b))
}

func TestBucketMetadata_NilIsEqualToNil(t *testing.T) {
	a := NewBucketMetadata(nil, nil)
	b := NewBucketMetadata(nil, nil)
	require.True(t, a.Equal(b))
}

// TestNormalize_PermutationInvariant checks, via property-based testing,
// that shuffling a flat object's field order never changes its normalized
// encoding — the core guarantee spec.md §4.1 makes for BucketKey equality.
func TestNormalize_PermutationInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := rapid.SliceOfDistinct(rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9]{0,8}`), func(s string) string { return s }).Draw(rt, "keys")
		obj := make(map[string]any, len(keys))
		for _, k := range keys {
			obj[k] = rapid.Int64Range(-1000, 1000).Draw(rt, "v_"+k)
		}

		baseline := NewBucketMetadata(obj, nil).CanonicalBytes()

		shuffled := make(map[string]any, len(obj))
		perm := rand.Perm(len(keys))
		for _, p := range perm {
			shuffled[keys[p]] = obj[keys[p]]
		}
		// shuffled is keyed identically to obj (same key set, same values);
		// the point is that Go's own map iteration order already
		// randomizes encounter order between the two NewBucketMetadata
		// calls, which is exactly the nondeterminism normalize must erase.
		got := NewBucketMetadata(shuffled, nil).CanonicalBytes()

		require.Equal(t, string(baseline), string(got))
	})
}

func TestBucketKey_TokenMatchesEquality(t *testing.T) {
	a := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "a"}, nil))
	b := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "a"}, nil))
	require.Equal(t, a.Token(), b.Token())
	require.True(t, a.Equal(b))

	c := NewBucketKey("db.coll", NewBucketMetadata(map[string]any{"sensor": "b"}, nil))
	require.NotEqual(t, a.Token(), c.Token())
}

func TestNumDigits(t *testing.T) {
	cases := map[uint32]uint8{0: 0, 1: 1, 9: 1, 10: 2, 99: 2, 100: 3, 999999: 6}
	for in, want := range cases {
		require.Equal(t, want, NumDigits(in), "NumDigits(%d)", in)
	}
}
