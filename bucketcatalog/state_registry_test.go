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

	"github.com/stretchr/testify/require"
)

func TestStateRegistry_NormalLifecycle(t *testing.T) {
	r := NewStateRegistry()
	id := BucketID{1}
	r.Register(id)

	state, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, BucketStateNormal, state)

	require.NoError(t, r.Prepare(id))
	state, _ = r.Get(id)
	require.Equal(t, BucketStatePrepared, state)

	nowCleared := r.Unprepare(id)
	require.False(t, nowCleared)
	state, _ = r.Get(id)
	require.Equal(t, BucketStateNormal, state)
}

func TestStateRegistry_ClearWhilePrepared(t *testing.T) {
	r := NewStateRegistry()
	id := BucketID{2}
	r.Register(id)
	require.NoError(t, r.Prepare(id))

	wasPrepared := r.Clear(id)
	require.True(t, wasPrepared)
	state, _ := r.Get(id)
	require.Equal(t, BucketStatePreparedAndCleared, state)

	nowCleared := r.Unprepare(id)
	require.True(t, nowCleared)
	state, _ = r.Get(id)
	require.Equal(t, BucketStateCleared, state)
}

func TestStateRegistry_ClearNormalIsImmediate(t *testing.T) {
	r := NewStateRegistry()
	id := BucketID{3}
	r.Register(id)

	wasPrepared := r.Clear(id)
	require.False(t, wasPrepared)
	state, _ := r.Get(id)
	require.Equal(t, BucketStateCleared, state)
}

func TestStateRegistry_PrepareClearedFails(t *testing.T) {
	r := NewStateRegistry()
	id := BucketID{4}
	r.Register(id)
	r.Clear(id)

	err := r.Prepare(id)
	require.ErrorIs(t, err, ErrBucketCleared)
}

func TestStateRegistry_DoublePrepareIsAnInvariantViolation(t *testing.T) {
	r := NewStateRegistry()
	id := BucketID{5}
	r.Register(id)
	require.NoError(t, r.Prepare(id))

	require.Panics(t, func() { _ = r.Prepare(id) })
}

func TestStateRegistry_ClearIsIdempotent(t *testing.T) {
	r := NewStateRegistry()
	id := BucketID{6}
	r.Register(id)
	r.Clear(id)
	wasPrepared := r.Clear(id)
	require.False(t, wasPrepared)
	state, _ := r.Get(id)
	require.Equal(t, BucketStateCleared, state)
}
