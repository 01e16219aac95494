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

// Package bucketcatalog is an in-memory, concurrent coordinator that groups
// incoming measurement documents into on-disk "buckets" for a time-series
// collection. It decides which bucket a measurement belongs to, when a
// bucket must roll over, how concurrent writers batch updates to the same
// bucket while preserving serializable commit order, and reclaims memory
// under pressure by closing idle buckets (they are not archived) and then
// dropping archived ones.
//
// Persistence, querying, and chunk/shard migration are external concerns;
// this package only tracks in-memory state and hands the caller enough
// information (WriteBatch, CommitInfo) to perform those concerns itself.
package bucketcatalog
