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

import "sync/atomic"

// ExecutionStats accumulates lock-free counters describing the catalog's
// behavior, per spec.md §4.11. The catalog keeps one global ExecutionStats
// and one per namespace; every counter increment is applied to both.
type ExecutionStats struct {
	NumBucketInserts                       atomic.Int64
	NumBucketUpdates                       atomic.Int64
	NumBucketsOpened                       atomic.Int64
	NumBucketsClosedDueToCount             atomic.Int64
	NumBucketsClosedDueToSchemaChange      atomic.Int64
	NumBucketsClosedDueToSize              atomic.Int64
	NumBucketsClosedDueToTimeForward       atomic.Int64
	NumBucketsClosedDueToTimeBackward      atomic.Int64
	NumBucketsArchivedDueToTimeForward     atomic.Int64
	NumBucketsArchivedDueToTimeBackward    atomic.Int64
	NumBucketsArchivedDueToMemoryThreshold atomic.Int64
	NumBucketsReopened                     atomic.Int64
	NumBucketsKeptOpenForLargeMeasurements atomic.Int64
	NumBucketsClosedDueToMemoryThreshold   atomic.Int64
	NumCommits                             atomic.Int64
	NumMeasurementsCommitted               atomic.Int64
}

// StatsSnapshot is a point-in-time, plain-value copy of an ExecutionStats,
// suitable for logging, JSON encoding, or a server-status response.
type StatsSnapshot struct {
	NumBucketInserts                       int64
	NumBucketUpdates                       int64
	NumBucketsOpened                       int64
	NumBucketsClosedDueToCount             int64
	NumBucketsClosedDueToSchemaChange      int64
	NumBucketsClosedDueToSize              int64
	NumBucketsClosedDueToTimeForward       int64
	NumBucketsClosedDueToTimeBackward      int64
	NumBucketsArchivedDueToTimeForward     int64
	NumBucketsArchivedDueToTimeBackward    int64
	NumBucketsArchivedDueToMemoryThreshold int64
	NumBucketsReopened                     int64
	NumBucketsKeptOpenForLargeMeasurements int64
	NumBucketsClosedDueToMemoryThreshold   int64
	NumCommits                             int64
	NumMeasurementsCommitted               int64

	// AvgNumMeasurementsPerCommit is NumMeasurementsCommitted / NumCommits,
	// or 0 when no commits have happened yet.
	AvgNumMeasurementsPerCommit float64
}

// Snapshot copies every counter out into a plain StatsSnapshot and derives
// AvgNumMeasurementsPerCommit.
func (s *ExecutionStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		NumBucketInserts:                      s.NumBucketInserts.Load(),
		NumBucketUpdates:                       s.NumBucketUpdates.Load(),
		NumBucketsOpened:                       s.NumBucketsOpened.Load(),
		NumBucketsClosedDueToCount:             s.NumBucketsClosedDueToCount.Load(),
		NumBucketsClosedDueToSchemaChange:      s.NumBucketsClosedDueToSchemaChange.Load(),
		NumBucketsClosedDueToSize:              s.NumBucketsClosedDueToSize.Load(),
		NumBucketsClosedDueToTimeForward:       s.NumBucketsClosedDueToTimeForward.Load(),
		NumBucketsClosedDueToTimeBackward:      s.NumBucketsClosedDueToTimeBackward.Load(),
		NumBucketsArchivedDueToTimeForward:     s.NumBucketsArchivedDueToTimeForward.Load(),
		NumBucketsArchivedDueToTimeBackward:    s.NumBucketsArchivedDueToTimeBackward.Load(),
		NumBucketsArchivedDueToMemoryThreshold: s.NumBucketsArchivedDueToMemoryThreshold.Load(),
		NumBucketsReopened:                     s.NumBucketsReopened.Load(),
		NumBucketsKeptOpenForLargeMeasurements: s.NumBucketsKeptOpenForLargeMeasurements.Load(),
		NumBucketsClosedDueToMemoryThreshold:   s.NumBucketsClosedDueToMemoryThreshold.Load(),
		NumCommits:                             s.NumCommits.Load(),
		NumMeasurementsCommitted:               s.NumMeasurementsCommitted.Load(),
	}
	if snap.NumCommits > 0 {
		snap.AvgNumMeasurementsPerCommit = float64(snap.NumMeasurementsCommitted) / float64(snap.NumCommits)
	}
	return snap
}

// RolloverReason names why a bucket stopped accepting new measurements, and
// doubles as the key for which ExecutionStats counter to bump.
type RolloverReason int

const (
	RolloverNone RolloverReason = iota
	RolloverCount
	RolloverSchemaChange
	RolloverSize
	RolloverTimeForward
	RolloverTimeBackward
	RolloverArchiveTimeForward
	RolloverArchiveTimeBackward
	RolloverKeptOpenForLargeMeasurements
)

// recordRollover bumps the counter matching reason on every ExecutionStats
// in stats (typically [global, perNamespace]).
func recordRollover(reason RolloverReason, stats ...*ExecutionStats) {
	for _, s := range stats {
		if s == nil {
			continue
		}
		switch reason {
		case RolloverCount:
			s.NumBucketsClosedDueToCount.Add(1)
		case RolloverSchemaChange:
			s.NumBucketsClosedDueToSchemaChange.Add(1)
		case RolloverSize:
			s.NumBucketsClosedDueToSize.Add(1)
		case RolloverTimeForward:
			s.NumBucketsClosedDueToTimeForward.Add(1)
		case RolloverTimeBackward:
			s.NumBucketsClosedDueToTimeBackward.Add(1)
		case RolloverArchiveTimeForward:
			s.NumBucketsArchivedDueToTimeForward.Add(1)
		case RolloverArchiveTimeBackward:
			s.NumBucketsArchivedDueToTimeBackward.Add(1)
		case RolloverKeptOpenForLargeMeasurements:
			s.NumBucketsKeptOpenForLargeMeasurements.Add(1)
		}
	}
}
