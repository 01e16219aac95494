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
)

// Granularity is the rounding unit used to compute a bucket's time window.
type Granularity int

const (
	GranularityMinutes Granularity = iota
	GranularityHours
	GranularityDays
)

func (g Granularity) String() string {
	switch g {
	case GranularityMinutes:
		return "minutes"
	case GranularityHours:
		return "hours"
	case GranularityDays:
		return "days"
	default:
		return "unknown"
	}
}

// RoundTimestampToGranularity rounds t down to the start of its granularity
// window, per spec.md §4.2 step 1.
func RoundTimestampToGranularity(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case GranularityMinutes:
		return t.Truncate(time.Minute)
	case GranularityHours:
		return t.Truncate(time.Hour)
	case GranularityDays:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Minute)
	}
}

// CombineMode controls whether documents inserted under different operation
// ids may share a WriteBatch (opId 0) or must be kept separate.
type CombineMode int

const (
	CombineAllow CombineMode = iota
	CombineDisallow
)

// TimeseriesOptions describes the collection-level configuration consumed by
// the catalog; this mirrors the collaborator interface named in spec.md §6.
type TimeseriesOptions struct {
	TimeField             string
	MetaField             string // empty means "no metadata field"
	Granularity           Granularity
	BucketMaxSpan         time.Duration
}

// Default tunables, named after spec.md §6's "Tunables (configuration)".
const (
	DefaultMaxCount                       = 1000
	DefaultMinCountForLargeMeasurements   = 10
	DefaultMaxSizeBytes                   = 16 * 1024 * 1024
	DefaultLargeMeasurementsMaxSizeBytes  = DefaultMaxSizeBytes - 4*1024*1024 // 12 MiB
	DefaultIdleExpiryMemoryThresholdBytes = 100 * 1024 * 1024
	DefaultIdleExpiryMaxCountPerAttempt   = 100
	DefaultNStripes                       = 32
)

// Options bundles the catalog-wide tunables from spec.md §6, plus the
// scalability feature flag that gates archive-vs-close behavior throughout
// §4.4/§4.7.
type Options struct {
	TimeseriesOptions

	MaxCount                       int
	MinCountForLargeMeasurements   int
	MaxSizeBytes                   int
	LargeMeasurementsMaxSizeBytes  int
	IdleExpiryMemoryThresholdBytes int64
	IdleExpiryMaxCountPerAttempt   int
	NStripes                       int

	// ScalabilityImprovementsEnabled gates the archive-instead-of-close
	// behavior described throughout spec.md §4.4 and §4.7.
	ScalabilityImprovementsEnabled bool
}

// WithDefaults fills zero-valued tunables with spec.md §6 defaults and
// validates NStripes is a power of two, per spec.md §5.
func (o Options) WithDefaults() Options {
	if o.MaxCount == 0 {
		o.MaxCount = DefaultMaxCount
	}
	if o.MinCountForLargeMeasurements == 0 {
		o.MinCountForLargeMeasurements = DefaultMinCountForLargeMeasurements
	}
	if o.MaxSizeBytes == 0 {
		o.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if o.LargeMeasurementsMaxSizeBytes == 0 {
		o.LargeMeasurementsMaxSizeBytes = DefaultLargeMeasurementsMaxSizeBytes
	}
	if o.IdleExpiryMemoryThresholdBytes == 0 {
		o.IdleExpiryMemoryThresholdBytes = DefaultIdleExpiryMemoryThresholdBytes
	}
	if o.IdleExpiryMaxCountPerAttempt == 0 {
		o.IdleExpiryMaxCountPerAttempt = DefaultIdleExpiryMaxCountPerAttempt
	}
	if o.NStripes == 0 {
		o.NStripes = DefaultNStripes
	}
	if o.NStripes&(o.NStripes-1) != 0 {
		invariantViolation("NStripes must be a power of two, got %d", o.NStripes)
	}
	return o
}
