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

import "strings"

// Collator compares two strings under a collection-defined collation. It is
// attached to a BucketMetadata and threaded into MinMax/Schema so that
// string field min/max comparisons can be collation-aware, but it never
// affects the normalized bytes used for BucketKey hashing/equality (spec.md
// §4.1).
type Collator interface {
	Compare(a, b string) int
}

// BinaryCollator compares strings by raw byte value. It is the default when
// a collection defines no collation.
type BinaryCollator struct{}

func (BinaryCollator) Compare(a, b string) int { return strings.Compare(a, b) }
