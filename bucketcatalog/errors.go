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
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel error kinds produced by the catalog, per spec.md §7.
var (
	// ErrBadValue signals malformed input: missing or non-datetime time
	// field, a bad bucket id at reopen, or a metadata mismatch.
	ErrBadValue = errors.New("bad value")

	// ErrBucketCleared signals that a bucket was cleared while a batch was
	// open against it ("TimeseriesBucketCleared" in spec.md §7).
	ErrBucketCleared = errors.New("timeseries bucket cleared")

	// ErrWriteConflict is raised by ClearBucket when the target bucket is
	// Prepared; callers are expected to retry the enclosing transaction.
	ErrWriteConflict = errors.New("write conflict")

	// ErrBucketNotFound is returned when an operation names a bucket id
	// the catalog has no record of.
	ErrBucketNotFound = errors.New("bucket not found")
)

func badValuef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrBadValue}, args...)...)
}

// invariantViolation reports a programmer error: an impossible state
// transition, a double-finish, or similar condition the state machine
// guarantees should never occur. Per spec.md §7 these are fatal assertions;
// the wrapped stack trace (via github.com/pkg/errors) lets a crash report
// point at the offending call site rather than just the panic recovery
// point.
func invariantViolation(format string, args ...any) {
	panic(pkgerrors.WithStack(fmt.Errorf(format, args...)))
}
