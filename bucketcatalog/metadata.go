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
	"bytes"
	"sort"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// orderedField is one key/value pair of a normalized object, kept in
// binary-sorted-by-key order so it marshals deterministically regardless of
// the input map's iteration order.
type orderedField struct {
	Key   string
	Value any
}

// orderedObject is the normalized form of a nested object: its fields are
// already sorted by the raw bytes of the field name (spec.md §4.1), and it
// implements json.Marshaler so it encodes in that exact order instead of
// falling back to encoding/json's own (also byte-sorted, but implicit) map
// key ordering.
type orderedObject []orderedField

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalize recursively rewrites a raw document value into a form whose JSON
// encoding is independent of the original field order: nested objects
// become an orderedObject sorted by the raw bytes of the field name (never
// a locale-aware collation), arrays keep their element order but have each
// element normalized in turn, and scalars pass through unchanged.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		fields := make([]orderedField, 0, len(t))
		for k, val := range t {
			fields = append(fields, orderedField{Key: k, Value: normalize(val)})
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
		return orderedObject(fields)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// BucketMetadata is the canonicalized, order-independent metadata captured
// from a measurement's meta field (spec.md §4.1). Two BucketMetadata values
// compare equal iff their normalized binary encodings are equal; the
// attached Collator never influences that encoding, only downstream
// MinMax/Schema string comparisons.
type BucketMetadata struct {
	raw       any
	canonical []byte
	collator  Collator
}

// NewBucketMetadata builds a BucketMetadata from a raw metadata value (which
// may be nil, meaning the collection has no meta field or the document
// omitted it).
func NewBucketMetadata(raw any, collator Collator) BucketMetadata {
	if collator == nil {
		collator = BinaryCollator{}
	}
	norm := normalize(raw)
	canon, err := json.Marshal(norm)
	if err != nil {
		invariantViolation("normalize metadata: %v", err)
	}
	return BucketMetadata{raw: raw, canonical: canon, collator: collator}
}

// Raw returns the original, un-normalized metadata value.
func (m BucketMetadata) Raw() any { return m.raw }

// Collator returns the collation attached to this metadata, for threading
// into MinMax/Schema construction.
func (m BucketMetadata) Collator() Collator { return m.collator }

// CanonicalBytes returns the normalized binary encoding used for equality
// and hashing.
func (m BucketMetadata) CanonicalBytes() []byte { return m.canonical }

// Equal reports whether two metadata values have byte-identical normalized
// encodings.
func (m BucketMetadata) Equal(other BucketMetadata) bool {
	return bytes.Equal(m.canonical, other.canonical)
}

// BucketKey is the (namespace, normalized metadata) tuple used to index open
// buckets, plus a pre-computed hash of that tuple (spec.md §3).
type BucketKey struct {
	Namespace string
	Metadata  BucketMetadata
	Hash      uint64
}

// NewBucketKey builds a BucketKey and computes its hash with xxhash over the
// namespace and the metadata's canonical bytes.
func NewBucketKey(namespace string, metadata BucketMetadata) BucketKey {
	h := xxhash.New()
	_, _ = h.WriteString(namespace)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(metadata.canonical)
	return BucketKey{Namespace: namespace, Metadata: metadata, Hash: h.Sum64()}
}

// Equal reports whether two keys name the same (namespace, metadata) pair.
func (k BucketKey) Equal(other BucketKey) bool {
	return k.Namespace == other.Namespace && k.Metadata.Equal(other.Metadata)
}

// Token returns a comparable map-key token for k. BucketKey itself embeds an
// `any`-typed normalized value and so is not safe as a Go map key (the
// dynamic value may be a non-comparable type, e.g. a nested slice); Token
// collapses it to a plain string.
func (k BucketKey) Token() string {
	return k.Namespace + "\x00" + string(k.Metadata.canonical)
}

// NumDigits returns the number of base-10 digits in num, with NumDigits(0) ==
// 0 — matching the bucket-size model's digit-count charge (spec.md §4.3),
// ported from the original bucket_catalog.cpp's numDigits helper.
func NumDigits(num uint32) uint8 {
	var n uint8
	for num > 0 {
		num /= 10
		n++
	}
	return n
}
