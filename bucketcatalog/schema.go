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
	"strconv"
	"time"
)

// SchemaResult reports the effect an incoming document had on a bucket's
// tracked field-type schema (spec.md §4.3/§4.4 rollover step 1).
type SchemaResult int

const (
	// SchemaUnchanged means every field already seen keeps its prior kind;
	// the document is compatible with the bucket's existing schema.
	SchemaUnchanged SchemaResult = iota
	// SchemaUpdated means the document introduced at least one previously
	// unseen field, widening the schema without conflict.
	SchemaUpdated
	// SchemaFailed means a field that appeared before recurs with an
	// incompatible type, forcing the bucket closed (spec.md §4.4).
	SchemaFailed
)

// Schema tracks, per top-level field (excluding the meta field), a coarse
// type "kind" and flags incompatible re-typing across inserts into the same
// bucket.
type Schema struct {
	fields map[string]string
}

// NewSchema returns an empty schema tracker.
func NewSchema() *Schema {
	return &Schema{fields: make(map[string]string)}
}

// Update folds doc's top-level fields (other than metaField) into the
// schema and reports the widest-impact result across all fields touched:
// SchemaFailed beats SchemaUpdated beats SchemaUnchanged.
func (s *Schema) Update(doc map[string]any, metaField string) SchemaResult {
	result := SchemaUnchanged
	for field, value := range doc {
		if field == metaField {
			continue
		}
		switch s.updateField(field, value) {
		case SchemaFailed:
			return SchemaFailed
		case SchemaUpdated:
			result = SchemaUpdated
		}
	}
	return result
}

func (s *Schema) updateField(field string, value any) SchemaResult {
	kind := typeKind(value)
	existing, ok := s.fields[field]
	if !ok {
		s.fields[field] = kind
		return SchemaUpdated
	}
	if existing == kind || kind == "null" {
		return SchemaUnchanged
	}
	if existing == "null" {
		s.fields[field] = kind
		return SchemaUpdated
	}
	return SchemaFailed
}

// Export returns a copy of the field->kind map, e.g. for diagnostics or a
// reopened bucket's initial schema snapshot.
func (s *Schema) Export() map[string]string {
	out := make(map[string]string, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// typeKind classifies a decoded document value into the coarse BSON-ish
// kind used for schema-compatibility checks. Numeric kinds are deliberately
// collapsed into one "number" bucket: widening int to float within the same
// field is routine (e.g. an average crossing a whole number) and MongoDB's
// own time-series schema check does not split on numeric subtype either.
func typeKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case time.Time:
		return "time"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		if _, ok := toFloat64(v); ok {
			return "number"
		}
		return "unknown"
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
