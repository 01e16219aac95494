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

import "time"

// MinMax maintains, per top-level field, the running minimum and maximum
// value seen so far, plus "delta since last read" accessors (MinUpdates,
// MaxUpdates) used by the commit protocol to snapshot only what changed
// since a batch was formed (spec.md §3, §4.8).
type MinMax struct {
	collator Collator

	mins       map[string]any
	maxs       map[string]any
	minUpdated map[string]bool
	maxUpdated map[string]bool
}

// NewMinMax returns an empty tracker using collator for string comparisons.
func NewMinMax(collator Collator) *MinMax {
	if collator == nil {
		collator = BinaryCollator{}
	}
	return &MinMax{
		collator:   collator,
		mins:       make(map[string]any),
		maxs:       make(map[string]any),
		minUpdated: make(map[string]bool),
		maxUpdated: make(map[string]bool),
	}
}

// Update folds doc's top-level fields (other than metaField) into the
// running min/max, marking each field touched as updated-since-last-read.
func (mm *MinMax) Update(doc map[string]any, metaField string) {
	for field, value := range doc {
		if field == metaField {
			continue
		}
		mm.updateField(field, value)
	}
}

// Seed forces a field to a specific value, used to seed a fresh bucket's
// min_time so that control.min.time tracks the window start (spec.md §4.5
// step 5).
func (mm *MinMax) Seed(field string, value any) {
	mm.mins[field] = value
	mm.maxs[field] = value
	mm.minUpdated[field] = true
	mm.maxUpdated[field] = true
}

// SeedMin forces field's minimum to value without touching its maximum,
// used when reconstructing a MinMax from a persisted bucket document's
// control.min (spec.md §4.9).
func (mm *MinMax) SeedMin(field string, value any) {
	mm.mins[field] = value
}

// SeedMax forces field's maximum to value without touching its minimum.
func (mm *MinMax) SeedMax(field string, value any) {
	mm.maxs[field] = value
}

func (mm *MinMax) updateField(field string, value any) {
	if cur, ok := mm.mins[field]; !ok || compareValues(value, cur, mm.collator) < 0 {
		mm.mins[field] = value
		mm.minUpdated[field] = true
	}
	if cur, ok := mm.maxs[field]; !ok || compareValues(value, cur, mm.collator) > 0 {
		mm.maxs[field] = value
		mm.maxUpdated[field] = true
	}
}

// Min returns a full copy of the current per-field minimums.
func (mm *MinMax) Min() map[string]any { return cloneMap(mm.mins) }

// Max returns a full copy of the current per-field maximums.
func (mm *MinMax) Max() map[string]any { return cloneMap(mm.maxs) }

// MinUpdates returns the fields whose minimum changed since the last call to
// MinUpdates, clearing the delta.
func (mm *MinMax) MinUpdates() map[string]any {
	out := make(map[string]any, len(mm.minUpdated))
	for field := range mm.minUpdated {
		out[field] = mm.mins[field]
	}
	mm.minUpdated = make(map[string]bool)
	return out
}

// MaxUpdates returns the fields whose maximum changed since the last call to
// MaxUpdates, clearing the delta.
func (mm *MinMax) MaxUpdates() map[string]any {
	out := make(map[string]any, len(mm.maxUpdated))
	for field := range mm.maxUpdated {
		out[field] = mm.maxs[field]
	}
	mm.maxUpdated = make(map[string]bool)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// compareValues orders two field values for min/max tracking. Strings use
// the attached collator; numeric types are widened to float64; times compare
// chronologically; anything else falls back to BinaryCollator-style byte
// comparison of a best-effort string form, which is enough to keep the
// ordering well-defined (if not semantically meaningful) for mixed types —
// mixed-type fields will generally already have failed schema compatibility
// before min/max ordering matters.
func compareValues(a, b any, collator Collator) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return collator.Compare(as, bs)
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if an, aok := toFloat64(a); aok {
		if bn, bok := toFloat64(b); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := toComparableString(a), toComparableString(b)
	return BinaryCollator{}.Compare(as, bs)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toComparableString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	if f, ok := toFloat64(v); ok {
		return formatFloat(f)
	}
	return ""
}
