package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// PropertyMap is an ordered map of entity properties. Keys are canonical
// (normalized) property names; the original source spelling of each key is
// retained alongside so edits can round-trip header text byte-for-byte.
//
// The zero value is not usable; construct with NewPropertyMap.
type PropertyMap struct {
	keys   []string
	values map[string]any
	raw    map[string]string
}

// NewPropertyMap creates an empty ordered property map.
func NewPropertyMap() *PropertyMap {
	return &PropertyMap{
		values: make(map[string]any),
		raw:    make(map[string]string),
	}
}

// Set stores a value under a canonical key, preserving first-seen order.
// The raw spelling defaults to the canonical key.
func (m *PropertyMap) Set(key string, value any) {
	m.SetRaw(key, key, value)
}

// SetRaw stores a value under a canonical key while retaining the original
// source spelling of the key.
func (m *PropertyMap) SetRaw(key, rawKey string, value any) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
	m.raw[key] = rawKey
}

// Get returns the value stored under a canonical key.
func (m *PropertyMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// RawKey returns the original source spelling of a canonical key. Falls back
// to the canonical key when no raw spelling was recorded.
func (m *PropertyMap) RawKey(key string) string {
	if r, ok := m.raw[key]; ok {
		return r
	}
	return key
}

// Delete removes a key, preserving the order of the remaining keys.
func (m *PropertyMap) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	delete(m.raw, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the canonical keys in first-seen order.
func (m *PropertyMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of properties.
func (m *PropertyMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns a copy sharing no mutable state with the original.
// Property values are treated as immutable.
func (m *PropertyMap) Clone() *PropertyMap {
	if m == nil {
		return nil
	}
	out := &PropertyMap{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]any, len(m.values)),
		raw:    make(map[string]string, len(m.raw)),
	}
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = v
	}
	for k, v := range m.raw {
		out.raw[k] = v
	}
	return out
}

// Equal compares keys, order, and values.
func (m *PropertyMap) Equal(other *PropertyMap) bool {
	if m.Len() != other.Len() {
		return false
	}
	for i, k := range m.keys {
		if other.keys[i] != k {
			return false
		}
		if !reflect.DeepEqual(m.values[k], other.values[k]) {
			return false
		}
	}
	return true
}

// Apply merges a patch into the map, last write wins per property. A nil
// patch value deletes the property. New keys append in the order they sort
// lexically, so repeated application is deterministic. Returns true if any
// observable state changed.
func (m *PropertyMap) Apply(patch PropertyPatch) bool {
	changed := false
	for _, key := range sortedPatchKeys(patch) {
		value := patch[key]
		if value == nil {
			if _, ok := m.values[key]; ok {
				m.Delete(key)
				changed = true
			}
			continue
		}
		old, existed := m.values[key]
		if existed && reflect.DeepEqual(old, value) {
			continue
		}
		m.Set(key, value)
		changed = true
	}
	return changed
}

// Satisfies reports whether every non-nil patch entry matches the stored
// value and every nil patch entry is absent. Used to verify an applied edit
// round-tripped through the source text.
func (m *PropertyMap) Satisfies(patch PropertyPatch) bool {
	for key, want := range patch {
		got, ok := m.Get(key)
		if want == nil {
			if ok {
				return false
			}
			continue
		}
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

// looselyEqual compares a parsed value against a patch value, tolerating the
// string renditions file formats impose (a patched int may re-parse as the
// formatted string in tabular cells).
func looselyEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	gs, gok := got.(string)
	if !gok {
		return false
	}
	return gs == Stringify(want)
}

// Stringify renders a patch value the way file strategies write it to text.
func Stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func sortedPatchKeys(patch PropertyPatch) []string {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON emits properties as a JSON object in key order.
func (m *PropertyMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object preserving its key order.
func (m *PropertyMap) UnmarshalJSON(data []byte) error {
	m.keys = nil
	m.values = make(map[string]any)
	m.raw = make(map[string]string)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		m.Set(key, normalizeJSONValue(value))
	}
	// consume closing brace
	_, err = dec.Token()
	return err
}

// normalizeJSONValue converts json.Number tokens into int64 or float64 so
// decoded property values compare cleanly against in-process ones.
func normalizeJSONValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}
