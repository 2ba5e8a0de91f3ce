package synckit

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// Payload maps field names to values. Values are JSON-compatible: strings, numbers,
// booleans, nil, []any and map[string]any.
type Payload map[string]any

// Clone deep-copies the payload. A nil payload stays nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Payload:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// Fields returns the payload's field names in sorted order.
func (p Payload) Fields() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether both payloads hold the same fields with equal values.
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !ValuesEqual(v, ov) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two payload values. Numbers compare by value regardless of
// their Go type, so 12 and 12.0 decoded from JSON are equal.
func ValuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// Rebase replays the change from base to edited on top of onto. Fields the edit did
// not touch take onto's value; fields it changed or removed keep the edit.
func Rebase(base, edited, onto Payload) Payload {
	out := onto.Clone()
	if out == nil {
		out = Payload{}
	}
	for _, f := range unionFields(base, edited) {
		bv, inBase := base[f]
		ev, inEdit := edited[f]
		switch {
		case inEdit && (!inBase || !ValuesEqual(bv, ev)):
			out[f] = cloneValue(ev)
		case !inEdit && inBase:
			delete(out, f)
		}
	}
	return out
}

func unionFields(payloads ...Payload) []string {
	seen := make(map[string]struct{})
	for _, p := range payloads {
		for k := range p {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
