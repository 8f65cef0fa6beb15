// Package extraction computes encounter facets from raw intake records using
// fixed rules. Every function is pure and total: malformed input produces the
// facet's absent value, never a panic or a guessed value.
//
// Records are decoded JSON objects. Field names are matched against a small
// set of accepted spellings, e.g. "pain_scale", "painScale" or "severity".
package extraction

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// lookup returns the first present, non-null value among keys. Keys are
// matched exactly first, then case-insensitively.
func lookup(m map[string]interface{}, keys ...string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	for mk, v := range m {
		if v == nil {
			continue
		}
		for _, k := range keys {
			if strings.EqualFold(mk, k) {
				return v, true
			}
		}
	}
	return nil, false
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok && m != nil
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

func asString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

var leadingNumber = regexp.MustCompile(`^\s*([-+]?\d+(?:\.\d+)?)`)

// asFloat accepts JSON numbers and numeric strings. Strings may carry a
// trailing suffix ("7/10", "98.6 F"); only the leading number is used.
func asFloat(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		m := leadingNumber.FindStringSubmatch(t)
		if m == nil {
			return 0, false
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func floatField(m map[string]interface{}, keys ...string) (float64, bool) {
	v, ok := lookup(m, keys...)
	if !ok {
		return 0, false
	}
	return asFloat(v)
}

func stringField(m map[string]interface{}, keys ...string) (string, bool) {
	v, ok := lookup(m, keys...)
	if !ok {
		return "", false
	}
	return asString(v)
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}

// normalize lower-cases and collapses whitespace and punctuation runs so
// dictionary keys compare equal regardless of formatting.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if isWordRune(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127
}

// Entry is one complaint (or other keyed sub-record) together with the key
// its facets are reported under.
type Entry struct {
	Key    string
	Fields map[string]interface{}
}

// Complaints returns the complaint entries of a record. The key is the
// entry's explicit id when present, otherwise its position.
func Complaints(record map[string]interface{}) []Entry {
	v, ok := lookup(record, "complaints", "chief_complaints", "chiefComplaints", "chief_complaint")
	if !ok {
		return nil
	}
	items, ok := asSlice(v)
	if !ok {
		if m, isMap := asMap(v); isMap {
			items = []interface{}{m}
		} else if s, isStr := asString(v); isStr {
			items = []interface{}{s}
		} else {
			return nil
		}
	}

	entries := make([]Entry, 0, len(items))
	for i, item := range items {
		var fields map[string]interface{}
		switch t := item.(type) {
		case map[string]interface{}:
			fields = t
		case string:
			if strings.TrimSpace(t) == "" {
				continue
			}
			fields = map[string]interface{}{"name": t}
		default:
			continue
		}
		entries = append(entries, Entry{Key: EntryKey(fields, i), Fields: fields})
	}
	return entries
}

// EntryKey returns the explicit id of fields, or the index as a string.
func EntryKey(fields map[string]interface{}, index int) string {
	if id, ok := stringField(fields, "id", "complaint_id", "complaintId"); ok {
		return id
	}
	return strconv.Itoa(index)
}
