package extraction

import "strings"

var (
	qualityKeys     = []string{"quality", "qualities", "pain_quality", "painQuality", "character"}
	qualityTextKeys = []string{"description", "notes", "details", "hpi"}
)

// Quality returns the entry's pain qualities in source order. Explicit values
// are used as given; otherwise descriptive text is scanned against the
// qualities table. The result is never nil.
func Quality(fields map[string]interface{}, table *Table) []string {
	out := []string{}
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	if v, ok := lookup(fields, qualityKeys...); ok {
		if items, isList := asSlice(v); isList {
			for _, item := range items {
				if s, isStr := asString(item); isStr {
					add(s)
				}
			}
			return out
		}
		if s, isStr := asString(v); isStr {
			for _, part := range strings.Split(s, ",") {
				add(part)
			}
			return out
		}
	}

	for _, k := range qualityTextKeys {
		text, ok := stringField(fields, k)
		if !ok {
			continue
		}
		for _, m := range table.FindAll(text) {
			add(m.Term.Name)
		}
	}
	return out
}

// Qualities returns Quality for every complaint entry.
func Qualities(record map[string]interface{}, table *Table) map[string][]string {
	out := make(map[string][]string)
	for _, e := range Complaints(record) {
		out[e.Key] = Quality(e.Fields, table)
	}
	return out
}
