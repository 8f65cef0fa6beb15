package extraction

import "strings"

// MatchSource marks an ICD update whose code came from the record itself.
const MatchSource = "source"

// ICDUpdate maps one recorded condition to a diagnosis code.
type ICDUpdate struct {
	Condition   string `json:"condition"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Match       string `json:"match"`
}

var conditionKeys = []string{"conditions", "diagnoses", "problems", "medical_history", "medicalHistory", "assessment"}

// ICDUpdates maps the record's conditions and complaint names to ICD codes.
// Conditions that carry a code keep it; the rest are resolved against the
// table and dropped when nothing matches. Codes are reported once, in first
// occurrence order. The result is never nil.
func ICDUpdates(record map[string]interface{}, table *Table) []ICDUpdate {
	out := []ICDUpdate{}
	seen := make(map[string]bool)
	add := func(u ICDUpdate) {
		key := strings.ToUpper(u.Code)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, u)
	}

	resolve := func(name, code string) {
		if code != "" {
			u := ICDUpdate{Condition: name, Code: code, Match: MatchSource}
			if term, kind, ok := table.Lookup(code); ok && kind == MatchExact {
				u.Description = term.Name
			}
			add(u)
			return
		}
		if name == "" {
			return
		}
		if term, kind, ok := table.Lookup(name); ok {
			add(ICDUpdate{Condition: name, Code: term.Code, Description: term.Name, Match: string(kind)})
		}
	}

	if v, ok := lookup(record, conditionKeys...); ok {
		items, isList := asSlice(v)
		if !isList {
			if s, isStr := asString(v); isStr {
				for _, part := range strings.Split(s, ",") {
					items = append(items, part)
				}
			} else {
				items = []interface{}{v}
			}
		}
		for _, item := range items {
			switch t := item.(type) {
			case string:
				resolve(strings.TrimSpace(t), "")
			case map[string]interface{}:
				name, _ := stringField(t, "condition", "name", "description", "display")
				code, _ := stringField(t, "code", "icd", "icd10", "icd_code")
				resolve(name, code)
			}
		}
	}

	for _, e := range Complaints(record) {
		name, _ := stringField(e.Fields, "name", "complaint", "description")
		resolve(name, "")
	}
	return out
}
