package extraction

import "strings"

// Lab order sources.
const (
	SourceExplicit = "explicit"
	SourcePlan     = "plan"
)

// LabOrder is one lab requested for the encounter.
type LabOrder struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

var (
	labKeys     = []string{"lab_orders", "labOrders", "labs", "orders"}
	planTextKey = []string{"plan", "assessment_plan", "assessmentPlan", "treatment_plan"}
)

// LabOrders collects explicit lab orders, resolving names against the labs
// table, then adds any table entries mentioned in the plan text. Explicit
// orders that match nothing are kept with an empty code; plan text only
// contributes matches. The result is never nil.
func LabOrders(record map[string]interface{}, table *Table) []LabOrder {
	out := []LabOrder{}
	seen := make(map[string]bool)
	add := func(o LabOrder) {
		key := strings.ToLower(o.Code)
		if key == "" {
			key = "name:" + normalize(o.Name)
		}
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, o)
	}

	if v, ok := lookup(record, labKeys...); ok {
		items, isList := asSlice(v)
		if !isList {
			items = []interface{}{v}
		}
		for _, item := range items {
			var name, code string
			switch t := item.(type) {
			case string:
				name = strings.TrimSpace(t)
			case map[string]interface{}:
				name, _ = stringField(t, "name", "test", "display")
				code, _ = stringField(t, "code")
			}
			if name == "" && code == "" {
				continue
			}
			if code != "" {
				if name == "" {
					if term, _, ok := table.Lookup(code); ok {
						name = term.Name
					}
				}
				add(LabOrder{Code: code, Name: name, Source: SourceExplicit})
				continue
			}
			if term, _, ok := table.Lookup(name); ok {
				add(LabOrder{Code: term.Code, Name: term.Name, Source: SourceExplicit})
				continue
			}
			add(LabOrder{Name: name, Source: SourceExplicit})
		}
	}

	for _, k := range planTextKey {
		text, ok := stringField(record, k)
		if !ok {
			continue
		}
		for _, m := range table.FindAll(text) {
			add(LabOrder{Code: m.Term.Code, Name: m.Term.Name, Source: SourcePlan})
		}
	}
	return out
}
