package extraction

import (
	"strings"
	"time"
)

// AdultAge is the age at which a patient no longer needs a guardian.
const AdultAge = 18

// Guardian describes the responsible adult recorded on an encounter.
type Guardian struct {
	Present      bool   `json:"present"`
	Relationship string `json:"relationship,omitempty"`
	Name         string `json:"name,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Minor        *bool  `json:"minor,omitempty"`
}

// Map returns the guardian as a JSON-shaped object.
func (g *Guardian) Map() map[string]interface{} {
	out := map[string]interface{}{"present": g.Present}
	if g.Relationship != "" {
		out["relationship"] = g.Relationship
	}
	if g.Name != "" {
		out["name"] = g.Name
	}
	if g.Phone != "" {
		out["phone"] = g.Phone
	}
	if g.Minor != nil {
		out["minor"] = *g.Minor
	}
	return out
}

var dobLayouts = []string{"2006-01-02", "01/02/2006", "2006-01-02T15:04:05Z07:00"}

// ExtractGuardian reads guardian details from a "guardian" object or from
// guardian_* fields. Relationship names are canonicalized through the
// relationships table when they match it. Minor is set only when the record
// carries an age or a parseable date of birth.
func ExtractGuardian(record map[string]interface{}, relationships *Table, now time.Time) *Guardian {
	if record == nil {
		return nil
	}
	g := &Guardian{}

	src := record
	prefixed := true
	if v, ok := lookup(record, "guardian", "parent_guardian", "responsible_party"); ok {
		if m, isMap := asMap(v); isMap {
			src, prefixed = m, false
		} else if b, isBool := v.(bool); isBool {
			g.Present = b
		}
	}

	keys := func(field string) []string {
		if prefixed {
			return []string{"guardian_" + field, "guardian" + strings.ToUpper(field[:1]) + field[1:]}
		}
		return []string{field, "guardian_" + field}
	}
	if s, ok := stringField(src, keys("relationship")...); ok {
		g.Relationship = canonicalRelationship(s, relationships)
	}
	if s, ok := stringField(src, keys("name")...); ok {
		g.Name = s
	}
	if s, ok := stringField(src, keys("phone")...); ok {
		g.Phone = s
	}
	if g.Relationship != "" || g.Name != "" || g.Phone != "" {
		g.Present = true
	}

	if age, ok := floatField(record, "age", "patient_age"); ok && age >= 0 {
		minor := age < AdultAge
		g.Minor = &minor
	} else if s, ok := stringField(record, "dob", "date_of_birth", "dateOfBirth", "birth_date"); ok {
		for _, layout := range dobLayouts {
			dob, err := time.Parse(layout, s)
			if err != nil {
				continue
			}
			minor := dob.AddDate(AdultAge, 0, 0).After(now)
			g.Minor = &minor
			break
		}
	}
	return g
}

func canonicalRelationship(s string, table *Table) string {
	if term, kind, ok := table.Lookup(s); ok && kind != MatchKeyword {
		return term.Name
	}
	return strings.ToLower(s)
}
