package augment

import (
	"strconv"

	"github.com/ehr/intake-bridge/internal/domain/extraction"
)

// Facts is the deterministic layer's view of a record: the extracted result
// and the facets whose extractor failed.
type Facts struct {
	Result *extraction.Result
	Failed map[string]bool
}

func newFacts(res *extraction.Result, errs []error) Facts {
	f := Facts{Result: res, Failed: make(map[string]bool)}
	for _, err := range errs {
		if fe, ok := err.(*extraction.FacetError); ok {
			f.Failed[fe.Facet] = true
		}
	}
	if f.Result == nil {
		f.Result = &extraction.Result{}
	}
	return f
}

func (f Facts) computed(facet string) bool {
	return !f.Failed[facet]
}

// Overlay writes every computed deterministic facet over the mapped
// document. Onset values the source cannot back are removed; their paths,
// and any other facet values with no source, are returned as unsourced.
// doc is not modified.
func Overlay(doc map[string]interface{}, facts Facts) (map[string]interface{}, []string) {
	out := make(map[string]interface{}, len(doc)+7)
	for k, v := range doc {
		out[k] = v
	}
	res := facts.Result
	var unsourced []string

	if facts.computed(extraction.FacetSeverity) && res.Severity != nil {
		m := make(map[string]interface{}, len(res.Severity))
		for k, v := range res.Severity {
			m[k] = v
		}
		out[extraction.FacetSeverity] = m
	}
	if facts.computed(extraction.FacetQuality) && res.Quality != nil {
		m := make(map[string]interface{}, len(res.Quality))
		for k, v := range res.Quality {
			m[k] = v
		}
		out[extraction.FacetQuality] = m
	}
	if facts.computed(extraction.FacetOnset) && res.Onset != nil {
		if prev, ok := out[extraction.FacetOnset].(map[string]interface{}); ok {
			for k := range prev {
				if _, sourced := res.Onset[k]; !sourced {
					unsourced = append(unsourced, extraction.FacetOnset+"."+k)
				}
			}
		}
		m := make(map[string]interface{}, len(res.Onset))
		for k, v := range res.Onset {
			m[k] = v
		}
		out[extraction.FacetOnset] = m
	}
	if facts.computed(extraction.FacetVitals) {
		if res.Vitals != nil {
			out[extraction.FacetVitals] = mergeVitals(out[extraction.FacetVitals], res.Vitals.Map())
		} else if v, ok := out[extraction.FacetVitals]; ok && v != nil {
			unsourced = append(unsourced, extraction.FacetVitals)
		}
	}
	if facts.computed(extraction.FacetGuardian) && res.Guardian != nil {
		out[extraction.FacetGuardian] = res.Guardian.Map()
	}
	if facts.computed(extraction.FacetLabOrders) && res.LabOrders != nil {
		out[extraction.FacetLabOrders] = res.LabOrders
	}
	if facts.computed(extraction.FacetICDUpdates) && res.ICDUpdates != nil {
		out[extraction.FacetICDUpdates] = res.ICDUpdates
	}

	if complaints, ok := out["complaints"].([]interface{}); ok {
		var entryUnsourced []string
		out["complaints"], entryUnsourced = overlayComplaints(complaints, facts)
		unsourced = append(unsourced, entryUnsourced...)
	}
	return out, unsourced
}

// overlayComplaints applies per-complaint facets to the mapped complaint
// list, matching entries by id or position the same way extraction keys them.
func overlayComplaints(complaints []interface{}, facts Facts) ([]interface{}, []string) {
	res := facts.Result
	out := make([]interface{}, len(complaints))
	var unsourced []string
	for i, c := range complaints {
		fields, ok := c.(map[string]interface{})
		if !ok {
			out[i] = c
			continue
		}
		entry := make(map[string]interface{}, len(fields)+3)
		for k, v := range fields {
			entry[k] = v
		}
		key := extraction.EntryKey(fields, i)

		if facts.computed(extraction.FacetSeverity) {
			if v, ok := res.Severity[key]; ok {
				entry["severity"] = v
			}
		}
		if facts.computed(extraction.FacetQuality) {
			if v, ok := res.Quality[key]; ok {
				entry["quality"] = v
			}
		}
		if facts.computed(extraction.FacetOnset) && res.Onset != nil {
			if v, ok := res.Onset[key]; ok {
				entry["onset"] = v
			} else if _, had := entry["onset"]; had {
				delete(entry, "onset")
				unsourced = append(unsourced, "complaints."+strconv.Itoa(i)+".onset")
			}
		}
		out[i] = entry
	}
	return out, unsourced
}

func mergeVitals(prev interface{}, det map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	if m, ok := prev.(map[string]interface{}); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	for k, v := range det {
		out[k] = v
	}
	return out
}
