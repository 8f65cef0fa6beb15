package extraction

import (
	"fmt"
	"time"
)

// Facet names as they appear in augmented output.
const (
	FacetSeverity   = "severity"
	FacetQuality    = "quality"
	FacetOnset      = "onset"
	FacetVitals     = "vitals"
	FacetGuardian   = "guardian"
	FacetLabOrders  = "lab_orders"
	FacetICDUpdates = "icd_updates"
)

// Options configures ExtractAll.
type Options struct {
	Now  func() time.Time
	Dict *Dictionary
}

// Result holds every facet that could be computed from a record. A nil
// field means the extractor failed; an empty map means it ran but found
// nothing.
type Result struct {
	Severity   map[string]int      `json:"severity,omitempty"`
	Quality    map[string][]string `json:"quality,omitempty"`
	Onset      map[string]string   `json:"onset,omitempty"`
	Vitals     *Vitals             `json:"vitals,omitempty"`
	Guardian   *Guardian           `json:"guardian,omitempty"`
	LabOrders  []LabOrder          `json:"lab_orders,omitempty"`
	ICDUpdates []ICDUpdate         `json:"icd_updates,omitempty"`

	// Entries lists the complaint keys in source order.
	Entries []string `json:"entries,omitempty"`
}

// FacetError reports an extractor that panicked.
type FacetError struct {
	Facet string
	Cause interface{}
}

func (e *FacetError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Facet, e.Cause)
}

// ExtractAll runs every extractor against record. Each extractor is isolated:
// a panic in one is reported in the returned errors and the others still run.
func ExtractAll(record map[string]interface{}, opts Options) (*Result, []error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dict == nil {
		opts.Dict = DefaultDictionary()
	}
	dict := opts.Dict

	res := &Result{}
	var errs []error
	run := func(facet string, fn func()) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, &FacetError{Facet: facet, Cause: r})
			}
		}()
		fn()
	}

	for _, e := range Complaints(record) {
		res.Entries = append(res.Entries, e.Key)
	}
	run(FacetSeverity, func() { res.Severity = Severities(record) })
	run(FacetQuality, func() { res.Quality = Qualities(record, dict.Qualities) })
	run(FacetOnset, func() { res.Onset = Onsets(record) })
	run(FacetVitals, func() { res.Vitals = ExtractVitals(record) })
	run(FacetGuardian, func() { res.Guardian = ExtractGuardian(record, dict.Relationships, opts.Now()) })
	run(FacetLabOrders, func() { res.LabOrders = LabOrders(record, dict.Labs) })
	run(FacetICDUpdates, func() { res.ICDUpdates = ICDUpdates(record, dict.ICD) })
	return res, errs
}
