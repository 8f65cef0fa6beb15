package augment

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ehr/intake-bridge/internal/domain/extraction"
)

//go:embed augmented.schema.json
var augmentedSchema []byte

// FlagsKey holds the corrector's report inside the augmented document.
const FlagsKey = "_flags"

// arrayFields must always be JSON arrays at the top level.
var arrayFields = []string{
	extraction.FacetLabOrders,
	extraction.FacetICDUpdates,
	"medications",
	"allergies",
}

// Flags lists what the corrector changed or could not back.
type Flags struct {
	Unsourced    []string `json:"unsourced"`
	Corrected    []string `json:"corrected"`
	SchemaErrors []string `json:"schema_errors"`
}

// Corrector normalizes the merged document to its contracts and validates
// the result.
type Corrector struct {
	schema *jsonschema.Schema
}

func NewCorrector() (*Corrector, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("augmented.schema.json", bytes.NewReader(augmentedSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("augmented.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Corrector{schema: schema}, nil
}

// Correct returns a corrected copy of doc with its Flags stored under
// FlagsKey. unsourced comes from Overlay.
func (c *Corrector) Correct(doc map[string]interface{}, unsourced []string) (map[string]interface{}, Flags, error) {
	out, err := normalizeJSON(doc)
	if err != nil {
		return nil, Flags{}, err
	}
	delete(out, FlagsKey)

	flags := Flags{
		Unsourced:    append([]string{}, unsourced...),
		Corrected:    []string{},
		SchemaErrors: []string{},
	}
	mark := func(path string) { flags.Corrected = append(flags.Corrected, path) }

	for _, k := range arrayFields {
		if v, ok := out[k]; ok {
			if arr, changed := toArray(v, false); changed {
				out[k] = arr
				mark(k)
			}
		}
	}

	if m, ok := out[extraction.FacetSeverity].(map[string]interface{}); ok {
		for _, k := range sortedKeys(m) {
			if v, changed := correctSeverity(m[k]); changed {
				m[k] = jsonInt(v)
				mark(extraction.FacetSeverity + "." + k)
			}
		}
	}
	if m, ok := out[extraction.FacetQuality].(map[string]interface{}); ok {
		for _, k := range sortedKeys(m) {
			if arr, changed := toArray(m[k], true); changed {
				m[k] = arr
				mark(extraction.FacetQuality + "." + k)
			}
		}
	}

	if complaints, ok := out["complaints"].([]interface{}); ok {
		for i, c := range complaints {
			entry, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			prefix := "complaints." + strconv.Itoa(i) + "."
			if v, ok := entry["severity"]; ok {
				if s, changed := correctSeverity(v); changed {
					entry["severity"] = jsonInt(s)
					mark(prefix + "severity")
				}
			}
			if v, ok := entry["quality"]; ok {
				if arr, changed := toArray(v, true); changed {
					entry["quality"] = arr
					mark(prefix + "quality")
				}
			}
		}
	}

	// Validate the corrected shape before the report is attached.
	if err := c.schema.Validate(out); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			flags.SchemaErrors = leafErrors(ve)
		} else {
			flags.SchemaErrors = []string{err.Error()}
		}
	}

	out[FlagsKey] = map[string]interface{}{
		"unsourced":     stringsToAny(flags.Unsourced),
		"corrected":     stringsToAny(flags.Corrected),
		"schema_errors": stringsToAny(flags.SchemaErrors),
	}
	return out, flags, nil
}

// normalizeJSON deep-copies v into plain JSON values so typed Go values from
// the overlay and decoded values from the service look the same.
func normalizeJSON(v map[string]interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode augmented document: %w", err)
	}
	var out map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode augmented document: %w", err)
	}
	if out == nil {
		out = make(map[string]interface{})
	}
	return out, nil
}

// toArray enforces the array contract: null becomes empty, a scalar or object
// becomes a single element, and with splitCommas a string becomes a trimmed
// list. It reports whether v changed.
func toArray(v interface{}, splitCommas bool) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, false
	case nil:
		return []interface{}{}, true
	case string:
		if !splitCommas {
			return []interface{}{t}, true
		}
		out := []interface{}{}
		for _, part := range strings.Split(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	default:
		return []interface{}{t}, true
	}
}

// correctSeverity coerces v to an integer in range. Unusable values fall back
// to the default severity.
func correctSeverity(v interface{}) (int, bool) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return extraction.DefaultSeverity, true
		}
		f = n
		if i, err := t.Int64(); err == nil && i >= extraction.MinSeverity && i <= extraction.MaxSeverity {
			return int(i), false
		}
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return extraction.DefaultSeverity, true
		}
		f = n
	default:
		return extraction.DefaultSeverity, true
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return extraction.DefaultSeverity, true
	}
	s := int(math.Round(f))
	if s < extraction.MinSeverity {
		s = extraction.MinSeverity
	}
	if s > extraction.MaxSeverity {
		s = extraction.MaxSeverity
	}
	return s, true
}

func jsonInt(i int) json.Number {
	return json.Number(strconv.Itoa(i))
}

func leafErrors(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leafErrors(c)...)
	}
	return out
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringsToAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
