package augment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/intake-bridge/internal/domain/extraction"
	"github.com/ehr/intake-bridge/internal/platform/mapping"
)

// MaxUnwrapDepth bounds how many envelope layers are peeled.
const MaxUnwrapDepth = 8

var envelopeKeys = []string{"data", "result", "payload", "output", "response"}

// payloadKeys mark a document that already is the mapped encounter.
var payloadKeys = []string{
	extraction.FacetSeverity,
	extraction.FacetQuality,
	extraction.FacetOnset,
	extraction.FacetVitals,
	extraction.FacetGuardian,
	extraction.FacetLabOrders,
	extraction.FacetICDUpdates,
	"complaints",
	"medications",
	"allergies",
	"assessment",
	"plan",
	"diagnoses",
	"summary",
}

// Unwrap peels envelope layers until it reaches a document carrying payload
// keys, or until no envelope key holds an object. Envelope values encoded as
// JSON strings are decoded.
func Unwrap(doc map[string]interface{}) map[string]interface{} {
	for depth := 0; depth < MaxUnwrapDepth; depth++ {
		if hasPayloadKey(doc) {
			return doc
		}
		inner, ok := envelopeChild(doc)
		if !ok {
			return doc
		}
		doc = inner
	}
	return doc
}

// Payload returns the innermost document carrying mapped facets. A response
// that reports an error, or that carries no facets at any depth, is
// malformed.
func Payload(doc map[string]interface{}) (map[string]interface{}, error) {
	if msg, ok := doc["error"]; ok && reportsError(msg) {
		return nil, &mapping.Error{Class: mapping.ClassMalformed, Message: fmt.Sprintf("service reported error: %v", msg)}
	}
	inner := Unwrap(doc)
	if !hasPayloadKey(inner) {
		return nil, &mapping.Error{Class: mapping.ClassMalformed, Message: "response has no mapped facets"}
	}
	return inner, nil
}

func reportsError(v interface{}) bool {
	switch e := v.(type) {
	case nil:
		return false
	case bool:
		return e
	case string:
		return strings.TrimSpace(e) != ""
	default:
		return true
	}
}

func hasPayloadKey(doc map[string]interface{}) bool {
	for _, k := range payloadKeys {
		if _, ok := doc[k]; ok {
			return true
		}
	}
	return false
}

func envelopeChild(doc map[string]interface{}) (map[string]interface{}, bool) {
	for _, k := range envelopeKeys {
		switch v := doc[k].(type) {
		case map[string]interface{}:
			return v, true
		case string:
			s := strings.TrimSpace(v)
			if !strings.HasPrefix(s, "{") {
				continue
			}
			var m map[string]interface{}
			dec := json.NewDecoder(strings.NewReader(s))
			dec.UseNumber()
			if dec.Decode(&m) == nil {
				return m, true
			}
		}
	}
	return nil, false
}
