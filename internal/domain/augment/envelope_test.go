package augment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/intake-bridge/internal/platform/mapping"
)

func TestUnwrap(t *testing.T) {
	inner := map[string]interface{}{"severity": map[string]interface{}{"0": 4}}

	tests := []struct {
		name string
		doc  map[string]interface{}
		want map[string]interface{}
	}{
		{"already payload", inner, inner},
		{"one layer", map[string]interface{}{"data": inner, "model": "m1"}, inner},
		{"nested layers", map[string]interface{}{"response": map[string]interface{}{"output": map[string]interface{}{"result": inner}}}, inner},
		{"json string layer", map[string]interface{}{"output": `{"summary":"s"}`}, map[string]interface{}{"summary": "s"}},
		{"no envelope", map[string]interface{}{"model": "m1"}, map[string]interface{}{"model": "m1"}},
		{"payload beside envelope", map[string]interface{}{"summary": "s", "data": inner}, map[string]interface{}{"summary": "s", "data": inner}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unwrap(tt.doc))
		})
	}
}

func TestUnwrap_DepthBounded(t *testing.T) {
	doc := map[string]interface{}{"summary": "bottom"}
	for i := 0; i < MaxUnwrapDepth+2; i++ {
		doc = map[string]interface{}{"data": doc}
	}
	got := Unwrap(doc)
	_, reached := got["summary"]
	assert.False(t, reached)
	assert.Contains(t, got, "data")
}

func TestPayload(t *testing.T) {
	got, err := Payload(map[string]interface{}{"data": map[string]interface{}{"summary": "s"}})
	require.NoError(t, err)
	assert.Equal(t, "s", got["summary"])

	got, err = Payload(map[string]interface{}{"error": nil, "summary": "s"})
	require.NoError(t, err)
	assert.Equal(t, "s", got["summary"])

	for name, doc := range map[string]map[string]interface{}{
		"error string":  {"error": "upstream overloaded"},
		"error object":  {"error": map[string]interface{}{"code": 503}, "summary": "stale"},
		"no facets":     {"model": "m1"},
		"empty wrapped": {"data": map[string]interface{}{}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Payload(doc)
			me, ok := mapping.AsError(err)
			require.True(t, ok, "expected a mapping error, got %v", err)
			assert.Equal(t, mapping.ClassMalformed, me.Class)
		})
	}
}
