package telemetry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeAttributesFiltersSecrets(t *testing.T) {
	kvs := map[string]any{
		"prompt":            "should drop",
		"content":           "drop",
		"api_key":           "sk-123",
		"original":          "Hans Schmidt",
		"entity_text":       "Köln",
		"authorization":     "secret",
		"lexanon.contact":   "hans.schmidt@example.de",
		"lexanon.long":      strings.Repeat("a", 600),
		"lexanon.run_id":    "run-1",
		"lexanon.accepted":  3,
		"lexanon.degraded":  true,
		"lexanon.naturally": 0.5,
	}

	attrs := SafeAttributes(kvs)
	keys := make(map[string]bool)
	for _, a := range attrs {
		keys[string(a.Key)] = true
	}
	for _, bad := range []string{"prompt", "content", "api_key", "authorization", "original", "entity_text", "lexanon.contact", "lexanon.long"} {
		assert.False(t, keys[bad], "unexpected attribute %s", bad)
	}
	for _, ok := range []string{"lexanon.run_id", "lexanon.accepted", "lexanon.degraded", "lexanon.naturally"} {
		assert.True(t, keys[ok], "missing attribute %s", ok)
	}
}

func TestSafeAttributesSortedAndSliceFiltered(t *testing.T) {
	attrs := SafeAttributes(map[string]any{
		"lexanon.expected_types": []string{"IBAN", "a@example.de", "EMAIL"},
		"lexanon.a":              1,
		"lexanon.unsupported":    struct{}{},
	})
	require.Len(t, attrs, 2)
	assert.Equal(t, "lexanon.a", string(attrs[0].Key))
	assert.Equal(t, "lexanon.expected_types", string(attrs[1].Key))
	assert.Equal(t, []string{"IBAN", "EMAIL"}, attrs[1].Value.AsStringSlice())

	assert.Nil(t, SafeAttributes(nil))
}
