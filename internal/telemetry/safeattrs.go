package telemetry

import (
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/straja-ai/lexanon/internal/redact"
)

// Keys naming document content never become span attributes.
var denyKeys = []string{
	"prompt",
	"content",
	"authorization",
	"api_key",
	"secret",
	"original",
	"text",
	"reply",
	"phrase",
}

const (
	maxStringAttr = 256
	maxSliceAttr  = 32
)

// SafeAttributes converts values into span attributes sorted by key. Keys on
// the deny list, oversized strings and strings that would be altered by log
// redaction are dropped, so a stray original cannot reach a trace backend.
func SafeAttributes(values map[string]any) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if !denied(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch val := values[k].(type) {
		case string:
			if safeString(val) {
				attrs = append(attrs, attribute.String(k, val))
			}
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case []string:
			var kept []string
			for _, s := range val {
				if len(kept) == maxSliceAttr {
					break
				}
				if safeString(s) {
					kept = append(kept, s)
				}
			}
			if len(kept) > 0 {
				attrs = append(attrs, attribute.StringSlice(k, kept))
			}
		}
	}
	return attrs
}

func denied(key string) bool {
	lk := strings.ToLower(key)
	for _, bad := range denyKeys {
		if strings.Contains(lk, bad) {
			return true
		}
	}
	return false
}

func safeString(s string) bool {
	return len(s) <= maxStringAttr && redact.String(s) == s
}
