package audit

// =============================================================================
// REDACTION - Sensitive keys never reach disk
// =============================================================================

// RedactedPlaceholder replaces the value of any sensitive key.
const RedactedPlaceholder = "***ENCRYPTED***"

// sensitiveKeys is the fixed, enumerated set of keys redacted before
// persistence. Matching is exact on the key name.
var sensitiveKeys = map[string]struct{}{
	"account_number": {},
	"routing_number": {},
	"ssn":            {},
	"tax_id":         {},
	"password":       {},
	"secret":         {},
	"private_key":    {},
	"token":          {},
}

// Redact returns a copy of the payload with every sensitive key replaced
// by the placeholder, descending into nested maps and slices. The input
// is never mutated. Nil in, nil out.
func Redact(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if _, sensitive := sensitiveKeys[k]; sensitive {
			out[k] = RedactedPlaceholder
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}
