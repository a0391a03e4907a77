package logging

import (
	"encoding/json"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"pin":           {},
	"code":          {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"session_token": {},
	"password":      {},
	"authorization": {},
	"secret":        {},
}

// RedactBody renders a request body for diagnostics. Unless reveal is set,
// values under sensitive keys are replaced at any depth. Bodies that do not
// encode to a JSON object are summarized by type only.
func RedactBody(body any, reveal bool) any {
	if body == nil {
		return nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "<unencodable body>"
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "<unencodable body>"
	}
	if reveal {
		return decoded
	}
	return redactValue(decoded)
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = redactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val)
		}
		return out
	default:
		return v
	}
}

// IsSensitiveKey reports whether a field name carries a secret.
func IsSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}
	return strings.HasSuffix(k, "_token") || strings.HasSuffix(k, "_secret")
}
