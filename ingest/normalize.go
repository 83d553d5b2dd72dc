package ingest

import (
	"encoding/json"
	"strconv"

	"github.com/tutuCH/opcua-backend-sub000/errors"
)

// PayloadForm identifies the wire encoding of an inbound payload. The form
// is resolved exactly once at ingestion; everything downstream sees plain
// values.
type PayloadForm int

const (
	// FormPlain is a plain nested JSON object.
	FormPlain PayloadForm = iota
	// FormTagged is the legacy attribute-tagged encoding where each scalar
	// is wrapped as {"S": string}, {"N": "numeric-string"}, {"M": object},
	// {"L": list}, {"BOOL": bool} or {"NULL": true}.
	FormTagged
)

// String returns the string representation of PayloadForm.
func (f PayloadForm) String() string {
	if f == FormTagged {
		return "tagged"
	}
	return "plain"
}

// DecodePayload unmarshals an inbound message body, detects its encoding,
// and returns the canonical plain-value map.
func DecodePayload(body []byte) (map[string]any, PayloadForm, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, FormPlain, errors.WrapInvalid(err, "ingest", "DecodePayload", "not a JSON object")
	}

	if isTaggedMap(raw) {
		return unwrapMap(raw), FormTagged, nil
	}
	return raw, FormPlain, nil
}

// attributeTag reports whether a value is a single-key attribute wrapper.
func attributeTag(v any) (string, any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", nil, false
	}
	for k, inner := range m {
		switch k {
		case "S", "N", "M", "L", "BOOL", "NULL":
			return k, inner, true
		}
	}
	return "", nil, false
}

// isTaggedMap reports whether every value in the map is attribute-tagged.
// Mixed maps are treated as plain; a partial unwrap would corrupt data.
func isTaggedMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for _, v := range m {
		if _, _, ok := attributeTag(v); !ok {
			return false
		}
	}
	return true
}

func unwrapMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = unwrapValue(v)
	}
	return out
}

func unwrapValue(v any) any {
	tag, inner, ok := attributeTag(v)
	if !ok {
		// Plain value nested inside a tagged structure; keep as-is but
		// still descend into containers.
		switch t := v.(type) {
		case map[string]any:
			return unwrapMap(t)
		case []any:
			return unwrapList(t)
		default:
			return v
		}
	}

	switch tag {
	case "S":
		return inner
	case "N":
		if s, ok := inner.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		return inner
	case "BOOL":
		return inner
	case "NULL":
		return nil
	case "M":
		if m, ok := inner.(map[string]any); ok {
			return unwrapMap(m)
		}
		return inner
	case "L":
		if l, ok := inner.([]any); ok {
			return unwrapList(l)
		}
		return inner
	}
	return v
}

func unwrapList(l []any) []any {
	out := make([]any, len(l))
	for i, v := range l {
		out[i] = unwrapValue(v)
	}
	return out
}
