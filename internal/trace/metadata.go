package trace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DecodeMetadataMap decodes a JSON metadata string into a generic map.
// Returns nil for empty input or JSON parse errors.
func DecodeMetadataMap(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	decoded := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}

// MergeMetadata applies patch on top of the raw metadata object and returns
// the encoded result. Keys in patch win; a non-object base is discarded.
func MergeMetadata(raw string, patch map[string]any) (string, error) {
	merged := DecodeMetadataMap(raw)
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for key, value := range patch {
		merged[key] = value
	}
	if len(merged) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(encoded), nil
}

// MetadataValue looks up a metadata key and renders its value as text.
// Dotted keys descend into nested objects. Non-string leaves are rendered
// as compact JSON.
func MetadataValue(raw string, key string) (string, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}
	payload := DecodeMetadataMap(raw)
	if len(payload) == 0 {
		return "", false
	}

	value, ok := payload[key]
	if !ok {
		value, ok = lookupNested(payload, strings.Split(key, "."))
		if !ok {
			return "", false
		}
	}
	return renderMetadataValue(value), true
}

func lookupNested(payload map[string]any, path []string) (any, bool) {
	var current any = payload
	for _, part := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func renderMetadataValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	}
}

func encodeJSONText(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	return encodeJSONText(tags)
}

func decodeTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// scoresDocument is the storage shape of trace scores: one object keyed by
// score name whose values are either numbers or strings.
func encodeScores(numeric map[string]float64, categorical map[string]string) string {
	if len(numeric) == 0 && len(categorical) == 0 {
		return "{}"
	}
	doc := make(map[string]any, len(numeric)+len(categorical))
	for name, value := range numeric {
		doc[name] = value
	}
	for name, value := range categorical {
		doc[name] = value
	}
	return encodeJSONText(doc)
}

func decodeScores(raw string) (map[string]float64, map[string]string) {
	doc := DecodeMetadataMap(raw)
	if len(doc) == 0 {
		return nil, nil
	}
	var (
		numeric     map[string]float64
		categorical map[string]string
	)
	for name, value := range doc {
		switch typed := value.(type) {
		case float64:
			if numeric == nil {
				numeric = make(map[string]float64)
			}
			numeric[name] = typed
		case string:
			if categorical == nil {
				categorical = make(map[string]string)
			}
			categorical[name] = typed
		}
	}
	return numeric, categorical
}
