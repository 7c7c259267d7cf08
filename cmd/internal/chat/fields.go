package chat

import "time"

func stringField(docID string, fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", missing(docID, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", mistyped(docID, key, v)
	}
	return s, nil
}

func boolField(docID string, fields map[string]any, key string) (bool, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return false, missing(docID, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, mistyped(docID, key, v)
	}
	return b, nil
}

// timeField accepts time.Time or an RFC 3339 string; JSON-backed stores hand times back as strings.
func timeField(docID string, fields map[string]any, key string) (time.Time, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return time.Time{}, missing(docID, key)
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, &DecodeError{DocumentID: docID, Field: key, Reason: "invalid timestamp"}
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, mistyped(docID, key, v)
	}
}
