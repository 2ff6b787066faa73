package realtime

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// encodeDoc resolves ServerTimestamp sentinels to now and returns the JSON
// document. With merge the fields are applied over existing.
func encodeDoc(existing []byte, fields map[string]any, now time.Time, merge bool) ([]byte, error) {
	doc := make(map[string]any, len(fields))
	if merge && len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return nil, fmt.Errorf("decode existing document: %w", err)
		}
	}
	maps.Copy(doc, resolveTimestamps(fields, now))
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

func resolveTimestamps(fields map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case serverTimestamp:
			out[k] = now
		case map[string]any:
			out[k] = resolveTimestamps(val, now)
		default:
			out[k] = v
		}
	}
	return out
}

func jsonSnapshot(key string, data []byte) Snapshot {
	return NewSnapshot(key, func(v any) error {
		return json.Unmarshal(data, v)
	})
}

func newKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
