package models

import "time"

// AnalyticsEvent is a telemetry record mirrored to the analytics collection.
type AnalyticsEvent struct {
	Level      string         `firestore:"level"`
	Message    string         `firestore:"message"`
	Meta       map[string]any `firestore:"meta"`
	CreatedAt  any            `firestore:"createdAt"`
	ClientTime time.Time      `firestore:"clientTime"`
}
