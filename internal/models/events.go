package models

import "time"

// Event types
const (
	EventTypeLoadTestCompleted   = "LOAD_TEST_COMPLETED"
	EventTypeValidationCompleted = "VALIDATION_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadTestCompletedEvent is published by the load generator once traffic stops
type LoadTestCompletedEvent struct {
	BaseEvent
	TestID     string   `json:"test_id"`
	TotalUsers int      `json:"total_users"`
	UserIDs    []string `json:"user_ids,omitempty"`
}

// ValidationCompletedEvent published when a validation run finishes
type ValidationCompletedEvent struct {
	BaseEvent
	RunID        string `json:"run_id"`
	TestID       string `json:"test_id"`
	Consistent   bool   `json:"consistent"`
	Checked      int    `json:"checked"`
	Inconsistent int    `json:"inconsistent"`
	Errored      int    `json:"errored"`
	Interrupted  int    `json:"interrupted"`
}
