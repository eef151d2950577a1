package storage

import "time"

// EventWriter is the interface for writing usage events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *UsageEvent)
	Close()
}

// Usage event statuses.
const (
	StatusSuccess             = "success"
	StatusError               = "error"
	StatusInvalidInput        = "invalid_input"
	StatusInsufficientCredits = "insufficient_credits"
	StatusProcessing          = "processing"
)

// UsageEvent records one tools/call handled by the gateway.
type UsageEvent struct {
	RequestID     string
	UserID        string
	SessionID     string
	Timestamp     time.Time
	Transport     string // "sse" or "http"
	ToolID        string // "orchestrate" for plan runs
	Status        string
	Credits       float64
	USD           float64
	MeteringUnits float64
	PlanSteps     int32
	LatencyMs     float32
	ErrorMessage  string
}
