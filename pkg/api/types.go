package api

import (
	"time"
)

// Request/Response types for REST API

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error Error `json:"error"`
}

// Error represents an API error
type Error struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// RegisterMetricRequest is the JSON form of a registration body.
// A text/plain body carries the bare name instead.
type RegisterMetricRequest struct {
	Name string `json:"name"`
}

// InsertSampleRequest represents a request to add a sample to a metric
type InsertSampleRequest struct {
	Value float64 `json:"value"`
}
