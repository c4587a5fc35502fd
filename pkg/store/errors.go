package store

import "errors"

// Error kinds returned by MetricStore. Callers match them with errors.Is.
var (
	// ErrInvalidArgument is returned for malformed input on write paths:
	// an empty metric name or a sample value rejected by the ValuePolicy.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned by read and statistic paths when the metric
	// name is not registered.
	ErrNotFound = errors.New("metric not found")

	// ErrNotRecognized is returned when a statistic name is outside
	// mean, median, min and max.
	ErrNotRecognized = errors.New("statistic not recognized")
)
