package models

import "errors"

// Sentinel errors for the task API surface. Handlers map these to HTTP codes.
var (
	// ErrTaskNotFound is returned when a task id is unknown
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidInput is returned when a create request is missing required fields
	ErrInvalidInput = errors.New("invalid task input")

	// ErrReportNotFound is returned when a report id is unknown
	ErrReportNotFound = errors.New("report not found")

	// ErrInvalidTransition is returned when a lifecycle action does not apply
	// to the task's current status, e.g. pausing a pending task or resuming a
	// completed one.
	ErrInvalidTransition = errors.New("invalid task transition")
)
