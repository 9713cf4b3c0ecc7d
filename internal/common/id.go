package common

import (
	"github.com/google/uuid"
)

// NewTaskID generates a unique task ID with the "task_" prefix
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewReportID generates a unique report ID with the "report_" prefix
func NewReportID() string {
	return "report_" + uuid.New().String()
}
