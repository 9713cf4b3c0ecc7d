package models

import "time"

// Report is the stored artifact produced when a task completes. Sections are
// populated by the analysis collaborator; an empty Sections map is valid
// (analysis failures are non-fatal).
type Report struct {
	ID        string            `json:"id" badgerhold:"key"`
	TaskID    string            `json:"task_id"`
	Subject   string            `json:"subject"`
	Topic     string            `json:"topic"`
	Content   string            `json:"content"`
	Sections  map[string]string `json:"sections,omitempty"`
	Providers []string          `json:"providers,omitempty"` // providers that contributed content
	CreatedAt time.Time         `json:"created_at"`
}
