// Package reports persists and exports finished report artifacts.
package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/analysis"
	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
)

// Service builds and stores report artifacts from finished tasks
type Service struct {
	store  interfaces.ReportStorage
	logger arbor.ILogger
}

// NewService creates the report service
func NewService(store interfaces.ReportStorage, logger arbor.ILogger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Finalize parses the task's accumulated output into sections and stores the
// report, returning its id for the task's result_ref. Section parsing never
// fails hard; an unparseable report is stored with the raw content only.
func (s *Service) Finalize(ctx context.Context, task *models.Task) (string, error) {
	if task.Output == "" {
		return "", fmt.Errorf("task %s has no output to finalize", task.ID)
	}

	sections := analysis.ParseSections(task.Output)

	providers := make([]string, 0)
	seen := make(map[string]bool)
	for _, attempt := range task.ProviderAttempts {
		if attempt.Outcome == models.AttemptOutcomeCompleted && !seen[attempt.Provider] {
			providers = append(providers, attempt.Provider)
			seen[attempt.Provider] = true
		}
	}

	report := &models.Report{
		ID:        common.NewReportID(),
		TaskID:    task.ID,
		Subject:   task.Input.Subject,
		Topic:     task.Input.Topic,
		Content:   task.Output,
		Sections:  sections,
		Providers: providers,
		CreatedAt: time.Now(),
	}

	if err := s.store.SaveReport(ctx, report); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}

	s.logger.Info().
		Str("report_id", report.ID).
		Str("task_id", task.ID).
		Int("section_count", len(sections)).
		Msg("Report persisted")

	return report.ID, nil
}

// Get returns a stored report by id
func (s *Service) Get(ctx context.Context, id string) (*models.Report, error) {
	return s.store.GetReport(ctx, id)
}

// GetByTask returns the report produced by a task, if any
func (s *Service) GetByTask(ctx context.Context, taskID string) (*models.Report, error) {
	return s.store.GetReportByTask(ctx, taskID)
}
