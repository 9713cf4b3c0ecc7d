package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
)

// ReportStorage implements interfaces.ReportStorage on Badger
type ReportStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewReportStorage creates a new ReportStorage instance
func NewReportStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ReportStorage {
	return &ReportStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ReportStorage) SaveReport(ctx context.Context, report *models.Report) error {
	if report.ID == "" {
		return fmt.Errorf("report ID is required")
	}
	if err := s.db.Store().Upsert(report.ID, report); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (s *ReportStorage) GetReport(ctx context.Context, id string) (*models.Report, error) {
	var report models.Report
	if err := s.db.Store().Get(id, &report); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, models.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return &report, nil
}

func (s *ReportStorage) GetReportByTask(ctx context.Context, taskID string) (*models.Report, error) {
	var reports []models.Report
	if err := s.db.Store().Find(&reports, badgerhold.Where("TaskID").Eq(taskID).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find report by task: %w", err)
	}
	if len(reports) == 0 {
		return nil, models.ErrReportNotFound
	}
	return &reports[0], nil
}

func (s *ReportStorage) DeleteReport(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Report{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.ErrReportNotFound
		}
		return fmt.Errorf("failed to delete report: %w", err)
	}
	return nil
}
