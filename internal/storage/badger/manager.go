package badger

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
)

// gcInterval is how often the value log garbage collector runs
const gcInterval = 10 * time.Minute

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db      *BadgerDB
	tasks   interfaces.TaskStorage
	reports interfaces.ReportStorage
	logger  arbor.ILogger
	stopGC  chan struct{}
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:      db,
		tasks:   NewTaskStorage(db, logger),
		reports: NewReportStorage(db, logger),
		logger:  logger,
		stopGC:  make(chan struct{}),
	}
	go manager.gcLoop()

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

func (m *Manager) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopGC:
			return
		case <-ticker.C:
			m.db.RunGC()
		}
	}
}

// TaskStorage returns the Task storage interface
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.tasks
}

// ReportStorage returns the Report storage interface
func (m *Manager) ReportStorage() interfaces.ReportStorage {
	return m.reports
}

// Close stops the GC loop and closes the database connection
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing Badger storage manager")
	close(m.stopGC)
	return m.db.Close()
}
