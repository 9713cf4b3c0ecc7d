package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/storage/badger"
	"github.com/ternarybob/scriptor/internal/storage/memory"
)

// NewManager creates the storage manager for the configured backend
func NewManager(logger arbor.ILogger, cfg *common.StorageConfig) (interfaces.StorageManager, error) {
	switch cfg.Backend {
	case "", "badger":
		return badger.NewManager(logger, &cfg.Badger)
	case "memory":
		logger.Warn().Msg("Using in-memory storage, task state will not survive restarts")
		return memory.NewManager(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
