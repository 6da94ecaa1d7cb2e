package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/storage/badger"
)

// NewStorageManager creates a new storage manager based on config. The
// concrete Badger manager is returned so the composition root can hand
// the shared database connection to the bus.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (*badger.Manager, error) {
	// Enforce Badger-only storage
	if config.Storage.Type != "badger" && config.Storage.Type != "" {
		return nil, fmt.Errorf("unsupported storage type: %s (only 'badger' is supported)", config.Storage.Type)
	}
	return badger.NewManager(logger, &config.Storage.Badger)
}
