package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	products interfaces.ProductStorage
	videos   interfaces.VideoStorage
	assets   interfaces.AssetStorage
	matches  interfaces.MatchStorage
	jobs     interfaces.JobStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		products: NewProductStorage(db, logger),
		videos:   NewVideoStorage(db, logger),
		assets:   NewAssetStorage(db, logger),
		matches:  NewMatchStorage(db, logger),
		jobs:     NewJobStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// Products returns the product storage interface
func (m *Manager) Products() interfaces.ProductStorage {
	return m.products
}

// Videos returns the video storage interface
func (m *Manager) Videos() interfaces.VideoStorage {
	return m.videos
}

// Assets returns the asset storage interface
func (m *Manager) Assets() interfaces.AssetStorage {
	return m.assets
}

// Matches returns the match storage interface
func (m *Manager) Matches() interfaces.MatchStorage {
	return m.matches
}

// Jobs returns the job storage interface
func (m *Manager) Jobs() interfaces.JobStorage {
	return m.jobs
}

// Connection returns the underlying database connection. The bus runs
// on the same Badger instance.
func (m *Manager) Connection() *BadgerDB {
	return m.db
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
