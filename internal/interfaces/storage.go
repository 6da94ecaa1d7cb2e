package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/specto/internal/models"
)

// ErrNotFound is wrapped by storage lookups for missing records so
// callers can tell "record does not exist" from infrastructure errors.
var ErrNotFound = errors.New("not found")

// ProductStorage - persistence for collected products
type ProductStorage interface {
	Store(ctx context.Context, product *models.Product) error
	Get(ctx context.Context, id string) (*models.Product, error)
	GetByJob(ctx context.Context, jobID string) ([]*models.Product, error)
	Count(ctx context.Context) (int, error)
	CountByJob(ctx context.Context, jobID string) (int, error)
	Delete(ctx context.Context, id string) error
}

// VideoStorage - persistence for collected videos
type VideoStorage interface {
	Store(ctx context.Context, video *models.Video) error
	Get(ctx context.Context, id string) (*models.Video, error)
	GetByJob(ctx context.Context, jobID string) ([]*models.Video, error)
	Count(ctx context.Context) (int, error)
	CountByJob(ctx context.Context, jobID string) (int, error)
	Delete(ctx context.Context, id string) error
}

// AssetStorage - persistence for images and keyframes plus their
// extracted features
type AssetStorage interface {
	Store(ctx context.Context, asset *models.Asset) error
	Get(ctx context.Context, id string) (*models.Asset, error)
	GetByJob(ctx context.Context, jobID string, assetType models.AssetType) ([]*models.Asset, error)
	GetByOwner(ctx context.Context, ownerID string) ([]*models.Asset, error)
	SetMask(ctx context.Context, id string, maskPath string) error
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
	SetKeypoints(ctx context.Context, id string, keypoints []models.Keypoint) error
	CountByJob(ctx context.Context, jobID string, assetType models.AssetType) (int, error)
	Delete(ctx context.Context, id string) error
}

// MatchStorage - persistence for match results
type MatchStorage interface {
	Store(ctx context.Context, match *models.Match) error
	GetByJob(ctx context.Context, jobID string) ([]*models.Match, error)
	GetByProduct(ctx context.Context, productID string) ([]*models.Match, error)
	DeleteByJob(ctx context.Context, jobID string) error
	Count(ctx context.Context) (int, error)
}

// JobStorage - persistence for collection job records
type JobStorage interface {
	Store(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, limit int) ([]*models.Job, error)
	RecordStageOutcome(ctx context.Context, jobID string, key string, outcome models.StageOutcome) error
	Delete(ctx context.Context, id string) error
}

// StorageManager provides access to all storage services
type StorageManager interface {
	Products() ProductStorage
	Videos() VideoStorage
	Assets() AssetStorage
	Matches() MatchStorage
	Jobs() JobStorage

	// Close closes the underlying database
	Close() error
}
