package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

// AssetStorage implements the AssetStorage interface for Badger. Assets
// are the processable units of the pipeline: product images and video
// keyframes, each carrying its extracted features once the stages have
// run.
type AssetStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAssetStorage creates a new AssetStorage instance
func NewAssetStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AssetStorage {
	return &AssetStorage{
		db:     db,
		logger: logger,
	}
}

func (s *AssetStorage) Store(ctx context.Context, asset *models.Asset) error {
	if asset == nil {
		return fmt.Errorf("asset is required")
	}
	if asset.ID == "" {
		return fmt.Errorf("asset ID is required")
	}
	if !asset.Type.Valid() {
		return fmt.Errorf("invalid asset type: %s", asset.Type)
	}

	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now()
	}
	asset.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(asset.ID, asset); err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

func (s *AssetStorage) Get(ctx context.Context, id string) (*models.Asset, error) {
	var asset models.Asset
	if err := s.db.Store().Get(id, &asset); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("asset %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &asset, nil
}

func (s *AssetStorage) GetByJob(ctx context.Context, jobID string, assetType models.AssetType) ([]*models.Asset, error) {
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID")
	if assetType != "" {
		query = query.And("Type").Eq(assetType)
	}

	var assets []models.Asset
	if err := s.db.Store().Find(&assets, query.SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list assets for job %s: %w", jobID, err)
	}

	result := make([]*models.Asset, len(assets))
	for i := range assets {
		result[i] = &assets[i]
	}
	return result, nil
}

func (s *AssetStorage) GetByOwner(ctx context.Context, ownerID string) ([]*models.Asset, error) {
	var assets []models.Asset
	if err := s.db.Store().Find(&assets, badgerhold.Where("OwnerID").Eq(ownerID).SortBy("FrameOffset")); err != nil {
		return nil, fmt.Errorf("failed to list assets for owner %s: %w", ownerID, err)
	}

	result := make([]*models.Asset, len(assets))
	for i := range assets {
		result[i] = &assets[i]
	}
	return result, nil
}

// SetMask records the segmentation output path and stamps the stage.
func (s *AssetStorage) SetMask(ctx context.Context, id string, maskPath string) error {
	return s.update(id, func(asset *models.Asset) {
		now := time.Now()
		asset.MaskPath = maskPath
		asset.SegmentedAt = &now
	})
}

// SetEmbedding records the embedding vector and stamps the stage.
func (s *AssetStorage) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	return s.update(id, func(asset *models.Asset) {
		now := time.Now()
		asset.Embedding = embedding
		asset.EmbeddedAt = &now
	})
}

// SetKeypoints records the keypoint descriptors and stamps the stage.
func (s *AssetStorage) SetKeypoints(ctx context.Context, id string, keypoints []models.Keypoint) error {
	return s.update(id, func(asset *models.Asset) {
		now := time.Now()
		asset.Keypoints = keypoints
		asset.KeypointedAt = &now
	})
}

func (s *AssetStorage) update(id string, mutate func(*models.Asset)) error {
	var asset models.Asset
	if err := s.db.Store().Get(id, &asset); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("asset %s: %w", id, interfaces.ErrNotFound)
		}
		return fmt.Errorf("failed to get asset: %w", err)
	}

	mutate(&asset)
	asset.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(asset.ID, &asset); err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	return nil
}

func (s *AssetStorage) CountByJob(ctx context.Context, jobID string, assetType models.AssetType) (int, error) {
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID")
	if assetType != "" {
		query = query.And("Type").Eq(assetType)
	}

	count, err := s.db.Store().Count(&models.Asset{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count assets for job %s: %w", jobID, err)
	}
	return int(count), nil
}

func (s *AssetStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Asset{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	return nil
}
