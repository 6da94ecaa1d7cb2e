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

// ProductStorage implements the ProductStorage interface for Badger
type ProductStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewProductStorage creates a new ProductStorage instance
func NewProductStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ProductStorage {
	return &ProductStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ProductStorage) Store(ctx context.Context, product *models.Product) error {
	if product == nil {
		return fmt.Errorf("product is required")
	}
	if product.ID == "" {
		return fmt.Errorf("product ID is required")
	}

	product.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(product.ID, product); err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func (s *ProductStorage) Get(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	if err := s.db.Store().Get(id, &product); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("product %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &product, nil
}

func (s *ProductStorage) GetByJob(ctx context.Context, jobID string) ([]*models.Product, error) {
	var products []models.Product
	if err := s.db.Store().Find(&products, badgerhold.Where("JobID").Eq(jobID).Index("JobID").SortBy("CollectedAt")); err != nil {
		return nil, fmt.Errorf("failed to list products for job %s: %w", jobID, err)
	}

	result := make([]*models.Product, len(products))
	for i := range products {
		result[i] = &products[i]
	}
	return result, nil
}

func (s *ProductStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Product{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return int(count), nil
}

func (s *ProductStorage) CountByJob(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.Product{}, badgerhold.Where("JobID").Eq(jobID).Index("JobID"))
	if err != nil {
		return 0, fmt.Errorf("failed to count products for job %s: %w", jobID, err)
	}
	return int(count), nil
}

func (s *ProductStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Product{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete product: %w", err)
	}
	return nil
}
