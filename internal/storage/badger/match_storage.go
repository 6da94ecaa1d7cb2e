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

// MatchStorage implements the MatchStorage interface for Badger
type MatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMatchStorage creates a new MatchStorage instance
func NewMatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MatchStorage {
	return &MatchStorage{
		db:     db,
		logger: logger,
	}
}

func (s *MatchStorage) Store(ctx context.Context, match *models.Match) error {
	if match == nil {
		return fmt.Errorf("match is required")
	}
	if match.ID == "" {
		return fmt.Errorf("match ID is required")
	}

	if match.CreatedAt.IsZero() {
		match.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(match.ID, match); err != nil {
		return fmt.Errorf("failed to save match: %w", err)
	}
	return nil
}

func (s *MatchStorage) GetByJob(ctx context.Context, jobID string) ([]*models.Match, error) {
	var matches []models.Match
	if err := s.db.Store().Find(&matches, badgerhold.Where("JobID").Eq(jobID).Index("JobID").SortBy("Score").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list matches for job %s: %w", jobID, err)
	}

	result := make([]*models.Match, len(matches))
	for i := range matches {
		result[i] = &matches[i]
	}
	return result, nil
}

func (s *MatchStorage) GetByProduct(ctx context.Context, productID string) ([]*models.Match, error) {
	var matches []models.Match
	if err := s.db.Store().Find(&matches, badgerhold.Where("ProductID").Eq(productID).SortBy("Score").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list matches for product %s: %w", productID, err)
	}

	result := make([]*models.Match, len(matches))
	for i := range matches {
		result[i] = &matches[i]
	}
	return result, nil
}

// DeleteByJob clears a job's matches before a rerun writes new ones.
func (s *MatchStorage) DeleteByJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.Match{}, badgerhold.Where("JobID").Eq(jobID).Index("JobID")); err != nil {
		return fmt.Errorf("failed to delete matches for job %s: %w", jobID, err)
	}
	return nil
}

func (s *MatchStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Match{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count matches: %w", err)
	}
	return int(count), nil
}
