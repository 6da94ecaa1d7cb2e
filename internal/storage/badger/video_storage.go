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

// VideoStorage implements the VideoStorage interface for Badger
type VideoStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewVideoStorage creates a new VideoStorage instance
func NewVideoStorage(db *BadgerDB, logger arbor.ILogger) interfaces.VideoStorage {
	return &VideoStorage{
		db:     db,
		logger: logger,
	}
}

func (s *VideoStorage) Store(ctx context.Context, video *models.Video) error {
	if video == nil {
		return fmt.Errorf("video is required")
	}
	if video.ID == "" {
		return fmt.Errorf("video ID is required")
	}

	video.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(video.ID, video); err != nil {
		return fmt.Errorf("failed to save video: %w", err)
	}
	return nil
}

func (s *VideoStorage) Get(ctx context.Context, id string) (*models.Video, error) {
	var video models.Video
	if err := s.db.Store().Get(id, &video); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("video %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return &video, nil
}

func (s *VideoStorage) GetByJob(ctx context.Context, jobID string) ([]*models.Video, error) {
	var videos []models.Video
	if err := s.db.Store().Find(&videos, badgerhold.Where("JobID").Eq(jobID).Index("JobID").SortBy("CollectedAt")); err != nil {
		return nil, fmt.Errorf("failed to list videos for job %s: %w", jobID, err)
	}

	result := make([]*models.Video, len(videos))
	for i := range videos {
		result[i] = &videos[i]
	}
	return result, nil
}

func (s *VideoStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Video{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count videos: %w", err)
	}
	return int(count), nil
}

func (s *VideoStorage) CountByJob(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.Video{}, badgerhold.Where("JobID").Eq(jobID).Index("JobID"))
	if err != nil {
		return 0, fmt.Errorf("failed to count videos for job %s: %w", jobID, err)
	}
	return int(count), nil
}

func (s *VideoStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Video{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete video: %w", err)
	}
	return nil
}
