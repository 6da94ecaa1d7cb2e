package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/bus"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/progress"
	"github.com/ternarybob/specto/internal/services/workers"
)

const group = "embed"

// Service runs the embedding stage. It consumes the segmentation stage's
// masked batches and items, computes an embedding vector per asset, and
// stores the vectors the matcher later reads. Completion events carry
// full counts.
type Service struct {
	embedder interfaces.Embedder
	assets   interfaces.AssetStorage
	progress *progress.Manager
	workers  int
	logger   arbor.ILogger
}

// NewService creates the embedding stage service.
func NewService(embedder interfaces.Embedder, assets interfaces.AssetStorage, publisher interfaces.Publisher, ttl time.Duration, workerCount int, logger arbor.ILogger) *Service {
	return &Service{
		embedder: embedder,
		assets:   assets,
		progress: progress.NewManager(models.StageEmbeddings, publisher, ttl, logger),
		workers:  workerCount,
		logger:   logger,
	}
}

// Stage reports the extraction stage this service runs.
func (s *Service) Stage() models.Stage {
	return models.StageEmbeddings
}

// Register subscribes the stage's handlers. Must run before the bus
// starts.
func (s *Service) Register(eventBus interfaces.EventBus) error {
	if err := eventBus.Subscribe(models.TopicImagesMaskedBatch, group, s.handleImageBatch); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicImagesMaskedBatch, err)
	}
	if err := eventBus.Subscribe(models.TopicImageMasked, group, s.handleImageMasked); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicImageMasked, err)
	}
	if err := eventBus.Subscribe(models.TopicKeyframesMaskedBatch, group, s.handleKeyframeBatch); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicKeyframesMaskedBatch, err)
	}
	if err := eventBus.Subscribe(models.TopicVideoKeyframesMasked, group, s.handleVideoMasked); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicVideoKeyframesMasked, err)
	}
	return nil
}

// Snapshots returns the open progress states for the stage.
func (s *Service) Snapshots(jobID string) []interfaces.ProgressSnapshot {
	return s.progress.Snapshots(jobID)
}

// Close stops the stage's watermark timers.
func (s *Service) Close() {
	s.progress.Close()
}

func (s *Service) handleImageBatch(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.ImagesMaskedBatchEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}
	return s.progress.OnBatchAnnounced(ctx, event.JobID, models.AssetTypeImage, event.EventID, event.TotalImages)
}

func (s *Service) handleKeyframeBatch(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.KeyframesMaskedBatchEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}
	return s.progress.OnBatchAnnounced(ctx, event.JobID, models.AssetTypeVideo, event.EventID, event.TotalKeyframes)
}

func (s *Service) handleImageMasked(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.ImageMaskedEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}

	return s.progress.OnItemReady(ctx, event.JobID, models.AssetTypeImage, event.AssetID, 1, func(ctx context.Context) error {
		return s.embedAsset(ctx, event.JobID, event.AssetID)
	})
}

func (s *Service) handleVideoMasked(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.VideoKeyframesMaskedEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}

	return s.progress.OnItemReady(ctx, event.JobID, models.AssetTypeVideo, event.VideoID, len(event.Frames), func(ctx context.Context) error {
		return s.embedFrames(ctx, &event)
	})
}

func (s *Service) embedAsset(ctx context.Context, jobID, assetID string) error {
	asset, err := s.assets.Get(ctx, assetID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Error().
				Str("job_id", jobID).
				Str("asset_id", assetID).
				Msg("Masked event references a missing asset record")
			return progress.ErrSkipItem
		}
		return err
	}

	vector, err := s.embedder.Embed(ctx, asset.LocalPath)
	if err != nil {
		return fmt.Errorf("embedding failed for %s: %w", asset.ID, err)
	}

	return s.assets.SetEmbedding(ctx, asset.ID, vector)
}

func (s *Service) embedFrames(ctx context.Context, event *models.VideoKeyframesMaskedEvent) error {
	rows := make([]*models.Asset, len(event.Frames))
	for i, frame := range event.Frames {
		asset, err := s.assets.Get(ctx, frame.AssetID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				s.logger.Error().
					Str("job_id", event.JobID).
					Str("video_id", event.VideoID).
					Str("asset_id", frame.AssetID).
					Msg("Masked keyframe event references a missing asset record")
				return progress.ErrSkipItem
			}
			return err
		}
		rows[i] = asset
	}

	pool := workers.NewPool(s.workers, s.logger)
	pool.Start()
	for i := range rows {
		i := i
		task := func(ctx context.Context) error {
			vector, err := s.embedder.Embed(ctx, rows[i].LocalPath)
			if err != nil {
				return fmt.Errorf("embedding failed for %s: %w", rows[i].ID, err)
			}
			return s.assets.SetEmbedding(ctx, rows[i].ID, vector)
		}
		if err := pool.Submit(task); err != nil {
			pool.Wait()
			return err
		}
	}
	pool.Wait()

	if errs := pool.Errors(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
