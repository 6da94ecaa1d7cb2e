package segment

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

const group = "segment"

// Service runs the segmentation stage. It consumes the collectors' ready
// batches and items for both streams, writes a foreground mask per asset,
// emits the per-item masked events the downstream stages consume, and
// reports batch completion through its progress manager (which also
// chains the masked batch announcements).
type Service struct {
	segmenter interfaces.Segmenter
	assets    interfaces.AssetStorage
	publisher interfaces.Publisher
	progress  *progress.Manager
	maskDir   string
	workers   int
	logger    arbor.ILogger
}

// NewService creates the segmentation stage service. maskDir is where
// mask files land; ttl is the stage's watermark deadline.
func NewService(segmenter interfaces.Segmenter, assets interfaces.AssetStorage, publisher interfaces.Publisher, maskDir string, ttl time.Duration, workerCount int, logger arbor.ILogger) *Service {
	return &Service{
		segmenter: segmenter,
		assets:    assets,
		publisher: publisher,
		progress:  progress.NewManager(models.StageSegmentation, publisher, ttl, logger),
		maskDir:   maskDir,
		workers:   workerCount,
		logger:    logger,
	}
}

// Stage reports the extraction stage this service runs.
func (s *Service) Stage() models.Stage {
	return models.StageSegmentation
}

// Register subscribes the stage's handlers. Must run before the bus
// starts.
func (s *Service) Register(eventBus interfaces.EventBus) error {
	if err := eventBus.Subscribe(models.TopicImagesReadyBatch, group, s.handleImageBatch); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicImagesReadyBatch, err)
	}
	if err := eventBus.Subscribe(models.TopicImageReady, group, s.handleImageReady); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicImageReady, err)
	}
	if err := eventBus.Subscribe(models.TopicKeyframesReadyBatch, group, s.handleKeyframeBatch); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicKeyframesReadyBatch, err)
	}
	if err := eventBus.Subscribe(models.TopicVideoKeyframesReady, group, s.handleVideoReady); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicVideoKeyframesReady, err)
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
	var event models.ImagesReadyBatchEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}
	return s.progress.OnBatchAnnounced(ctx, event.JobID, models.AssetTypeImage, event.EventID, event.TotalImages)
}

func (s *Service) handleKeyframeBatch(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.KeyframesReadyBatchEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}
	return s.progress.OnBatchAnnounced(ctx, event.JobID, models.AssetTypeVideo, event.EventID, event.TotalKeyframes)
}

func (s *Service) handleImageReady(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.ImageReadyEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}

	return s.progress.OnItemReady(ctx, event.JobID, models.AssetTypeImage, event.AssetID, 1, func(ctx context.Context) error {
		return s.maskImage(ctx, &event)
	})
}

func (s *Service) handleVideoReady(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.VideoKeyframesReadyEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}

	// The video id is the dedup key; the frame list length is the item
	// count the event contributes to the job total.
	return s.progress.OnItemReady(ctx, event.JobID, models.AssetTypeVideo, event.VideoID, len(event.Frames), func(ctx context.Context) error {
		return s.maskVideoFrames(ctx, &event)
	})
}

func (s *Service) maskImage(ctx context.Context, event *models.ImageReadyEvent) error {
	asset, err := s.assets.Get(ctx, event.AssetID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Error().
				Str("job_id", event.JobID).
				Str("asset_id", event.AssetID).
				Msg("Image event references a missing asset record")
			return progress.ErrSkipItem
		}
		return err
	}

	maskPath, err := s.segmenter.Segment(ctx, asset.LocalPath, s.maskDir)
	if err != nil {
		return fmt.Errorf("segmentation failed for %s: %w", asset.ID, err)
	}

	if err := s.assets.SetMask(ctx, asset.ID, maskPath); err != nil {
		return err
	}

	masked := models.ImageMaskedEvent{
		JobID:     event.JobID,
		ProductID: event.ProductID,
		AssetID:   event.AssetID,
		LocalPath: asset.LocalPath,
		MaskPath:  maskPath,
	}
	return s.publisher.Publish(ctx, models.TopicImageMasked, masked, event.JobID)
}

func (s *Service) maskVideoFrames(ctx context.Context, event *models.VideoKeyframesReadyEvent) error {
	// Resolve every frame's asset row before any masking work: a frame
	// list pointing at a missing record is dropped whole, otherwise the
	// masked event could not carry the complete list.
	rows := make([]*models.Asset, len(event.Frames))
	for i, frame := range event.Frames {
		asset, err := s.assets.Get(ctx, frame.AssetID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				s.logger.Error().
					Str("job_id", event.JobID).
					Str("video_id", event.VideoID).
					Str("asset_id", frame.AssetID).
					Msg("Keyframe event references a missing asset record")
				return progress.ErrSkipItem
			}
			return err
		}
		rows[i] = asset
	}

	masked := make([]models.KeyframeRef, len(event.Frames))

	pool := workers.NewPool(s.workers, s.logger)
	pool.Start()
	for i := range event.Frames {
		i := i
		task := func(ctx context.Context) error {
			maskPath, err := s.segmenter.Segment(ctx, rows[i].LocalPath, s.maskDir)
			if err != nil {
				return fmt.Errorf("segmentation failed for %s: %w", rows[i].ID, err)
			}
			if err := s.assets.SetMask(ctx, rows[i].ID, maskPath); err != nil {
				return err
			}
			masked[i] = models.KeyframeRef{
				AssetID:   event.Frames[i].AssetID,
				LocalPath: rows[i].LocalPath,
				OffsetMS:  event.Frames[i].OffsetMS,
				MaskPath:  maskPath,
			}
			return nil
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

	maskedEvent := models.VideoKeyframesMaskedEvent{
		JobID:   event.JobID,
		VideoID: event.VideoID,
		Frames:  masked,
	}
	return s.publisher.Publish(ctx, models.TopicVideoKeyframesMasked, maskedEvent, event.JobID)
}
