package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/bus"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

const group = "status"

// Service folds completion events into the stored job records and
// serves the aggregated reports behind the HTTP surface. It observes
// every stage completion plus matching.completed; the latter finalizes
// the job as completed, or partial when any stage was force-completed
// by its watermark.
type Service struct {
	storage interfaces.StorageManager
	stages  []interfaces.StageService
	logger  arbor.ILogger
}

// NewService creates the status service. The stage services provide the
// live progress snapshots merged into job reports.
func NewService(storage interfaces.StorageManager, stages []interfaces.StageService, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		stages:  stages,
		logger:  logger,
	}
}

// Register subscribes the completion handlers. Must run before the bus
// starts.
func (s *Service) Register(eventBus interfaces.EventBus) error {
	for _, assetType := range []models.AssetType{models.AssetTypeImage, models.AssetTypeVideo} {
		for _, stage := range []models.Stage{models.StageSegmentation, models.StageEmbeddings, models.StageKeypoints} {
			topic := models.TopicStageCompleted(assetType, stage)
			if err := eventBus.Subscribe(topic, group, s.handleStageCompleted); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
		}
	}
	if err := eventBus.Subscribe(models.TopicMatchingCompleted, group, s.handleMatchingCompleted); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", models.TopicMatchingCompleted, err)
	}
	return nil
}

// GetJobReport returns the stored job plus live stage progress, match
// results, and stored asset counts.
func (s *Service) GetJobReport(ctx context.Context, jobID string) (*interfaces.JobReport, error) {
	job, err := s.storage.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var snapshots []interfaces.ProgressSnapshot
	for _, stage := range s.stages {
		snapshots = append(snapshots, stage.Snapshots(jobID)...)
	}

	matches, err := s.storage.Matches().GetByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}

	images, err := s.storage.Assets().CountByJob(ctx, jobID, models.AssetTypeImage)
	if err != nil {
		return nil, fmt.Errorf("failed to count image assets: %w", err)
	}
	keyframes, err := s.storage.Assets().CountByJob(ctx, jobID, models.AssetTypeVideo)
	if err != nil {
		return nil, fmt.Errorf("failed to count keyframe assets: %w", err)
	}

	return &interfaces.JobReport{
		Job:      job,
		Progress: snapshots,
		Matches:  matches,
		AssetRows: interfaces.AssetCounts{
			Images:    images,
			Keyframes: keyframes,
		},
	}, nil
}

// ListJobs returns the most recent jobs.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	return s.storage.Jobs().List(ctx, limit)
}

func (s *Service) handleStageCompleted(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.StageCompletedEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}

	outcome := models.StageOutcome{
		Partial:    event.Partial(),
		ObservedAt: time.Now(),
	}
	if total, processed, ok := event.Counts(); ok {
		outcome.Total = &total
		outcome.Processed = &processed
	}

	// "image.embeddings.completed" records under "image.embeddings".
	// Redeliveries overwrite the same key, so this is at-least-once safe.
	key := strings.TrimSuffix(delivery.Topic, ".completed")
	err := s.storage.Jobs().RecordStageOutcome(ctx, event.JobID, key, outcome)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().
				Str("job_id", event.JobID).
				Str("stage", key).
				Msg("Completion event for an unknown job dropped")
			return nil
		}
		return err
	}

	s.logger.Info().
		Str("job_id", event.JobID).
		Str("stage", key).
		Bool("partial", outcome.Partial).
		Msg("Stage completion recorded")
	return nil
}

func (s *Service) handleMatchingCompleted(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.MatchingCompletedEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}

	job, err := s.storage.Jobs().Get(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().
				Str("job_id", event.JobID).
				Msg("Matching completion for an unknown job dropped")
			return nil
		}
		return err
	}

	if job.Status == models.JobStatusFailed {
		s.logger.Warn().
			Str("job_id", job.ID).
			Msg("Matching completion for a failed job ignored")
		return nil
	}

	status := models.JobStatusCompleted
	for _, outcome := range job.StageCompletions {
		if outcome.Partial {
			status = models.JobStatusPartial
			break
		}
	}

	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := s.storage.Jobs().Store(ctx, job); err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", job.ID, err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Int("total_products", event.TotalProducts).
		Int("matched_products", event.MatchedProducts).
		Msg("Job finalized")
	return nil
}
