package match

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/bus"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/services/workers"
)

const group = "match"

// Service matches products against videos once a job's embedding stages
// have both completed. Completion deliveries arm a per-job gate; the
// delivery that closes the gate runs matching, stores the results, and
// publishes matching.completed. Keypoint completions are recorded so the
// run can report whether descriptor data was in place, but they never
// delay matching.
type Service struct {
	storage   interfaces.StorageManager
	publisher interfaces.Publisher
	gate      *StageGate
	matching  common.MatchingConfig
	logger    arbor.ILogger
}

// NewService creates the matcher.
func NewService(config *common.Config, storage interfaces.StorageManager, publisher interfaces.Publisher, logger arbor.ILogger) *Service {
	matching := config.Matching
	if matching.TopK <= 0 {
		matching.TopK = 5
	}
	if matching.Workers <= 0 {
		matching.Workers = 4
	}

	return &Service{
		storage:   storage,
		publisher: publisher,
		gate:      NewStageGate(),
		matching:  matching,
		logger:    logger,
	}
}

// completionTopics lists every completion the matcher subscribes to.
func completionTopics() []string {
	return []string{
		models.TopicStageCompleted(models.AssetTypeImage, models.StageEmbeddings),
		models.TopicStageCompleted(models.AssetTypeVideo, models.StageEmbeddings),
		models.TopicStageCompleted(models.AssetTypeImage, models.StageKeypoints),
		models.TopicStageCompleted(models.AssetTypeVideo, models.StageKeypoints),
	}
}

// Register subscribes the completion handlers. Must run before the bus
// starts.
func (s *Service) Register(eventBus interfaces.EventBus) error {
	for _, topic := range completionTopics() {
		if err := eventBus.Subscribe(topic, group, s.handleCompletion); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

func (s *Service) handleCompletion(ctx context.Context, delivery interfaces.Delivery) error {
	var event models.StageCompletedEvent
	if err := bus.Decode(delivery, &event); err != nil {
		return err
	}

	if total, processed, ok := event.Counts(); ok {
		s.logger.Debug().
			Str("job_id", event.JobID).
			Str("topic", delivery.Topic).
			Int("total", total).
			Int("processed", processed).
			Bool("partial", event.Partial()).
			Msg("Stage completion recorded")
	} else {
		s.logger.Debug().
			Str("job_id", event.JobID).
			Str("topic", delivery.Topic).
			Msg("Stage completion recorded without counts")
	}

	if !s.gate.Record(event.JobID, delivery.Topic) {
		return nil
	}

	if err := s.runMatching(ctx, event.JobID); err != nil {
		// Re-arm so the redelivery of this completion retries the run.
		s.gate.Reset(event.JobID)
		return fmt.Errorf("matching failed for job %s: %w", event.JobID, err)
	}
	return nil
}

func (s *Service) runMatching(ctx context.Context, jobID string) error {
	products, err := s.storage.Products().GetByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load products: %w", err)
	}
	videos, err := s.storage.Videos().GetByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load videos: %w", err)
	}
	images, err := s.storage.Assets().GetByJob(ctx, jobID, models.AssetTypeImage)
	if err != nil {
		return fmt.Errorf("failed to load image assets: %w", err)
	}
	frames, err := s.storage.Assets().GetByJob(ctx, jobID, models.AssetTypeVideo)
	if err != nil {
		return fmt.Errorf("failed to load keyframe assets: %w", err)
	}

	imagesByProduct := groupEmbedded(images)
	framesByVideo := groupEmbedded(frames)

	candidates := make([]*videoFeatures, 0, len(videos))
	for _, video := range videos {
		if rows := framesByVideo[video.ID]; len(rows) > 0 {
			candidates = append(candidates, &videoFeatures{video: video, frames: rows})
		}
	}

	keypointsReady := s.gate.Seen(jobID, models.TopicStageCompleted(models.AssetTypeImage, models.StageKeypoints)) &&
		s.gate.Seen(jobID, models.TopicStageCompleted(models.AssetTypeVideo, models.StageKeypoints))
	s.logger.Info().
		Str("job_id", jobID).
		Int("products", len(products)).
		Int("videos", len(candidates)).
		Bool("keypoints_ready", keypointsReady).
		Msg("Matching started")

	// A retried run replaces any partial result set.
	if err := s.storage.Matches().DeleteByJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to clear previous matches: %w", err)
	}

	var (
		mu      sync.Mutex
		results []*models.Match
		matched int
	)
	pool := workers.NewPool(s.matching.Workers, s.logger)
	pool.Start()
	for _, product := range products {
		rows := imagesByProduct[product.ID]
		if len(rows) == 0 {
			continue
		}
		features := &productFeatures{product: product, images: rows}
		task := func(ctx context.Context) error {
			productMatches := scoreProduct(jobID, features, candidates, &s.matching)
			if len(productMatches) == 0 {
				return nil
			}
			mu.Lock()
			results = append(results, productMatches...)
			matched++
			mu.Unlock()
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

	for _, match := range results {
		if err := s.storage.Matches().Store(ctx, match); err != nil {
			return fmt.Errorf("failed to store match %s: %w", match.ID, err)
		}
	}

	event := models.MatchingCompletedEvent{
		JobID:           jobID,
		EventID:         common.NewEventID(),
		TotalProducts:   len(products),
		MatchedProducts: matched,
	}
	if err := s.publisher.Publish(ctx, models.TopicMatchingCompleted, event, jobID); err != nil {
		return fmt.Errorf("failed to publish matching completion: %w", err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Int("total_products", len(products)).
		Int("matched_products", matched).
		Int("matches", len(results)).
		Msg("Matching completed")
	return nil
}

// groupEmbedded buckets assets by owner, keeping only rows the embedding
// stage has filled in.
func groupEmbedded(assets []*models.Asset) map[string][]*models.Asset {
	grouped := make(map[string][]*models.Asset)
	for _, asset := range assets {
		if !asset.HasEmbedding() {
			continue
		}
		grouped[asset.OwnerID] = append(grouped[asset.OwnerID], asset)
	}
	return grouped
}
