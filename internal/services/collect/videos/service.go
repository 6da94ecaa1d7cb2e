package videos

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/services/collect"
)

// Service collects videos from platform channels: it lists each
// configured channel, downloads the storyboard keyframes, persists the
// video and frame rows, and announces the keyframe batch. The batch
// total is the authoritative expected count; per-video frame lists are
// announced as individual item events.
type Service struct {
	storage   interfaces.StorageManager
	publisher interfaces.Publisher
	client    *Client
	media     *collect.MediaStore
	logger    arbor.ILogger
}

// NewService creates the video collector. The platform client and the
// keyframe downloads share one rate limiter.
func NewService(config *common.Config, storage interfaces.StorageManager, publisher interfaces.Publisher, logger arbor.ILogger) (*Service, error) {
	settings := config.Collect.Videos

	perSecond := settings.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := settings.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)

	client, err := NewClient(&settings, limiter, logger)
	if err != nil {
		return nil, err
	}

	timeout := common.ParseDurationOr(settings.RequestTimeout, 30*time.Second)
	media, err := collect.NewMediaStore(config.Storage.Filesystem.Frames, 0, "", timeout, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame store: %w", err)
	}

	return &Service{
		storage:   storage,
		publisher: publisher,
		client:    client,
		media:     media,
		logger:    logger,
	}, nil
}

// Kind reports which source kind this collector serves.
func (s *Service) Kind() models.SourceKind {
	return models.SourceKindVideos
}

// Collect runs one collection for the source and returns the job id.
func (s *Service) Collect(ctx context.Context, source *models.SourceDefinition, trigger string) (string, error) {
	if source.Kind != models.SourceKindVideos {
		return "", fmt.Errorf("source %s is not a video source", source.Name)
	}

	job := &models.Job{
		ID:         common.NewJobID(),
		SourceName: source.Name,
		Trigger:    trigger,
		Status:     models.JobStatusRunning,
		StartedAt:  time.Now(),
	}
	if err := s.storage.Jobs().Store(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job record: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("source", source.Name).
		Str("trigger", trigger).
		Msg("Video collection started")

	itemEvents, videoCount, frameCount, err := s.run(ctx, job, source)
	if err != nil {
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		if storeErr := s.storage.Jobs().Store(ctx, job); storeErr != nil {
			s.logger.Error().Err(storeErr).Str("job_id", job.ID).Msg("Failed to record job failure")
		}
		return job.ID, err
	}

	job.VideoCount = videoCount
	job.KeyframeCount = frameCount
	if err := s.storage.Jobs().Store(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to update job counts")
	}

	batch := models.KeyframesReadyBatchEvent{
		JobID:          job.ID,
		EventID:        common.NewEventID(),
		TotalKeyframes: frameCount,
	}
	if err := s.publisher.Publish(ctx, models.TopicKeyframesReadyBatch, batch, job.ID); err != nil {
		return job.ID, fmt.Errorf("failed to announce keyframe batch: %w", err)
	}

	for _, event := range itemEvents {
		if err := s.publisher.Publish(ctx, models.TopicVideoKeyframesReady, event, job.ID); err != nil {
			return job.ID, fmt.Errorf("failed to publish keyframe event: %w", err)
		}
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("videos", videoCount).
		Int("keyframes", frameCount).
		Msg("Video collection finished")

	return job.ID, nil
}

// run lists every channel of the source. Storyboard and download
// failures skip the affected video or frame; the run fails only when
// nothing was collected and at least one channel listing failed.
func (s *Service) run(ctx context.Context, job *models.Job, source *models.SourceDefinition) ([]models.VideoKeyframesReadyEvent, int, int, error) {
	var events []models.VideoKeyframesReadyEvent
	videoCount := 0
	frameCount := 0
	channelErrors := 0

	maxVideos := source.MaxVideos
	if maxVideos <= 0 {
		maxVideos = 50
	}

	for _, channelID := range source.ChannelIDs {
		listed, err := s.client.ListChannelVideos(ctx, channelID, maxVideos-videoCount)
		if err != nil {
			channelErrors++
			s.logger.Error().
				Err(err).
				Str("job_id", job.ID).
				Str("channel_id", channelID).
				Msg("Failed to list channel videos")
			continue
		}

		for _, platformVideo := range listed {
			if videoCount >= maxVideos {
				s.logger.Info().
					Str("job_id", job.ID).
					Int("max_videos", maxVideos).
					Msg("Video limit reached, stopping collection")
				return events, videoCount, frameCount, nil
			}

			event, frames, err := s.collectVideo(ctx, job, source, &platformVideo)
			if err != nil {
				s.logger.Warn().
					Err(err).
					Str("job_id", job.ID).
					Str("platform_video_id", platformVideo.ID).
					Msg("Skipping video")
				continue
			}
			videoCount++
			frameCount += frames
			if event != nil {
				events = append(events, *event)
			}
		}
	}

	if videoCount == 0 && channelErrors > 0 {
		return nil, 0, 0, fmt.Errorf("no videos collected: %d channel listing(s) failed", channelErrors)
	}
	return events, videoCount, frameCount, nil
}

// collectVideo fetches one video's storyboard, downloads its keyframes,
// and persists the rows. Returns nil for the event when no frame could
// be downloaded: a frameless video contributes nothing to the batch.
func (s *Service) collectVideo(ctx context.Context, job *models.Job, source *models.SourceDefinition, platformVideo *PlatformVideo) (*models.VideoKeyframesReadyEvent, int, error) {
	storyboard, err := s.client.GetStoryboard(ctx, platformVideo.ID)
	if err != nil {
		return nil, 0, err
	}

	video := &models.Video{
		ID:          common.NewVideoID(),
		JobID:       job.ID,
		SourceName:  source.Name,
		SourceID:    platformVideo.ID,
		Title:       platformVideo.Title,
		ChannelID:   platformVideo.Channel,
		URL:         platformVideo.URL,
		Duration:    platformVideo.Duration,
		CollectedAt: time.Now(),
	}

	var frames []models.KeyframeRef
	for _, frame := range storyboard.Frames {
		stored, err := s.media.Download(ctx, frame.URL, job.ID, "")
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("url", frame.URL).
				Msg("Skipping keyframe")
			continue
		}

		asset := &models.Asset{
			ID:          common.NewAssetID(),
			JobID:       job.ID,
			Type:        models.AssetTypeVideo,
			OwnerID:     video.ID,
			LocalPath:   stored.LocalPath,
			SourceURL:   frame.URL,
			FrameOffset: frame.OffsetMS,
		}
		if err := s.storage.Assets().Store(ctx, asset); err != nil {
			return nil, 0, fmt.Errorf("failed to save keyframe asset: %w", err)
		}

		video.KeyframeAssetIDs = append(video.KeyframeAssetIDs, asset.ID)
		frames = append(frames, models.KeyframeRef{
			AssetID:   asset.ID,
			LocalPath: stored.LocalPath,
			OffsetMS:  frame.OffsetMS,
		})
	}

	if err := s.storage.Videos().Store(ctx, video); err != nil {
		return nil, 0, fmt.Errorf("failed to save video: %w", err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("video_id", video.ID).
		Str("title", video.Title).
		Int("keyframes", len(frames)).
		Msg("Video collected")

	if len(frames) == 0 {
		return nil, 0, nil
	}

	return &models.VideoKeyframesReadyEvent{
		JobID:   job.ID,
		VideoID: video.ID,
		Frames:  frames,
	}, len(frames), nil
}
