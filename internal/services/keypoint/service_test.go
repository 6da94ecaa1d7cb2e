package keypoint

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/storage/badger"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	events []interface{}
}

func (c *capturePublisher) Publish(_ context.Context, topic string, payload interface{}, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.events = append(c.events, payload)
	return nil
}

func (c *capturePublisher) byTopic(topic string) []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interface{}
	for i, t := range c.topics {
		if t == topic {
			out = append(out, c.events[i])
		}
	}
	return out
}

type stubDetector struct{}

func (stubDetector) DetectKeypoints(_ context.Context, _ string) ([]models.Keypoint, error) {
	return []models.Keypoint{
		{X: 10, Y: 20, Scale: 1, Descriptor: make([]byte, 32)},
	}, nil
}

func newTestService(t *testing.T) (*Service, *capturePublisher, interfaces.AssetStorage) {
	t.Helper()

	logger := common.GetLogger()
	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assets := badger.NewAssetStorage(db, logger)
	pub := &capturePublisher{}
	svc := NewService(stubDetector{}, assets, pub, time.Minute, 2, logger)
	t.Cleanup(svc.Close)

	return svc, pub, assets
}

func delivery(t *testing.T, topic string, payload interface{}) interfaces.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return interfaces.Delivery{MessageID: "m1", Topic: topic, Body: body}
}

func TestImageCompletionCarriesFullCounts(t *testing.T) {
	svc, pub, assets := newTestService(t)
	ctx := context.Background()

	require.NoError(t, assets.Store(ctx, &models.Asset{
		ID: "asset_1", JobID: "J1", Type: models.AssetTypeImage, OwnerID: "prod_1", LocalPath: "/media/a.jpg",
	}))

	batch := models.ImagesMaskedBatchEvent{JobID: "J1", EventID: "E1", TotalImages: 1}
	require.NoError(t, svc.handleImageBatch(ctx, delivery(t, models.TopicImagesMaskedBatch, batch)))

	item := models.ImageMaskedEvent{
		JobID: "J1", ProductID: "prod_1", AssetID: "asset_1",
		LocalPath: "/media/a.jpg", MaskPath: "/masks/a.png",
	}
	require.NoError(t, svc.handleImageMasked(ctx, delivery(t, models.TopicImageMasked, item)))

	stored, err := assets.Get(ctx, "asset_1")
	require.NoError(t, err)
	assert.True(t, stored.HasKeypoints())
	assert.NotNil(t, stored.KeypointedAt)

	completions := pub.byTopic(models.TopicStageCompleted(models.AssetTypeImage, models.StageKeypoints))
	require.Len(t, completions, 1)
	total, processed, ok := completions[0].(models.StageCompletedEvent).Counts()
	require.True(t, ok)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, processed)
}

func TestVideoCompletionUsesMinimalPayload(t *testing.T) {
	svc, pub, assets := newTestService(t)
	ctx := context.Background()

	require.NoError(t, assets.Store(ctx, &models.Asset{
		ID: "frame_1", JobID: "J1", Type: models.AssetTypeVideo, OwnerID: "vid_1", LocalPath: "/media/f1.jpg",
	}))

	batch := models.KeyframesMaskedBatchEvent{JobID: "J1", EventID: "E1", TotalKeyframes: 1}
	require.NoError(t, svc.handleKeyframeBatch(ctx, delivery(t, models.TopicKeyframesMaskedBatch, batch)))

	item := models.VideoKeyframesMaskedEvent{
		JobID:   "J1",
		VideoID: "vid_1",
		Frames: []models.KeyframeRef{
			{AssetID: "frame_1", LocalPath: "/media/f1.jpg", OffsetMS: 0, MaskPath: "/masks/f1.png"},
		},
	}
	require.NoError(t, svc.handleVideoMasked(ctx, delivery(t, models.TopicVideoKeyframesMasked, item)))

	completions := pub.byTopic(models.TopicStageCompleted(models.AssetTypeVideo, models.StageKeypoints))
	require.Len(t, completions, 1)
	event := completions[0].(models.StageCompletedEvent)
	assert.Equal(t, "J1", event.JobID)
	assert.NotEmpty(t, event.EventID)

	// Minimal variant: counts absent, consumers must treat them as
	// unavailable rather than zero.
	_, _, ok := event.Counts()
	assert.False(t, ok)
	assert.Nil(t, event.TotalAssets)
	assert.Nil(t, event.HasPartialCompletion)
}
