package embed

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

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, localPath string) ([]float32, error) {
	vec := make([]float32, 4)
	for i, b := range []byte(filepath.Base(localPath)) {
		vec[i%4] += float32(b)
	}
	return vec, nil
}

func newTestService(t *testing.T) (*Service, *capturePublisher, interfaces.AssetStorage) {
	t.Helper()

	logger := common.GetLogger()
	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assets := badger.NewAssetStorage(db, logger)
	pub := &capturePublisher{}
	svc := NewService(stubEmbedder{}, assets, pub, time.Minute, 2, logger)
	t.Cleanup(svc.Close)

	return svc, pub, assets
}

func delivery(t *testing.T, topic string, payload interface{}) interfaces.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return interfaces.Delivery{MessageID: "m1", Topic: topic, Body: body}
}

func TestMaskedImagesAreEmbedded(t *testing.T) {
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
	assert.True(t, stored.HasEmbedding())
	assert.NotNil(t, stored.EmbeddedAt)

	completions := pub.byTopic(models.TopicStageCompleted(models.AssetTypeImage, models.StageEmbeddings))
	require.Len(t, completions, 1)
	total, processed, ok := completions[0].(models.StageCompletedEvent).Counts()
	require.True(t, ok)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, processed)
}

func TestMaskedBatchBeforeItemsStillCompletes(t *testing.T) {
	svc, pub, assets := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"frame_1", "frame_2"} {
		require.NoError(t, assets.Store(ctx, &models.Asset{
			ID: id, JobID: "J1", Type: models.AssetTypeVideo, OwnerID: "vid_1", LocalPath: "/media/" + id + ".jpg",
		}))
	}

	// Items land before the masked batch announcement.
	item := models.VideoKeyframesMaskedEvent{
		JobID:   "J1",
		VideoID: "vid_1",
		Frames: []models.KeyframeRef{
			{AssetID: "frame_1", LocalPath: "/media/frame_1.jpg", OffsetMS: 0, MaskPath: "/masks/f1.png"},
			{AssetID: "frame_2", LocalPath: "/media/frame_2.jpg", OffsetMS: 500, MaskPath: "/masks/f2.png"},
		},
	}
	require.NoError(t, svc.handleVideoMasked(ctx, delivery(t, models.TopicVideoKeyframesMasked, item)))

	topic := models.TopicStageCompleted(models.AssetTypeVideo, models.StageEmbeddings)
	assert.Empty(t, pub.byTopic(topic))

	batch := models.KeyframesMaskedBatchEvent{JobID: "J1", EventID: "E1", TotalKeyframes: 2}
	require.NoError(t, svc.handleKeyframeBatch(ctx, delivery(t, models.TopicKeyframesMaskedBatch, batch)))

	completions := pub.byTopic(topic)
	require.Len(t, completions, 1)
	total, processed, ok := completions[0].(models.StageCompletedEvent).Counts()
	require.True(t, ok)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, processed)

	for _, id := range []string{"frame_1", "frame_2"} {
		stored, err := assets.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, stored.HasEmbedding())
	}
}

func TestDuplicateMaskedItemCountsOnce(t *testing.T) {
	svc, pub, assets := newTestService(t)
	ctx := context.Background()

	require.NoError(t, assets.Store(ctx, &models.Asset{
		ID: "asset_1", JobID: "J1", Type: models.AssetTypeImage, OwnerID: "prod_1", LocalPath: "/media/a.jpg",
	}))

	batch := models.ImagesMaskedBatchEvent{JobID: "J1", EventID: "E1", TotalImages: 2}
	require.NoError(t, svc.handleImageBatch(ctx, delivery(t, models.TopicImagesMaskedBatch, batch)))

	item := models.ImageMaskedEvent{
		JobID: "J1", ProductID: "prod_1", AssetID: "asset_1",
		LocalPath: "/media/a.jpg", MaskPath: "/masks/a.png",
	}
	require.NoError(t, svc.handleImageMasked(ctx, delivery(t, models.TopicImageMasked, item)))
	require.NoError(t, svc.handleImageMasked(ctx, delivery(t, models.TopicImageMasked, item)))

	snapshots := svc.Snapshots("J1")
	require.Len(t, snapshots, 1)
	assert.Equal(t, 1, snapshots[0].Done)
	assert.Empty(t, pub.byTopic(models.TopicStageCompleted(models.AssetTypeImage, models.StageEmbeddings)))
}
