package match

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/specto/internal/bus"
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

// flakyPublisher fails the first matching.completed publishes, then
// behaves.
type flakyPublisher struct {
	capturePublisher
	failures int
}

func (f *flakyPublisher) Publish(ctx context.Context, topic string, payload interface{}, correlationID string) error {
	if topic == models.TopicMatchingCompleted && f.failures > 0 {
		f.failures--
		return errors.New("bus unavailable")
	}
	return f.capturePublisher.Publish(ctx, topic, payload, correlationID)
}

func newTestService(t *testing.T, publisher interfaces.Publisher) (*Service, *badger.Manager) {
	t.Helper()

	logger := common.GetLogger()
	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	config := common.NewDefaultConfig()
	config.Matching = common.MatchingConfig{
		EmbeddingThreshold: 0.8,
		MaxHammingDistance: 64,
		MinFrameHits:       1,
		TopK:               5,
		Workers:            2,
	}

	return NewService(config, storage, publisher, logger), storage
}

func delivery(t *testing.T, topic string, payload interface{}) interfaces.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return interfaces.Delivery{MessageID: "m1", Topic: topic, Body: body}
}

func completed(jobID string, total, processed int) models.StageCompletedEvent {
	return models.StageCompletedEvent{
		JobID:           jobID,
		EventID:         common.NewEventID(),
		TotalAssets:     &total,
		ProcessedAssets: &processed,
		Idempotent:      true,
	}
}

func seedProduct(t *testing.T, storage *badger.Manager, jobID, productID string, embeddings ...[]float32) {
	t.Helper()
	ctx := context.Background()
	product := &models.Product{ID: productID, JobID: jobID, Title: productID}
	for _, embedding := range embeddings {
		asset := &models.Asset{
			ID:        common.NewAssetID(),
			JobID:     jobID,
			Type:      models.AssetTypeImage,
			OwnerID:   productID,
			Embedding: embedding,
		}
		require.NoError(t, storage.Assets().Store(ctx, asset))
		product.ImageAssetIDs = append(product.ImageAssetIDs, asset.ID)
	}
	require.NoError(t, storage.Products().Store(ctx, product))
}

func seedVideo(t *testing.T, storage *badger.Manager, jobID, videoID string, embeddings ...[]float32) {
	t.Helper()
	ctx := context.Background()
	video := &models.Video{ID: videoID, JobID: jobID, Title: videoID}
	for _, embedding := range embeddings {
		asset := &models.Asset{
			ID:        common.NewAssetID(),
			JobID:     jobID,
			Type:      models.AssetTypeVideo,
			OwnerID:   videoID,
			Embedding: embedding,
		}
		require.NoError(t, storage.Assets().Store(ctx, asset))
		video.KeyframeAssetIDs = append(video.KeyframeAssetIDs, asset.ID)
	}
	require.NoError(t, storage.Videos().Store(ctx, video))
}

func TestMatchingRunsWhenBothEmbeddingsComplete(t *testing.T) {
	pub := &capturePublisher{}
	svc, storage := newTestService(t, pub)
	ctx := context.Background()

	seedProduct(t, storage, "J1", "P1", []float32{1, 0, 0})
	seedProduct(t, storage, "J1", "P2", []float32{0, 0, 1})
	seedVideo(t, storage, "J1", "V1", []float32{1, 0, 0})
	seedVideo(t, storage, "J1", "V2", []float32{0, 1, 0})

	err := svc.handleCompletion(ctx, delivery(t, imageEmbeddings, completed("J1", 2, 2)))
	require.NoError(t, err)
	assert.Empty(t, pub.byTopic(models.TopicMatchingCompleted))

	err = svc.handleCompletion(ctx, delivery(t, videoEmbeddings, completed("J1", 2, 2)))
	require.NoError(t, err)

	matches, err := storage.Matches().GetByJob(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "P1", matches[0].ProductID)
	assert.Equal(t, "V1", matches[0].VideoID)
	assert.InDelta(t, 1.0, matches[0].EmbeddingScore, 1e-6)

	events := pub.byTopic(models.TopicMatchingCompleted)
	require.Len(t, events, 1)
	event := events[0].(models.MatchingCompletedEvent)
	assert.Equal(t, "J1", event.JobID)
	assert.Equal(t, 2, event.TotalProducts)
	assert.Equal(t, 1, event.MatchedProducts)
}

func TestDuplicateCompletionDoesNotRerunMatching(t *testing.T) {
	pub := &capturePublisher{}
	svc, storage := newTestService(t, pub)
	ctx := context.Background()

	seedProduct(t, storage, "J1", "P1", []float32{1, 0, 0})
	seedVideo(t, storage, "J1", "V1", []float32{1, 0, 0})

	require.NoError(t, svc.handleCompletion(ctx, delivery(t, imageEmbeddings, completed("J1", 1, 1))))
	require.NoError(t, svc.handleCompletion(ctx, delivery(t, videoEmbeddings, completed("J1", 1, 1))))
	require.NoError(t, svc.handleCompletion(ctx, delivery(t, videoEmbeddings, completed("J1", 1, 1))))
	require.NoError(t, svc.handleCompletion(ctx, delivery(t, imageEmbeddings, completed("J1", 1, 1))))

	assert.Len(t, pub.byTopic(models.TopicMatchingCompleted), 1)
}

func TestKeypointCompletionsAloneDoNotTrigger(t *testing.T) {
	pub := &capturePublisher{}
	svc, storage := newTestService(t, pub)
	ctx := context.Background()

	seedProduct(t, storage, "J1", "P1", []float32{1, 0, 0})
	seedVideo(t, storage, "J1", "V1", []float32{1, 0, 0})

	// The video keypoint completion is the minimal variant: no counts.
	minimal := models.StageCompletedEvent{JobID: "J1", EventID: common.NewEventID()}
	require.NoError(t, svc.handleCompletion(ctx, delivery(t, videoKeypoints, minimal)))
	require.NoError(t, svc.handleCompletion(ctx, delivery(t, imageKeypoints, completed("J1", 1, 1))))

	assert.Empty(t, pub.byTopic(models.TopicMatchingCompleted))

	matches, err := storage.Matches().GetByJob(ctx, "J1")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEmptyJobPublishesZeroCompletion(t *testing.T) {
	pub := &capturePublisher{}
	svc, _ := newTestService(t, pub)
	ctx := context.Background()

	require.NoError(t, svc.handleCompletion(ctx, delivery(t, imageEmbeddings, completed("J9", 0, 0))))
	require.NoError(t, svc.handleCompletion(ctx, delivery(t, videoEmbeddings, completed("J9", 0, 0))))

	events := pub.byTopic(models.TopicMatchingCompleted)
	require.Len(t, events, 1)
	event := events[0].(models.MatchingCompletedEvent)
	assert.Zero(t, event.TotalProducts)
	assert.Zero(t, event.MatchedProducts)
}

func TestPublishFailureRearmsGateForRedelivery(t *testing.T) {
	pub := &flakyPublisher{failures: 1}
	svc, storage := newTestService(t, pub)
	ctx := context.Background()

	seedProduct(t, storage, "J1", "P1", []float32{1, 0, 0})
	seedVideo(t, storage, "J1", "V1", []float32{1, 0, 0})

	require.NoError(t, svc.handleCompletion(ctx, delivery(t, imageEmbeddings, completed("J1", 1, 1))))
	err := svc.handleCompletion(ctx, delivery(t, videoEmbeddings, completed("J1", 1, 1)))
	require.Error(t, err)
	assert.False(t, bus.IsNonRetryable(err))

	// Bus redelivery of the failed completion runs matching again.
	require.NoError(t, svc.handleCompletion(ctx, delivery(t, videoEmbeddings, completed("J1", 1, 1))))

	assert.Len(t, pub.byTopic(models.TopicMatchingCompleted), 1)

	matches, err := storage.Matches().GetByJob(ctx, "J1")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestMalformedCompletionIsNonRetryable(t *testing.T) {
	pub := &capturePublisher{}
	svc, _ := newTestService(t, pub)

	err := svc.handleCompletion(context.Background(), delivery(t, imageEmbeddings, map[string]string{"job_id": "J1"}))
	require.Error(t, err)
	assert.True(t, bus.IsNonRetryable(err))
}
