package videos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/specto/internal/common"
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

// newPlatformServer serves a channel with two videos: v1 has two
// storyboard frames, v2 has one.
func newPlatformServer(t *testing.T) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/channels/ch1/videos", func(w http.ResponseWriter, _ *http.Request) {
		payload := map[string]interface{}{
			"videos": []map[string]interface{}{
				{"id": "v1", "title": "Spring Lookbook", "channel_id": "ch1", "url": "https://platform.example/v1", "duration_seconds": 62.5},
				{"id": "v2", "title": "Fit Check", "channel_id": "ch1", "url": "https://platform.example/v2", "duration_seconds": 30.0},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/videos/v1/storyboard", func(w http.ResponseWriter, _ *http.Request) {
		payload := map[string]interface{}{
			"video_id": "v1",
			"frames": []map[string]interface{}{
				{"url": server.URL + "/f/v1-0.jpg", "offset_ms": 0},
				{"url": server.URL + "/f/v1-1.jpg", "offset_ms": 2000},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/videos/v2/storyboard", func(w http.ResponseWriter, _ *http.Request) {
		payload := map[string]interface{}{
			"video_id": "v2",
			"frames": []map[string]interface{}{
				{"url": server.URL + "/f/v2-0.jpg", "offset_ms": 500},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/f/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("frame-bytes-" + r.URL.Path))
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestService(t *testing.T, apiBaseURL string) (*Service, *capturePublisher, *badger.Manager) {
	t.Helper()

	logger := common.GetLogger()
	config := common.NewDefaultConfig()
	config.Storage.Filesystem.Frames = filepath.Join(t.TempDir(), "frames")
	config.Collect.Videos.APIBaseURL = apiBaseURL
	config.Collect.Videos.RatePerSecond = 500
	config.Collect.Videos.Burst = 50

	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	pub := &capturePublisher{}
	svc, err := NewService(config, storage, pub, logger)
	require.NoError(t, err)

	return svc, pub, storage
}

func videoSource(channels ...string) *models.SourceDefinition {
	return &models.SourceDefinition{
		Name:       "demo-channels",
		Kind:       models.SourceKindVideos,
		Enabled:    true,
		ChannelIDs: channels,
	}
}

func TestCollectDownloadsKeyframesAndAnnounces(t *testing.T) {
	server := newPlatformServer(t)
	svc, pub, storage := newTestService(t, server.URL)
	ctx := context.Background()

	jobID, err := svc.Collect(ctx, videoSource("ch1"), "manual")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := storage.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.VideoCount)
	assert.Equal(t, 3, job.KeyframeCount)

	videos, err := storage.Videos().GetByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, videos, 2)

	bySource := map[string]*models.Video{}
	for _, v := range videos {
		bySource[v.SourceID] = v
	}
	require.NotNil(t, bySource["v1"])
	assert.Equal(t, "Spring Lookbook", bySource["v1"].Title)
	assert.Equal(t, 2, bySource["v1"].KeyframeCount())

	assets, err := storage.Assets().GetByJob(ctx, jobID, models.AssetTypeVideo)
	require.NoError(t, err)
	require.Len(t, assets, 3)
	for _, asset := range assets {
		_, statErr := os.Stat(asset.LocalPath)
		assert.NoError(t, statErr, asset.LocalPath)
	}

	batches := pub.byTopic(models.TopicKeyframesReadyBatch)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].(models.KeyframesReadyBatchEvent).TotalKeyframes)

	items := pub.byTopic(models.TopicVideoKeyframesReady)
	require.Len(t, items, 2)
	frameTotal := 0
	for _, raw := range items {
		event := raw.(models.VideoKeyframesReadyEvent)
		assert.Equal(t, jobID, event.JobID)
		assert.NotEmpty(t, event.VideoID)
		frameTotal += len(event.Frames)
	}
	assert.Equal(t, 3, frameTotal)
}

func TestCollectEmptyChannelAnnouncesZeroBatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/quiet/videos", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"videos": []}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	svc, pub, _ := newTestService(t, server.URL)

	jobID, err := svc.Collect(context.Background(), videoSource("quiet"), "schedule")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	batches := pub.byTopic(models.TopicKeyframesReadyBatch)
	require.Len(t, batches, 1)
	assert.Equal(t, 0, batches[0].(models.KeyframesReadyBatchEvent).TotalKeyframes)
	assert.Empty(t, pub.byTopic(models.TopicVideoKeyframesReady))
}

func TestCollectUnreachablePlatformFailsJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	svc, _, storage := newTestService(t, server.URL)

	jobID, err := svc.Collect(context.Background(), videoSource("ch1"), "manual")
	require.Error(t, err)

	job, getErr := storage.Jobs().Get(context.Background(), jobID)
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusFailed, job.Status)
}

func TestClientSendsBearerTokenFromClientCredentials(t *testing.T) {
	var tokenRequests int
	var seenAuth string

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "tok-123", "token_type": "bearer", "expires_in": 3600}`))
	})
	mux.HandleFunc("/channels/ch1/videos", func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"videos": []}`))
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClient(&common.VideoCollectConfig{
		APIBaseURL:   server.URL,
		TokenURL:     server.URL + "/oauth/token",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}, nil, common.GetLogger())
	require.NoError(t, err)

	videos, err := client.ListChannelVideos(context.Background(), "ch1", 10)
	require.NoError(t, err)
	assert.Empty(t, videos)
	assert.Equal(t, 1, tokenRequests)
	assert.Equal(t, "Bearer tok-123", seenAuth)
}

func TestClientRequiresTokenURLWithCredentials(t *testing.T) {
	_, err := NewClient(&common.VideoCollectConfig{
		APIBaseURL: "https://platform.example",
		ClientID:   "client-id",
	}, nil, common.GetLogger())
	require.Error(t, err)
}

func TestListChannelVideosSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(&common.VideoCollectConfig{APIBaseURL: server.URL}, nil, common.GetLogger())
	require.NoError(t, err)

	_, err = client.ListChannelVideos(context.Background(), "ch1", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(http.StatusForbidden))
}
