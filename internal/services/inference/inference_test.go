package inference

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
)

func writeTestImage(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestLocalExtractor_Deterministic(t *testing.T) {
	extractor := NewLocalExtractor(64, 16, arbor.NewLogger())
	ctx := context.Background()

	path := writeTestImage(t, "jacket.jpg", []byte("fake image bytes for the jacket"))

	first, err := extractor.Embed(ctx, path)
	require.NoError(t, err)
	second, err := extractor.Embed(ctx, path)
	require.NoError(t, err)

	assert.Len(t, first, 64)
	assert.Equal(t, first, second, "same content must embed identically")

	// Unit length: cosine similarity reduces to a dot product.
	var norm float64
	for _, v := range first {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestLocalExtractor_DistinctContentDiffers(t *testing.T) {
	extractor := NewLocalExtractor(64, 16, arbor.NewLogger())
	ctx := context.Background()

	a, err := extractor.Embed(ctx, writeTestImage(t, "a.jpg", []byte("image a")))
	require.NoError(t, err)
	b, err := extractor.Embed(ctx, writeTestImage(t, "b.jpg", []byte("image b")))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestLocalExtractor_Keypoints(t *testing.T) {
	extractor := NewLocalExtractor(64, 16, arbor.NewLogger())
	ctx := context.Background()

	path := writeTestImage(t, "frame.jpg", []byte("keyframe content"))
	keypoints, err := extractor.DetectKeypoints(ctx, path)
	require.NoError(t, err)
	require.NotEmpty(t, keypoints)
	assert.LessOrEqual(t, len(keypoints), 16)
	for _, kp := range keypoints {
		assert.Len(t, kp.Descriptor, descriptorSize)
	}

	again, err := extractor.DetectKeypoints(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, keypoints, again)
}

func TestLocalExtractor_SegmentWritesMask(t *testing.T) {
	extractor := NewLocalExtractor(64, 16, arbor.NewLogger())
	ctx := context.Background()

	path := writeTestImage(t, "shoe.jpg", []byte("shoe image"))
	maskDir := filepath.Join(t.TempDir(), "masks")

	maskPath, err := extractor.Segment(ctx, path, maskDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(maskDir, "shoe.mask.png"), maskPath)

	first, err := os.ReadFile(maskPath)
	require.NoError(t, err)

	// Rerun overwrites with identical bytes.
	_, err = extractor.Segment(ctx, path, maskDir)
	require.NoError(t, err)
	second, err := os.ReadFile(maskPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLocalExtractor_MissingFile(t *testing.T) {
	extractor := NewLocalExtractor(64, 16, arbor.NewLogger())
	_, err := extractor.Embed(context.Background(), "/nonexistent/image.jpg")
	require.Error(t, err)
}

func TestRemoteExtractor_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embed", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "/data/images/img.jpg", req.ImagePath)

		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.6, 0.8}})
	}))
	defer server.Close()

	extractor, err := NewRemoteExtractor(&common.InferenceConfig{
		BaseURL: server.URL,
		APIKey:  "secret",
	}, arbor.NewLogger())
	require.NoError(t, err)

	embedding, err := extractor.Embed(context.Background(), "/data/images/img.jpg")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, embedding)
}

func TestRemoteExtractor_Segment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/segment", r.URL.Path)
		json.NewEncoder(w).Encode(segmentResponse{MaskPath: "/data/masks/img.mask.png"})
	}))
	defer server.Close()

	extractor, err := NewRemoteExtractor(&common.InferenceConfig{BaseURL: server.URL}, arbor.NewLogger())
	require.NoError(t, err)

	maskPath, err := extractor.Segment(context.Background(), "/data/images/img.jpg", "/data/masks")
	require.NoError(t, err)
	assert.Equal(t, "/data/masks/img.mask.png", maskPath)
}

func TestRemoteExtractor_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "model warming up", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1}})
	}))
	defer server.Close()

	extractor, err := NewRemoteExtractor(&common.InferenceConfig{BaseURL: server.URL}, arbor.NewLogger())
	require.NoError(t, err)
	extractor.retryDelay = 5 * time.Millisecond

	embedding, err := extractor.Embed(context.Background(), "/data/images/img.jpg")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, embedding)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRemoteExtractor_ClientErrorFailsImmediately(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such file", http.StatusBadRequest)
	}))
	defer server.Close()

	extractor, err := NewRemoteExtractor(&common.InferenceConfig{BaseURL: server.URL}, arbor.NewLogger())
	require.NoError(t, err)
	extractor.retryDelay = 5 * time.Millisecond

	_, err = extractor.Embed(context.Background(), "/data/images/img.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNewExtractor_ProviderSelection(t *testing.T) {
	logger := arbor.NewLogger()

	config := common.NewDefaultConfig()
	config.Inference.Provider = "local"
	extractor, err := NewExtractor(config, logger)
	require.NoError(t, err)
	_, ok := extractor.(*LocalExtractor)
	assert.True(t, ok)

	config.Environment = "production"
	_, err = NewExtractor(config, logger)
	require.Error(t, err, "local provider refused in production")

	config.Inference.Provider = "remote"
	config.Inference.BaseURL = "http://127.0.0.1:9090"
	extractor, err = NewExtractor(config, logger)
	require.NoError(t, err)
	_, ok = extractor.(*RemoteExtractor)
	assert.True(t, ok)

	config.Inference.Provider = "quantum"
	_, err = NewExtractor(config, logger)
	require.Error(t, err)
}
