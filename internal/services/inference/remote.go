package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

const (
	defaultRatePerSecond = 8
	maxAttempts          = 3
)

// RemoteExtractor calls a model server over HTTP. The server shares the
// media filesystem, so requests carry file paths rather than image
// bytes. All failures are retryable from the pipeline's point of view:
// the bus redelivers the item and the extractor is called again.
type RemoteExtractor struct {
	baseURL      string
	apiKey       string
	maxKeypoints int
	client       *http.Client
	limiter      *rate.Limiter
	retryDelay   time.Duration
	logger       arbor.ILogger
}

type embedRequest struct {
	ImagePath string `json:"image_path"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type keypointsRequest struct {
	ImagePath    string `json:"image_path"`
	MaxKeypoints int    `json:"max_keypoints,omitempty"`
}

type keypointsResponse struct {
	Keypoints []models.Keypoint `json:"keypoints"`
}

type segmentRequest struct {
	ImagePath string `json:"image_path"`
	MaskDir   string `json:"mask_dir"`
}

type segmentResponse struct {
	MaskPath string `json:"mask_path"`
}

// NewRemoteExtractor creates an extractor backed by the configured
// model server.
func NewRemoteExtractor(config *common.InferenceConfig, logger arbor.ILogger) (*RemoteExtractor, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("inference base_url is required for the remote provider")
	}

	rps := config.RatePerSecond
	if rps <= 0 {
		rps = defaultRatePerSecond
	}
	burst := config.Burst
	if burst <= 0 {
		burst = int(rps)
	}

	return &RemoteExtractor{
		baseURL:      config.BaseURL,
		apiKey:       config.APIKey,
		maxKeypoints: config.MaxKeypoints,
		client: &http.Client{
			Timeout: common.ParseDurationOr(config.RequestTimeout, 2*time.Minute),
		},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		retryDelay: 500 * time.Millisecond,
		logger:     logger,
	}, nil
}

// Embed returns the embedding vector for the image file.
func (e *RemoteExtractor) Embed(ctx context.Context, localPath string) ([]float32, error) {
	var result embedResponse
	if err := e.post(ctx, "/v1/embed", embedRequest{ImagePath: localPath}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("model server returned empty embedding for %s", localPath)
	}

	e.logger.Debug().
		Str("path", localPath).
		Int("dimension", len(result.Embedding)).
		Msg("Embedding generated")

	return result.Embedding, nil
}

// DetectKeypoints returns local features for the image file.
func (e *RemoteExtractor) DetectKeypoints(ctx context.Context, localPath string) ([]models.Keypoint, error) {
	var result keypointsResponse
	req := keypointsRequest{ImagePath: localPath, MaxKeypoints: e.maxKeypoints}
	if err := e.post(ctx, "/v1/keypoints", req, &result); err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("path", localPath).
		Int("keypoints", len(result.Keypoints)).
		Msg("Keypoints detected")

	return result.Keypoints, nil
}

// Segment asks the model server to write a foreground mask next to the
// other masks and returns where it landed.
func (e *RemoteExtractor) Segment(ctx context.Context, localPath string, maskDir string) (string, error) {
	var result segmentResponse
	if err := e.post(ctx, "/v1/segment", segmentRequest{ImagePath: localPath, MaskDir: maskDir}, &result); err != nil {
		return "", err
	}
	if result.MaskPath == "" {
		return "", fmt.Errorf("model server returned no mask path for %s", localPath)
	}

	e.logger.Debug().
		Str("path", localPath).
		Str("mask_path", result.MaskPath).
		Msg("Segmentation mask produced")

	return result.MaskPath, nil
}

// post sends one JSON request, retrying server-side failures a bounded
// number of times before handing the error back to the bus.
func (e *RemoteExtractor) post(ctx context.Context, endpoint string, payload interface{}, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		retryable, err := e.doOnce(ctx, endpoint, jsonData, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			break
		}

		e.logger.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Msg("Model server request failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (e *RemoteExtractor) doOnce(ctx context.Context, endpoint string, body []byte, out interface{}) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("model server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		e.logger.Error().
			Int("status_code", resp.StatusCode).
			Str("endpoint", endpoint).
			Str("response", string(respBody)).
			Msg("Model server returned error")
		// 5xx is worth retrying in-process; 4xx means the request itself
		// is wrong and the bus-level retry will not fix it either.
		return resp.StatusCode >= 500, fmt.Errorf("model server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode model server response: %w", err)
	}
	return false, nil
}

var _ interfaces.FeatureExtractor = (*RemoteExtractor)(nil)
