package interfaces

import (
	"context"

	"github.com/ternarybob/specto/internal/models"
)

// Embedder produces a normalized embedding vector for an image file.
type Embedder interface {
	Embed(ctx context.Context, localPath string) ([]float32, error)
}

// KeypointDetector produces local features with binary descriptors.
type KeypointDetector interface {
	DetectKeypoints(ctx context.Context, localPath string) ([]models.Keypoint, error)
}

// Segmenter writes a foreground mask for an image file and returns the
// mask file path.
type Segmenter interface {
	Segment(ctx context.Context, localPath string, maskDir string) (string, error)
}

// FeatureExtractor bundles the three extraction capabilities one
// backend provides. The remote implementation calls a model server; the
// local implementation is a deterministic stand-in used in development
// and tests. Extraction errors are retryable: callers must leave their
// progress counters untouched so a retried item is counted once, on
// success.
type FeatureExtractor interface {
	Embedder
	KeypointDetector
	Segmenter
}
