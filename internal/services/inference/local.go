package inference

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

const descriptorSize = 32

// LocalExtractor is the development stand-in for the model server. It
// derives every feature deterministically from the file's content hash,
// so the same image always produces the same embedding, keypoints and
// mask, and distinct images almost never collide. That keeps the
// matcher testable end to end without a model server.
type LocalExtractor struct {
	dimension    int
	maxKeypoints int
	logger       arbor.ILogger
}

// NewLocalExtractor creates the deterministic extractor.
func NewLocalExtractor(dimension int, maxKeypoints int, logger arbor.ILogger) *LocalExtractor {
	if dimension <= 0 {
		dimension = 128
	}
	if maxKeypoints <= 0 {
		maxKeypoints = 64
	}
	return &LocalExtractor{
		dimension:    dimension,
		maxKeypoints: maxKeypoints,
		logger:       logger,
	}
}

// Embed returns a unit-length vector seeded by the file content.
func (e *LocalExtractor) Embed(ctx context.Context, localPath string) ([]float32, error) {
	digest, err := fileDigest(localPath)
	if err != nil {
		return nil, err
	}

	embedding := make([]float32, e.dimension)
	var norm float64
	for i := range embedding {
		v := hashedUnit(digest, uint32(i))
		embedding[i] = v
		norm += float64(v) * float64(v)
	}

	// Normalize so cosine similarity reduces to a dot product.
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range embedding {
			embedding[i] = float32(float64(embedding[i]) / norm)
		}
	}

	return embedding, nil
}

// DetectKeypoints returns hash-derived corner features. The count scales
// with the file size up to the configured maximum, mimicking how richer
// images yield more features.
func (e *LocalExtractor) DetectKeypoints(ctx context.Context, localPath string) ([]models.Keypoint, error) {
	digest, err := fileDigest(localPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	count := int(info.Size()/512) + 8
	if count > e.maxKeypoints {
		count = e.maxKeypoints
	}

	keypoints := make([]models.Keypoint, count)
	for i := range keypoints {
		base := uint32(i) * 7
		chunk := sha256.Sum256(append(digest, byte(i)))
		descriptor := make([]byte, descriptorSize)
		copy(descriptor, chunk[:])
		keypoints[i] = models.Keypoint{
			X:          1000 * absUnit(hashedUnit(digest, base)),
			Y:          1000 * absUnit(hashedUnit(digest, base+1)),
			Scale:      1 + 4*absUnit(hashedUnit(digest, base+2)),
			Angle:      360 * absUnit(hashedUnit(digest, base+3)),
			Descriptor: descriptor,
		}
	}

	return keypoints, nil
}

// Segment writes a deterministic mask file alongside the configured
// mask directory and returns its path.
func (e *LocalExtractor) Segment(ctx context.Context, localPath string, maskDir string) (string, error) {
	digest, err := fileDigest(localPath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(maskDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create mask directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(localPath), filepath.Ext(localPath))
	maskPath := filepath.Join(maskDir, base+".mask.png")

	// A stand-in mask: content derived from the digest, stable across
	// reruns so redelivered items overwrite with identical bytes.
	mask := make([]byte, 0, 4*sha256.Size)
	for i := 0; i < 4; i++ {
		chunk := sha256.Sum256(append(digest, byte(i)))
		mask = append(mask, chunk[:]...)
	}
	if err := os.WriteFile(maskPath, mask, 0644); err != nil {
		return "", fmt.Errorf("failed to write mask: %w", err)
	}

	return maskPath, nil
}

func fileDigest(localPath string) ([]byte, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	digest := sha256.Sum256(data)
	return digest[:], nil
}

// hashedUnit maps (digest, index) to a stable value in [-1, 1].
func hashedUnit(digest []byte, index uint32) float32 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], index)
	sum := sha256.Sum256(append(digest, buf[:]...))
	raw := binary.BigEndian.Uint32(sum[:4])
	return float32(2*(float64(raw)/float64(math.MaxUint32)) - 1)
}

func absUnit(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

var _ interfaces.FeatureExtractor = (*LocalExtractor)(nil)
