package match

import (
	"math"
	"math/bits"
	"sort"
	"time"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/models"
)

const (
	// ratioThreshold is the Lowe-style ratio test on Hamming distances:
	// the best descriptor match must beat the second best by this factor
	// before it counts.
	ratioThreshold = 0.8

	// minVerifiedMatches is how many descriptor matches a frame pair
	// needs before the match is flagged verified.
	minVerifiedMatches = 4

	// embeddingWeight blends the embedding and keypoint scores when
	// descriptor verification ran.
	embeddingWeight = 0.7
)

// productFeatures carries one product and its embedded image assets.
type productFeatures struct {
	product *models.Product
	images  []*models.Asset
}

// videoFeatures carries one video and its embedded keyframe assets.
type videoFeatures struct {
	video  *models.Video
	frames []*models.Asset
}

// cosineSimilarity returns the cosine of the angle between two vectors.
// Empty, zero, or dimension-mismatched vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// hammingDistance counts differing bits between two binary descriptors.
// Descriptors of different lengths are maximally distant.
func hammingDistance(a, b []byte) int {
	if len(a) != len(b) {
		return 8 * max(len(a), len(b))
	}
	dist := 0
	for i := range a {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// verifyDescriptors matches product keypoints against frame keypoints
// with a nearest-neighbor ratio test and returns the matched count plus
// the matched fraction of the product's keypoints.
func verifyDescriptors(product, frame []models.Keypoint, maxHamming int) (int, float64) {
	if len(product) == 0 || len(frame) == 0 {
		return 0, 0
	}

	matched := 0
	for _, kp := range product {
		if len(kp.Descriptor) == 0 {
			continue
		}
		best, second := math.MaxInt, math.MaxInt
		for _, candidate := range frame {
			if len(candidate.Descriptor) == 0 {
				continue
			}
			d := hammingDistance(kp.Descriptor, candidate.Descriptor)
			switch {
			case d < best:
				second = best
				best = d
			case d < second:
				second = d
			}
		}
		if best == math.MaxInt || best > maxHamming {
			continue
		}
		if second != math.MaxInt && float64(best) >= ratioThreshold*float64(second) {
			continue
		}
		matched++
	}
	return matched, float64(matched) / float64(len(product))
}

// scoreProduct compares one product against every candidate video and
// returns its top-K matches. A video becomes a candidate when at least
// MinFrameHits of its keyframes clear the embedding threshold; the best
// image/frame pair is then descriptor-verified when both sides carry
// keypoints.
func scoreProduct(jobID string, p *productFeatures, videos []*videoFeatures, cfg *common.MatchingConfig) []*models.Match {
	var matches []*models.Match

	for _, v := range videos {
		var (
			bestScore float64
			bestFrame *models.Asset
			bestImage *models.Asset
			frameHits int
		)

		for _, frame := range v.frames {
			frameBest := 0.0
			var frameImage *models.Asset
			for _, image := range p.images {
				if score := cosineSimilarity(image.Embedding, frame.Embedding); score > frameBest {
					frameBest = score
					frameImage = image
				}
			}
			if frameBest < cfg.EmbeddingThreshold {
				continue
			}
			frameHits++
			if frameBest > bestScore {
				bestScore = frameBest
				bestFrame = frame
				bestImage = frameImage
			}
		}

		if bestFrame == nil || frameHits < cfg.MinFrameHits {
			continue
		}

		score := bestScore
		keypointScore := 0.0
		verified := false
		if bestImage.HasKeypoints() && bestFrame.HasKeypoints() {
			hits, fraction := verifyDescriptors(bestImage.Keypoints, bestFrame.Keypoints, cfg.MaxHammingDistance)
			keypointScore = fraction
			verified = hits >= minVerifiedMatches
			score = embeddingWeight*bestScore + (1-embeddingWeight)*keypointScore
		}

		matches = append(matches, &models.Match{
			ID:               common.NewMatchID(),
			JobID:            jobID,
			ProductID:        p.product.ID,
			VideoID:          v.video.ID,
			Score:            score,
			EmbeddingScore:   bestScore,
			KeypointScore:    keypointScore,
			BestFrameAssetID: bestFrame.ID,
			BestFrameOffset:  bestFrame.FrameOffset,
			FrameHits:        frameHits,
			Verified:         verified,
			CreatedAt:        time.Now(),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > cfg.TopK {
		matches = matches[:cfg.TopK]
	}
	return matches
}
