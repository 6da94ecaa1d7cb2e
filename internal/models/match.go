package models

import "time"

// Match represents one product matched against one video for a job.
// EmbeddingScore is the best cosine similarity between the product's
// image embeddings and the video's keyframe embeddings; KeypointScore
// is the descriptor-verification score for the best frame pair.
type Match struct {
	ID        string `json:"id" badgerhold:"key"` // match_{uuid}
	JobID     string `json:"job_id" badgerholdIndex:"JobID"`
	ProductID string `json:"product_id"`
	VideoID   string `json:"video_id"`

	Score          float64 `json:"score"` // combined, 0..1
	EmbeddingScore float64 `json:"embedding_score"`
	KeypointScore  float64 `json:"keypoint_score"`

	BestFrameAssetID string    `json:"best_frame_asset_id,omitempty"`
	BestFrameOffset  int64     `json:"best_frame_offset_ms,omitempty"`
	FrameHits        int       `json:"frame_hits"` // keyframes above the embedding threshold
	Verified         bool      `json:"verified"`   // passed keypoint verification
	CreatedAt        time.Time `json:"created_at"`
}
