package models

import "time"

// AssetType identifies which pipeline stream an asset belongs to.
type AssetType string

const (
	// AssetTypeImage is the product-image stream.
	AssetTypeImage AssetType = "image"
	// AssetTypeVideo is the video-keyframe stream.
	AssetTypeVideo AssetType = "video"
)

// Valid reports whether the asset type is one of the known streams.
func (a AssetType) Valid() bool {
	return a == AssetTypeImage || a == AssetTypeVideo
}

// Stage identifies a feature-extraction stage in the pipeline.
type Stage string

const (
	StageSegmentation Stage = "segmentation"
	StageEmbeddings   Stage = "embeddings"
	StageKeypoints    Stage = "keypoints"
)

// Valid reports whether the stage is one of the known extraction stages.
func (s Stage) Valid() bool {
	return s == StageSegmentation || s == StageEmbeddings || s == StageKeypoints
}

// Asset represents one processable unit: a single product image or a
// single extracted video keyframe. Feature columns are filled in as the
// asset moves through the extraction stages.
type Asset struct {
	// Identity
	ID      string    `json:"id" badgerhold:"key"` // asset_{uuid}
	JobID   string    `json:"job_id" badgerholdIndex:"JobID"`
	Type    AssetType `json:"type"`
	OwnerID string    `json:"owner_id"` // product id or video id

	// Source material
	LocalPath   string `json:"local_path"`
	MaskPath    string `json:"mask_path,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	FrameOffset int64  `json:"frame_offset_ms,omitempty"` // keyframes only: position in the video

	// Extracted features
	Embedding []float32  `json:"embedding,omitempty"`
	Keypoints []Keypoint `json:"keypoints,omitempty"`

	// Stage completion marks
	SegmentedAt  *time.Time `json:"segmented_at,omitempty"`
	EmbeddedAt   *time.Time `json:"embedded_at,omitempty"`
	KeypointedAt *time.Time `json:"keypointed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Keypoint is a single local feature: position plus a binary descriptor
// compared with Hamming distance during match verification.
type Keypoint struct {
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Scale      float32 `json:"scale"`
	Angle      float32 `json:"angle"`
	Descriptor []byte  `json:"descriptor"` // fixed 32-byte binary descriptor
}

// HasEmbedding reports whether the embedding stage has produced a vector.
func (a *Asset) HasEmbedding() bool {
	return len(a.Embedding) > 0
}

// HasKeypoints reports whether the keypoint stage has produced descriptors.
func (a *Asset) HasKeypoints() bool {
	return len(a.Keypoints) > 0
}
