package models

import "fmt"

// Topic names. Batch topics use the plural form, per-item topics the
// singular form; completion topics are derived per (asset type, stage).
const (
	TopicImagesReadyBatch  = "products.images.ready.batch"
	TopicImageReady        = "product.image.ready"
	TopicImageMasked       = "product.image.masked"
	TopicImagesMaskedBatch = "products.images.masked.batch"

	TopicKeyframesReadyBatch  = "videos.keyframes.ready.batch"
	TopicVideoKeyframesReady  = "video.keyframes.ready"
	TopicVideoKeyframesMasked = "video.keyframes.masked"
	TopicKeyframesMaskedBatch = "video.keyframes.masked.batch"

	TopicMatchingCompleted = "matching.completed"
)

// TopicStageCompleted returns the completion topic for an asset type and
// stage, e.g. "image.embeddings.completed".
func TopicStageCompleted(assetType AssetType, stage Stage) string {
	return fmt.Sprintf("%s.%s.completed", assetType, stage)
}

// TopicMaskedBatch returns the batch-transition topic the segmentation
// stage publishes to hand its output to the next stage.
func TopicMaskedBatch(assetType AssetType) string {
	if assetType == AssetTypeVideo {
		return TopicKeyframesMaskedBatch
	}
	return TopicImagesMaskedBatch
}

// ImagesReadyBatchEvent announces how many product images a job will
// deliver. TotalImages may legitimately be zero.
type ImagesReadyBatchEvent struct {
	JobID       string `json:"job_id" validate:"required"`
	EventID     string `json:"event_id" validate:"required"`
	TotalImages int    `json:"total_images" validate:"gte=0"`
}

// ImageReadyEvent announces one downloaded product image.
type ImageReadyEvent struct {
	JobID     string `json:"job_id" validate:"required"`
	ProductID string `json:"product_id" validate:"required"`
	AssetID   string `json:"asset_id" validate:"required"`
	LocalPath string `json:"local_path" validate:"required"`
}

// ImageMaskedEvent announces one product image with a segmentation mask.
type ImageMaskedEvent struct {
	JobID     string `json:"job_id" validate:"required"`
	ProductID string `json:"product_id" validate:"required"`
	AssetID   string `json:"asset_id" validate:"required"`
	LocalPath string `json:"local_path" validate:"required"`
	MaskPath  string `json:"mask_path" validate:"required"`
}

// ImagesMaskedBatchEvent chains segmentation into the downstream image
// stages; TotalImages is the count of masked images actually produced.
type ImagesMaskedBatchEvent struct {
	JobID       string `json:"job_id" validate:"required"`
	EventID     string `json:"event_id" validate:"required"`
	TotalImages int    `json:"total_images" validate:"gte=0"`
}

// KeyframesReadyBatchEvent announces the expected total keyframe count
// for a job across all of its videos. Per-video frame lists arrive
// independently, so this total is the authoritative expected count.
type KeyframesReadyBatchEvent struct {
	JobID          string `json:"job_id" validate:"required"`
	EventID        string `json:"event_id" validate:"required"`
	TotalKeyframes int    `json:"total_keyframes" validate:"gte=0"`
}

// KeyframeRef points at one extracted keyframe within a video event.
type KeyframeRef struct {
	AssetID   string `json:"asset_id" validate:"required"`
	LocalPath string `json:"local_path" validate:"required"`
	OffsetMS  int64  `json:"offset_ms" validate:"gte=0"`
	MaskPath  string `json:"mask_path,omitempty"`
}

// VideoKeyframesReadyEvent carries the keyframes of one video. A single
// event counts for len(Frames) items against the job's expected total.
type VideoKeyframesReadyEvent struct {
	JobID   string        `json:"job_id" validate:"required"`
	VideoID string        `json:"video_id" validate:"required"`
	Frames  []KeyframeRef `json:"frames" validate:"required,min=1,dive"`
}

// VideoKeyframesMaskedEvent is the masked counterpart of
// VideoKeyframesReadyEvent; every frame carries a mask path.
type VideoKeyframesMaskedEvent struct {
	JobID   string        `json:"job_id" validate:"required"`
	VideoID string        `json:"video_id" validate:"required"`
	Frames  []KeyframeRef `json:"frames" validate:"required,min=1,dive"`
}

// KeyframesMaskedBatchEvent chains video segmentation into the
// downstream video stages.
type KeyframesMaskedBatchEvent struct {
	JobID          string `json:"job_id" validate:"required"`
	EventID        string `json:"event_id" validate:"required"`
	TotalKeyframes int    `json:"total_keyframes" validate:"gte=0"`
}

// StageCompletedEvent is the single per-(job, asset type, stage)
// completion signal. Count fields are pointers because one producer
// variant emits only {job_id, event_id}; consumers must treat absent
// counts as "counts unavailable" rather than zero.
type StageCompletedEvent struct {
	JobID                string `json:"job_id" validate:"required"`
	EventID              string `json:"event_id" validate:"required"`
	TotalAssets          *int   `json:"total_assets,omitempty"`
	ProcessedAssets      *int   `json:"processed_assets,omitempty"`
	FailedAssets         *int   `json:"failed_assets,omitempty"`
	HasPartialCompletion *bool  `json:"has_partial_completion,omitempty"`
	WatermarkTTL         *int   `json:"watermark_ttl,omitempty"` // seconds
	Idempotent           bool   `json:"idempotent,omitempty"`
}

// Counts returns the total/processed pair when the event carries counts.
func (e *StageCompletedEvent) Counts() (total int, processed int, ok bool) {
	if e.TotalAssets == nil || e.ProcessedAssets == nil {
		return 0, 0, false
	}
	return *e.TotalAssets, *e.ProcessedAssets, true
}

// Partial reports whether the event was flagged as a partial completion.
// Absent flags are treated as false.
func (e *StageCompletedEvent) Partial() bool {
	return e.HasPartialCompletion != nil && *e.HasPartialCompletion
}

// MatchingCompletedEvent announces that product-to-video matching has
// finished for a job.
type MatchingCompletedEvent struct {
	JobID           string `json:"job_id" validate:"required"`
	EventID         string `json:"event_id" validate:"required"`
	TotalProducts   int    `json:"total_products" validate:"gte=0"`
	MatchedProducts int    `json:"matched_products" validate:"gte=0"`
}
