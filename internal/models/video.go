package models

import "time"

// Video represents a collected video plus the keyframes extracted from
// its storyboard. Keyframes are stored as individual assets; the video
// row keeps the linkage.
type Video struct {
	// Identity
	ID         string `json:"id" badgerhold:"key"` // vid_{uuid}
	JobID      string `json:"job_id" badgerholdIndex:"JobID"`
	SourceName string `json:"source_name"`
	SourceID   string `json:"source_id"` // platform video id

	Title     string  `json:"title"`
	ChannelID string  `json:"channel_id,omitempty"`
	URL       string  `json:"url"`
	Duration  float64 `json:"duration_seconds,omitempty"`

	KeyframeAssetIDs []string `json:"keyframe_asset_ids"`

	CollectedAt time.Time `json:"collected_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KeyframeCount returns the number of keyframes extracted for the video.
func (v *Video) KeyframeCount() int {
	return len(v.KeyframeAssetIDs)
}
