package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique collection-job ID
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewProductID generates a unique product ID
func NewProductID() string {
	return "prod_" + uuid.New().String()
}

// NewVideoID generates a unique video ID
func NewVideoID() string {
	return "vid_" + uuid.New().String()
}

// NewAssetID generates a unique asset ID (product image or keyframe)
func NewAssetID() string {
	return "asset_" + uuid.New().String()
}

// NewMatchID generates a unique match ID
func NewMatchID() string {
	return "match_" + uuid.New().String()
}

// NewEventID generates a unique bus event ID
func NewEventID() string {
	return "evt_" + uuid.New().String()
}
