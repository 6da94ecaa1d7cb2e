package models

import "time"

// Product represents a normalized product collected from a catalog source.
// PRIMARY CONTENT FORMAT: Markdown (DescriptionMarkdown field).
type Product struct {
	// Identity
	ID         string `json:"id" badgerhold:"key"` // prod_{uuid}
	JobID      string `json:"job_id" badgerholdIndex:"JobID"`
	SourceName string `json:"source_name"` // which configured source produced it
	SourceID   string `json:"source_id"`   // original ID from the source

	// Content (markdown-first)
	Title               string `json:"title"`
	Brand               string `json:"brand,omitempty"`
	DescriptionMarkdown string `json:"description_markdown"`

	// Commerce
	PriceCents int64  `json:"price_cents,omitempty"`
	Currency   string `json:"currency,omitempty"`

	// Linkage
	URL           string   `json:"url"`
	ImageAssetIDs []string `json:"image_asset_ids"`

	CollectedAt time.Time `json:"collected_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
