package models

import "time"

// JobStatus tracks the lifecycle of a collection job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusPartial   JobStatus = "partial" // force-completed by a watermark deadline
	JobStatusFailed    JobStatus = "failed"
)

// Job represents one collection run. A run collects products and/or
// videos from a configured source, downloads their assets, and announces
// batches on the bus; downstream stages report back through completion
// events which the status surface folds into this record.
type Job struct {
	ID         string `json:"id" badgerhold:"key"` // job_{uuid}
	SourceName string `json:"source_name" badgerholdIndex:"SourceName"`
	Trigger    string `json:"trigger"` // "schedule" or "manual"

	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`

	// Collection counts, written by the collectors.
	ProductCount  int `json:"product_count"`
	VideoCount    int `json:"video_count"`
	ImageCount    int `json:"image_count"`
	KeyframeCount int `json:"keyframe_count"`

	// Stage completions observed on the bus, keyed "type.stage",
	// e.g. "image.embeddings". Written by the status service.
	StageCompletions map[string]StageOutcome `json:"stage_completions,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StageOutcome records the final counts a completion event carried for
// one (asset type, stage) pair. Counts may be absent when the producing
// service emitted the minimal payload variant.
type StageOutcome struct {
	Total      *int      `json:"total,omitempty"`
	Processed  *int      `json:"processed,omitempty"`
	Partial    bool      `json:"partial"`
	ObservedAt time.Time `json:"observed_at"`
}
