package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/specto/internal/models"
)

// Collector turns one configured source into a collection job: it
// gathers products or videos, downloads their media, and announces the
// resulting batches on the bus.
type Collector interface {
	// Kind reports which source kind this collector serves.
	Kind() models.SourceKind

	// Collect runs one collection for the source and returns the job id.
	// Trigger is "schedule" or "manual".
	Collect(ctx context.Context, source *models.SourceDefinition, trigger string) (string, error)
}

// StageService is one feature-extraction stage: it consumes batch and
// item events, runs the extractor, tracks batch completion, and emits
// the stage's completed events.
type StageService interface {
	// Stage reports which extraction stage this service runs.
	Stage() models.Stage

	// Register subscribes the service's handlers on the bus. Must be
	// called before the bus starts.
	Register(bus EventBus) error

	// Snapshots returns the open progress states, optionally filtered by
	// job id (empty string means all jobs).
	Snapshots(jobID string) []ProgressSnapshot

	// Close cancels the service's pending watermark timers. Call after
	// the bus has stopped.
	Close()
}

// ProgressSnapshot is a read-only view of one open (job, asset type)
// progress state inside a stage service.
type ProgressSnapshot struct {
	JobID            string           `json:"job_id"`
	AssetType        models.AssetType `json:"asset_type"`
	Stage            models.Stage     `json:"stage"`
	ExpectedState    string           `json:"expected_state"` // "unknown", "placeholder" or "known"
	Expected         int              `json:"expected"`       // meaningful only when ExpectedState == "known"
	Done             int              `json:"done"`
	BatchInitialized bool             `json:"batch_initialized"`
	Deadline         *time.Time       `json:"watermark_deadline,omitempty"`
}
