package interfaces

import (
	"context"

	"github.com/ternarybob/specto/internal/models"
)

// JobReport is the aggregated view of one job served by the status API:
// the stored job record, live progress from the stage services, and the
// match results if matching has run.
type JobReport struct {
	Job       *models.Job        `json:"job"`
	Progress  []ProgressSnapshot `json:"progress,omitempty"`
	Matches   []*models.Match    `json:"matches,omitempty"`
	AssetRows AssetCounts        `json:"assets"`
}

// AssetCounts summarizes stored assets per stream for a job.
type AssetCounts struct {
	Images    int `json:"images"`
	Keyframes int `json:"keyframes"`
}

// StatusService aggregates job state for the HTTP surface.
type StatusService interface {
	GetJobReport(ctx context.Context, jobID string) (*JobReport, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
}
