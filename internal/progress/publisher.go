package progress

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

// Publisher decides the final completion payload and guarantees
// at-most-once emission per (job, asset type, stage). It performs no
// locking of its own; the owning Manager serializes all calls, and the
// bus publish inside the critical section is a local durable enqueue,
// not a network round-trip.
type Publisher struct {
	bus       interfaces.Publisher
	emissions *EmissionLedger
	ttl       time.Duration
	minimal   map[models.AssetType]bool // emit only {job_id, event_id} for these streams
	logger    arbor.ILogger
}

// NewPublisher creates a publisher. ttl is echoed in completion
// payloads so downstream consumers can reason about force-completion
// timing.
func NewPublisher(bus interfaces.Publisher, ttl time.Duration, logger arbor.ILogger) *Publisher {
	return &Publisher{
		bus:       bus,
		emissions: NewEmissionLedger(),
		ttl:       ttl,
		minimal:   make(map[models.AssetType]bool),
		logger:    logger,
	}
}

// SetMinimalPayload switches the given stream to the minimal completion
// payload variant carrying only {job_id, event_id}.
func (p *Publisher) SetMinimalPayload(assetType models.AssetType) {
	p.minimal[assetType] = true
}

// Emitted reports whether a completion was already published for the
// key. Signals arriving for an emitted pair are late redeliveries; the
// pair's state was torn down and must not be re-created.
func (p *Publisher) Emitted(jobID string, assetType models.AssetType, stage models.Stage) bool {
	return p.emissions.Has(jobID, assetType, stage)
}

// Publish reads the tracker state for (job, assetType) and emits the
// completion event. isTimeout marks watermark force-completions, which
// always flag partial completion. Returns true when an emission was
// recorded; the caller then owns cleanup.
func (p *Publisher) Publish(ctx context.Context, tracker *Tracker, jobID string, assetType models.AssetType, stage models.Stage, isTimeout bool) bool {
	expected, done, ok := tracker.Counts(jobID, assetType)
	if !ok {
		p.logger.Warn().
			Str("job_id", jobID).
			Str("asset_type", string(assetType)).
			Str("stage", string(stage)).
			Msg("Completion requested for unknown job, skipping")
		return false
	}

	var total int
	var hasPartial bool
	if n, known := expected.Value(); known {
		if n == 0 {
			// Zero only counts when a batch genuinely announced zero items.
			announced, wasAnnounced := tracker.AnnouncedTotal(jobID, assetType)
			if !wasAnnounced || announced != 0 {
				p.logger.Warn().
					Str("job_id", jobID).
					Str("asset_type", string(assetType)).
					Msg("Zero expected count without zero-item announcement, skipping")
				return false
			}
			total, done, hasPartial = 0, 0, false
		} else {
			total = n
			hasPartial = done < n
		}
	} else {
		// The authoritative count never arrived. Only the watermark path
		// may force-complete; report the best total we have.
		if !isTimeout {
			p.logger.Warn().
				Str("job_id", jobID).
				Str("asset_type", string(assetType)).
				Str("expected", expected.String()).
				Msg("Completion requested before expected count known, skipping")
			return false
		}
		total = done
		hasPartial = true
	}

	return p.emit(ctx, jobID, assetType, stage, total, done, hasPartial || isTimeout)
}

// PublishWithExplicitCount emits a completion event with counts the
// caller already knows: the immediate zero-asset case and batch-level
// transitions where the tracker was never involved.
func (p *Publisher) PublishWithExplicitCount(ctx context.Context, jobID string, assetType models.AssetType, stage models.Stage, expected int, done int) bool {
	return p.emit(ctx, jobID, assetType, stage, expected, done, done < expected)
}

func (p *Publisher) emit(ctx context.Context, jobID string, assetType models.AssetType, stage models.Stage, total int, done int, hasPartial bool) bool {
	// Check-and-set before publishing: a re-entrant evaluation triggered
	// by a concurrent update must not double-fire.
	if !p.emissions.MarkAndCheck(jobID, assetType, stage) {
		p.logger.Debug().
			Str("job_id", jobID).
			Str("asset_type", string(assetType)).
			Str("stage", string(stage)).
			Msg("Completion already published, duplicate suppressed")
		return false
	}

	event := models.StageCompletedEvent{
		JobID:      jobID,
		EventID:    common.NewEventID(),
		Idempotent: true,
	}
	if !p.minimal[assetType] {
		failed := 0
		ttlSeconds := int(p.ttl.Seconds())
		event.TotalAssets = &total
		event.ProcessedAssets = &done
		event.FailedAssets = &failed
		event.HasPartialCompletion = &hasPartial
		event.WatermarkTTL = &ttlSeconds
	}

	topic := models.TopicStageCompleted(assetType, stage)
	if err := p.bus.Publish(ctx, topic, event, jobID); err != nil {
		// The ledger entry stays: at-most-once is the invariant we keep
		// even when the enqueue fails.
		p.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("topic", topic).
			Msg("Failed to publish completion event")
		return true
	}

	p.logger.Info().
		Str("job_id", jobID).
		Str("topic", topic).
		Int("total", total).
		Int("processed", done).
		Bool("partial", hasPartial).
		Msg("Published completion event")

	if stage == models.StageSegmentation {
		p.publishMaskedBatch(ctx, jobID, assetType, done)
	}

	return true
}

// publishMaskedBatch chains segmentation into the next stage: the
// masked-batch announcement is how stages hand off without an
// orchestrator. The total is the number of masked items actually
// produced, which is what the next stage should expect.
func (p *Publisher) publishMaskedBatch(ctx context.Context, jobID string, assetType models.AssetType, produced int) {
	var payload interface{}
	if assetType == models.AssetTypeVideo {
		payload = models.KeyframesMaskedBatchEvent{
			JobID:          jobID,
			EventID:        common.NewEventID(),
			TotalKeyframes: produced,
		}
	} else {
		payload = models.ImagesMaskedBatchEvent{
			JobID:       jobID,
			EventID:     common.NewEventID(),
			TotalImages: produced,
		}
	}

	topic := models.TopicMaskedBatch(assetType)
	if err := p.bus.Publish(ctx, topic, payload, jobID); err != nil {
		p.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("topic", topic).
			Msg("Failed to publish masked batch event")
		return
	}

	p.logger.Info().
		Str("job_id", jobID).
		Str("topic", topic).
		Int("total", produced).
		Msg("Published masked batch event")
}
