// Package progress implements asynchronous batch-completion tracking
// for the extraction stages. Each stage service owns one Manager, which
// reconciles three racing signals per job: a batch announcement carrying
// the expected item count, a stream of at-least-once item events, and a
// watermark deadline that force-completes jobs whose items never all
// arrive. The Manager decides exactly once per (job, asset type, stage)
// that the batch is finished and publishes a single completion event
// with accurate counts.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

// ErrSkipItem is returned by an item's process callback to drop the item
// permanently: the event is acked, the done counter is left untouched,
// and the ledger keeps the entry so redelivery does not re-attempt it.
// The expected count is not decremented, so the job finishes through its
// remaining items or through the watermark with a partial flag. Used for
// items whose upstream record is missing.
var ErrSkipItem = errors.New("item skipped")

// Manager owns the registry of per-job progress state for one stage
// service: counters, idempotency ledgers and watermark timers. It is
// constructed once per service and injected into the handlers, so
// independent instances never interfere.
//
// Handlers run on parallel goroutines, so every mutation and every
// check-then-publish sequence holds mu. Item processing (feature
// extraction) runs outside the lock.
type Manager struct {
	mu        sync.Mutex
	stage     models.Stage
	ttl       time.Duration
	tracker   *Tracker
	assets    *AssetLedger
	batches   *BatchEventLedger
	watermark *WatermarkManager
	publisher *Publisher
	logger    arbor.ILogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMinimalPayload makes completion events for the given stream carry
// only {job_id, event_id}. Downstream consumers treat the missing
// counts as unavailable.
func WithMinimalPayload(assetType models.AssetType) Option {
	return func(m *Manager) {
		m.publisher.SetMinimalPayload(assetType)
	}
}

// NewManager creates the progress manager for one stage. ttl is the
// watermark deadline applied to every job tracked by this stage.
func NewManager(stage models.Stage, bus interfaces.Publisher, ttl time.Duration, logger arbor.ILogger, opts ...Option) *Manager {
	m := &Manager{
		stage:     stage,
		ttl:       ttl,
		tracker:   NewTracker(logger),
		assets:    NewAssetLedger(),
		batches:   NewBatchEventLedger(),
		publisher: NewPublisher(bus, ttl, logger),
		logger:    logger,
	}
	m.watermark = NewWatermarkManager(logger, m.handleWatermarkExpiry)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stage returns the pipeline stage this manager tracks.
func (m *Manager) Stage() models.Stage {
	return m.stage
}

// OnBatchAnnounced handles a batch announcement: the authoritative item
// total for (job, assetType). Duplicate event ids are suppressed. A
// zero-item batch completes immediately, inside this call.
func (m *Manager) OnBatchAnnounced(ctx context.Context, jobID string, assetType models.AssetType, eventID string, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publisher.Emitted(jobID, assetType, m.stage) {
		m.logger.Debug().
			Str("job_id", jobID).
			Str("event_id", eventID).
			Msg("Batch announcement after completion ignored")
		return nil
	}

	if !m.batches.MarkAndCheck(jobID, eventID) {
		m.logger.Debug().
			Str("job_id", jobID).
			Str("event_id", eventID).
			Msg("Duplicate batch announcement ignored")
		return nil
	}

	m.logger.Info().
		Str("job_id", jobID).
		Str("asset_type", string(assetType)).
		Str("stage", string(m.stage)).
		Int("total", total).
		Msg("Batch announced")

	m.tracker.MarkBatchInitialized(jobID, assetType, total)
	m.watermark.Ensure(jobID, m.ttl, m.stage)

	if total == 0 {
		if m.publisher.PublishWithExplicitCount(ctx, jobID, assetType, m.stage, 0, 0) {
			m.cleanupLocked(jobID, assetType)
		}
		return nil
	}

	m.applyRealExpectedLocked(ctx, jobID, assetType, total)
	return nil
}

// OnExpectedCountUpdated resolves the per-asset-first race: item events
// created the state with a placeholder and the authoritative count has
// now arrived. If the already-counted items satisfy it, completion
// fires here rather than waiting for another item that may never come.
func (m *Manager) OnExpectedCountUpdated(ctx context.Context, jobID string, assetType models.AssetType, realExpected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publisher.Emitted(jobID, assetType, m.stage) {
		return nil
	}

	m.applyRealExpectedLocked(ctx, jobID, assetType, realExpected)
	return nil
}

func (m *Manager) applyRealExpectedLocked(ctx context.Context, jobID string, assetType models.AssetType, realExpected int) {
	if m.tracker.SetRealExpectedAndRecheck(jobID, assetType, realExpected) {
		if m.publisher.Publish(ctx, m.tracker, jobID, assetType, m.stage, false) {
			m.cleanupLocked(jobID, assetType)
		}
	}
}

// OnItemReady handles one item event. assetID deduplicates redelivery;
// increment is the item count the event carries (a product image counts
// one, a video frame list counts len(frames)). process runs the item's
// actual work outside the lock; when it fails the ledger entry is
// released and the error propagates so the bus can retry, leaving the
// counters untouched until the item eventually succeeds. Events
// arriving after the pair's completion was published are dropped
// without processing.
func (m *Manager) OnItemReady(ctx context.Context, jobID string, assetType models.AssetType, assetID string, increment int, process func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.publisher.Emitted(jobID, assetType, m.stage) {
		m.logger.Debug().
			Str("job_id", jobID).
			Str("asset_id", assetID).
			Msg("Item event after completion ignored")
		m.mu.Unlock()
		return nil
	}
	if !m.assets.MarkAndCheck(jobID, assetID) {
		m.logger.Debug().
			Str("job_id", jobID).
			Str("asset_id", assetID).
			Msg("Duplicate item event ignored")
		m.mu.Unlock()
		return nil
	}
	m.watermark.Ensure(jobID, m.ttl, m.stage)
	m.mu.Unlock()

	if process != nil {
		if err := process(ctx); err != nil {
			if errors.Is(err, ErrSkipItem) {
				// Keep the ledger entry: the item is dropped for good and
				// the watermark closes the gap it leaves.
				m.logger.Warn().
					Str("job_id", jobID).
					Str("asset_id", assetID).
					Msg("Item skipped, not counted")
				return nil
			}
			m.mu.Lock()
			m.assets.Unmark(jobID, assetID)
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracker.RecordItemDone(jobID, assetType, PlaceholderCount(), increment)

	if !m.tracker.BatchInitialized(jobID, assetType) {
		// Counts are not meaningful until the batch announcement lands.
		return nil
	}

	if m.tracker.IsComplete(jobID, assetType) {
		if m.publisher.Publish(ctx, m.tracker, jobID, assetType, m.stage, false) {
			m.cleanupLocked(jobID, assetType)
		}
	}
	return nil
}

// handleWatermarkExpiry force-completes whatever is still open for the
// job. Runs on the timer goroutine after the timer entry was removed.
func (m *Manager) handleWatermarkExpiry(jobID string) {
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.tracker.OpenAssetTypes(jobID)
	if len(open) == 0 {
		// Normal completion won the race; the emission ledger would have
		// suppressed a duplicate anyway.
		m.logger.Warn().
			Str("job_id", jobID).
			Str("stage", string(m.stage)).
			Msg("Watermark expired for unknown or completed job")
		return
	}

	for _, assetType := range open {
		if m.tracker.IsComplete(jobID, assetType) {
			// The normal completion path fired or is about to.
			m.logger.Info().
				Str("job_id", jobID).
				Str("asset_type", string(assetType)).
				Msg("Job already complete at watermark expiry")
			m.cleanupLocked(jobID, assetType)
			continue
		}
		if m.publisher.Publish(ctx, m.tracker, jobID, assetType, m.stage, true) {
			m.logger.Warn().
				Str("job_id", jobID).
				Str("asset_type", string(assetType)).
				Str("stage", string(m.stage)).
				Msg("Job force-completed at watermark deadline")
		}
		m.cleanupLocked(jobID, assetType)
	}
}

// cleanupLocked removes the pair's counters and markers. Job-scoped
// resources (watermark timer, ledgers, side-channels) are released only
// when the job's last open pair closes, so two streams of the same job
// do not clobber each other.
func (m *Manager) cleanupLocked(jobID string, assetType models.AssetType) {
	m.tracker.Cleanup(jobID, assetType)

	if !m.tracker.HasOpenStates(jobID) {
		m.watermark.Cancel(jobID)
		m.tracker.DropJobSideChannels(jobID)
		m.assets.ClearJob(jobID)
		m.batches.ClearJob(jobID)
	}
}

// Snapshots returns read-only views of the open progress states,
// optionally filtered by job id (empty string means all).
func (m *Manager) Snapshots(jobID string) []interfaces.ProgressSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	views := m.tracker.OpenStates(jobID)
	snapshots := make([]interfaces.ProgressSnapshot, 0, len(views))
	for _, view := range views {
		snapshot := interfaces.ProgressSnapshot{
			JobID:            view.JobID,
			AssetType:        view.AssetType,
			Stage:            m.stage,
			ExpectedState:    view.Expected.StateName(),
			Done:             view.Done,
			BatchInitialized: view.BatchInitialized,
		}
		if n, known := view.Expected.Value(); known {
			snapshot.Expected = n
		}
		if deadline, ok := m.watermark.Deadline(view.JobID); ok {
			snapshot.Deadline = &deadline
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

// Close cancels all watermark timers. In-flight progress is in-memory
// only; a restart recovers through upstream redelivery and the next
// batch announcement's watermark.
func (m *Manager) Close() {
	m.watermark.StopAll()
}
