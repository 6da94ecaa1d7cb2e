package progress

import "github.com/ternarybob/specto/internal/models"

type assetKey struct {
	jobID   string
	assetID string
}

// AssetLedger makes redelivered item events safe: an asset id is
// processed at most once per job. Entries are cleared wholesale on job
// cleanup, never individually. No locking of its own; the owning
// Manager serializes access.
type AssetLedger struct {
	seen map[assetKey]struct{}
}

// NewAssetLedger creates an empty ledger.
func NewAssetLedger() *AssetLedger {
	return &AssetLedger{seen: make(map[assetKey]struct{})}
}

// MarkAndCheck inserts the (job, asset) pair and reports whether it is
// new. Handlers must call this before any processing work and skip the
// item when it returns false.
func (l *AssetLedger) MarkAndCheck(jobID, assetID string) bool {
	key := assetKey{jobID, assetID}
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	return true
}

// Unmark removes an entry after a processing failure so the bus retry
// can take another attempt. A retried item is therefore counted exactly
// once, on eventual success.
func (l *AssetLedger) Unmark(jobID, assetID string) {
	delete(l.seen, assetKey{jobID, assetID})
}

// ClearJob drops every entry for the job.
func (l *AssetLedger) ClearJob(jobID string) {
	for key := range l.seen {
		if key.jobID == jobID {
			delete(l.seen, key)
		}
	}
}

// Len returns the number of ledger entries.
func (l *AssetLedger) Len() int {
	return len(l.seen)
}

type batchEventKey struct {
	jobID   string
	eventID string
}

// BatchEventLedger rejects duplicate deliveries of batch-announced
// events; the bus is at-least-once so the same event id may arrive
// multiple times.
type BatchEventLedger struct {
	seen map[batchEventKey]struct{}
}

// NewBatchEventLedger creates an empty ledger.
func NewBatchEventLedger() *BatchEventLedger {
	return &BatchEventLedger{seen: make(map[batchEventKey]struct{})}
}

// MarkAndCheck inserts the (job, event) pair and reports whether it is
// new.
func (l *BatchEventLedger) MarkAndCheck(jobID, eventID string) bool {
	key := batchEventKey{jobID, eventID}
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	return true
}

// ClearJob drops every entry for the job.
func (l *BatchEventLedger) ClearJob(jobID string) {
	for key := range l.seen {
		if key.jobID == jobID {
			delete(l.seen, key)
		}
	}
}

type emissionKey struct {
	jobID     string
	assetType models.AssetType
	stage     models.Stage
}

// EmissionLedger is the linchpin of the at-most-once guarantee: for any
// (job, asset type, stage), at most one completion event is ever
// published. The key is inserted immediately before the event is handed
// to the bus and the ledger is never cleared, so a stale watermark fire
// or a concurrent re-evaluation is always a safe no-op.
type EmissionLedger struct {
	emitted map[emissionKey]struct{}
}

// NewEmissionLedger creates an empty ledger.
func NewEmissionLedger() *EmissionLedger {
	return &EmissionLedger{emitted: make(map[emissionKey]struct{})}
}

// MarkAndCheck inserts the key and reports whether it is new. A false
// return means a completion event was already published for the key and
// the caller must suppress its own.
func (l *EmissionLedger) MarkAndCheck(jobID string, assetType models.AssetType, stage models.Stage) bool {
	key := emissionKey{jobID, assetType, stage}
	if _, ok := l.emitted[key]; ok {
		return false
	}
	l.emitted[key] = struct{}{}
	return true
}

// Has reports whether a completion was already recorded for the key.
func (l *EmissionLedger) Has(jobID string, assetType models.AssetType, stage models.Stage) bool {
	_, ok := l.emitted[emissionKey{jobID, assetType, stage}]
	return ok
}
