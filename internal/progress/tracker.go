package progress

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/models"
)

type stateKey struct {
	jobID     string
	assetType models.AssetType
}

// jobState holds the counters for one (job, asset type) pair. States
// are created by whichever signal arrives first and removed the moment
// a completion event is published for the pair.
type jobState struct {
	expected  ExpectedCount
	done      int
	createdAt time.Time
}

// StateView is a read-only copy of one open state.
type StateView struct {
	JobID            string
	AssetType        models.AssetType
	Expected         ExpectedCount
	Done             int
	BatchInitialized bool
	CreatedAt        time.Time
}

// Tracker holds and updates the per-(job, asset type) counters and
// answers the completion question. It performs no locking of its own:
// the owning Manager serializes all access.
type Tracker struct {
	states      map[stateKey]*jobState
	initialized map[stateKey]bool // batch announcement accepted for the pair
	batchTotals map[stateKey]int  // authoritative totals recorded on batch acceptance
	frameTotals map[string]int    // per-job expected total frames side-channel (video stream)
	logger      arbor.ILogger
}

// NewTracker creates an empty tracker.
func NewTracker(logger arbor.ILogger) *Tracker {
	return &Tracker{
		states:      make(map[stateKey]*jobState),
		initialized: make(map[stateKey]bool),
		batchTotals: make(map[stateKey]int),
		frameTotals: make(map[string]int),
		logger:      logger,
	}
}

func (t *Tracker) ensureState(key stateKey, expected ExpectedCount) *jobState {
	if st, ok := t.states[key]; ok {
		return st
	}
	st := &jobState{expected: expected, createdAt: time.Now()}
	t.states[key] = st
	return st
}

// InitializeWithPlaceholder creates or re-labels a state whose real
// expected count has not been announced yet.
func (t *Tracker) InitializeWithPlaceholder(jobID string, assetType models.AssetType) {
	key := stateKey{jobID, assetType}
	st := t.ensureState(key, PlaceholderCount())
	st.expected = PlaceholderCount()
}

// SetRealExpectedAndRecheck overwrites the expected count with the
// authoritative total and reports whether the pair is now complete.
// Whichever of {batch event, enough item events} arrives last detects
// completion.
func (t *Tracker) SetRealExpectedAndRecheck(jobID string, assetType models.AssetType, realExpected int) bool {
	key := stateKey{jobID, assetType}
	st := t.ensureState(key, KnownCount(realExpected))
	st.expected = KnownCount(realExpected)
	return st.done >= realExpected
}

// RecordItemDone adds increment to the done counter, creating the state
// with expectedHint when absent. For the video stream the per-job frame
// total side-channel, when present, wins over the hint: frame batches
// are announced independently of per-video frame lists.
func (t *Tracker) RecordItemDone(jobID string, assetType models.AssetType, expectedHint ExpectedCount, increment int) {
	key := stateKey{jobID, assetType}
	st := t.ensureState(key, expectedHint)

	if assetType == models.AssetTypeVideo {
		if total, ok := t.frameTotals[jobID]; ok {
			st.expected = KnownCount(total)
		}
	} else if !st.expected.IsKnown() && expectedHint.IsKnown() {
		st.expected = expectedHint
	}

	st.done += increment
}

// IsComplete reports whether the pair has reached its announced total.
// Placeholder and unknown counts are never complete; an expected count
// of zero only completes when a batch genuinely announced zero items.
func (t *Tracker) IsComplete(jobID string, assetType models.AssetType) bool {
	key := stateKey{jobID, assetType}
	st, ok := t.states[key]
	if !ok {
		return false
	}
	n, known := st.expected.Value()
	if !known {
		return false
	}
	if n == 0 {
		total, announced := t.AnnouncedTotal(jobID, assetType)
		return announced && total == 0
	}
	return st.done >= n
}

// MarkBatchInitialized records that a batch announcement was accepted
// for the pair, keeping the announced total for zero-asset verification
// and, for the video stream, the per-job frame total side-channel.
func (t *Tracker) MarkBatchInitialized(jobID string, assetType models.AssetType, total int) {
	key := stateKey{jobID, assetType}
	t.initialized[key] = true
	t.batchTotals[key] = total
	if assetType == models.AssetTypeVideo {
		t.frameTotals[jobID] = total
	}
}

// BatchInitialized reports whether a batch announcement was accepted.
func (t *Tracker) BatchInitialized(jobID string, assetType models.AssetType) bool {
	return t.initialized[stateKey{jobID, assetType}]
}

// AnnouncedTotal returns the total carried by the accepted batch
// announcement, if one arrived.
func (t *Tracker) AnnouncedTotal(jobID string, assetType models.AssetType) (int, bool) {
	total, ok := t.batchTotals[stateKey{jobID, assetType}]
	return total, ok
}

// ExpectedTotalFrames returns the video-stream side-channel total.
func (t *Tracker) ExpectedTotalFrames(jobID string) (int, bool) {
	total, ok := t.frameTotals[jobID]
	return total, ok
}

// Counts returns the current counters for the pair.
func (t *Tracker) Counts(jobID string, assetType models.AssetType) (expected ExpectedCount, done int, ok bool) {
	st, found := t.states[stateKey{jobID, assetType}]
	if !found {
		return UnknownCount(), 0, false
	}
	return st.expected, st.done, true
}

// Cleanup removes the counters and markers for one pair. Job-scoped
// side-channels stay until the job's last open pair closes.
func (t *Tracker) Cleanup(jobID string, assetType models.AssetType) {
	key := stateKey{jobID, assetType}
	delete(t.states, key)
	delete(t.initialized, key)
	delete(t.batchTotals, key)
}

// DropJobSideChannels removes the per-job side-channel totals. Called
// when the last open pair for the job has been cleaned up.
func (t *Tracker) DropJobSideChannels(jobID string) {
	delete(t.frameTotals, jobID)
}

// HasOpenStates reports whether any pair for the job is still tracked.
func (t *Tracker) HasOpenStates(jobID string) bool {
	for key := range t.states {
		if key.jobID == jobID {
			return true
		}
	}
	return false
}

// OpenAssetTypes lists the asset types still tracked for the job.
func (t *Tracker) OpenAssetTypes(jobID string) []models.AssetType {
	var open []models.AssetType
	for key := range t.states {
		if key.jobID == jobID {
			open = append(open, key.assetType)
		}
	}
	return open
}

// OpenStates returns copies of the tracked states, optionally filtered
// by job id (empty string returns all).
func (t *Tracker) OpenStates(jobID string) []StateView {
	var views []StateView
	for key, st := range t.states {
		if jobID != "" && key.jobID != jobID {
			continue
		}
		views = append(views, StateView{
			JobID:            key.jobID,
			AssetType:        key.assetType,
			Expected:         st.expected,
			Done:             st.done,
			BatchInitialized: t.initialized[key],
			CreatedAt:        st.createdAt,
		})
	}
	return views
}

// Len returns the number of tracked states.
func (t *Tracker) Len() int {
	return len(t.states)
}
