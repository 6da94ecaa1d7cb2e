package progress

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/models"
)

// watermark timer state machine: NoTimer -> Running -> {Fired, Cancelled}
type watermarkStatus uint8

const (
	watermarkRunning watermarkStatus = iota
	watermarkFired
	watermarkCancelled
)

type watermarkTimer struct {
	timer    *time.Timer
	stage    models.Stage
	deadline time.Time
	status   watermarkStatus
}

// WatermarkManager schedules one cancellable deadline per job. The
// deadline bounds pipeline latency under partial failure: items silently
// dropped upstream never produce an item event, and without the timer a
// job missing a single item would stay open forever. On expiry the
// registered callback force-completes whatever is still open; normal
// completion cancels the timer synchronously during cleanup so a stale
// fire cannot resurrect a finished job.
type WatermarkManager struct {
	mu       sync.Mutex
	timers   map[string]*watermarkTimer
	onExpire func(jobID string)
	logger   arbor.ILogger
}

// NewWatermarkManager creates a manager. onExpire runs on the timer
// goroutine after the entry has transitioned to Fired and been removed.
func NewWatermarkManager(logger arbor.ILogger, onExpire func(jobID string)) *WatermarkManager {
	return &WatermarkManager{
		timers:   make(map[string]*watermarkTimer),
		onExpire: onExpire,
		logger:   logger,
	}
}

// Start schedules a deadline for the job, cancelling and replacing any
// existing timer.
func (w *WatermarkManager) Start(jobID string, ttl time.Duration, stage models.Stage) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.timers[jobID]; ok {
		existing.timer.Stop()
		existing.status = watermarkCancelled
		delete(w.timers, jobID)
	}

	entry := &watermarkTimer{
		stage:    stage,
		deadline: time.Now().Add(ttl),
		status:   watermarkRunning,
	}
	entry.timer = time.AfterFunc(ttl, func() {
		w.fire(jobID, entry)
	})
	w.timers[jobID] = entry

	w.logger.Debug().
		Str("job_id", jobID).
		Str("stage", string(stage)).
		Str("deadline", entry.deadline.Format(time.RFC3339)).
		Msg("Watermark timer started")
}

// Ensure schedules a deadline only when the job has none yet.
func (w *WatermarkManager) Ensure(jobID string, ttl time.Duration, stage models.Stage) {
	w.mu.Lock()
	_, exists := w.timers[jobID]
	w.mu.Unlock()
	if !exists {
		w.Start(jobID, ttl, stage)
	}
}

// fire runs on the timer goroutine. The entry identity check discards
// fires from timers that were replaced after the callback was already
// scheduled.
func (w *WatermarkManager) fire(jobID string, entry *watermarkTimer) {
	w.mu.Lock()
	current, ok := w.timers[jobID]
	if !ok || current != entry || entry.status != watermarkRunning {
		w.mu.Unlock()
		return
	}
	entry.status = watermarkFired
	delete(w.timers, jobID)
	w.mu.Unlock()

	w.logger.Warn().
		Str("job_id", jobID).
		Str("stage", string(entry.stage)).
		Msg("Watermark deadline expired")

	if w.onExpire != nil {
		w.onExpire(jobID)
	}
}

// Cancel transitions Running -> Cancelled and removes the entry. Normal
// completion must call this during cleanup.
func (w *WatermarkManager) Cancel(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.timers[jobID]
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.status = watermarkCancelled
	delete(w.timers, jobID)
}

// Deadline returns the job's pending deadline, if a timer is running.
func (w *WatermarkManager) Deadline(jobID string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.timers[jobID]
	if !ok {
		return time.Time{}, false
	}
	return entry.deadline, true
}

// StopAll cancels every pending timer. Used at service shutdown.
func (w *WatermarkManager) StopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for jobID, entry := range w.timers {
		entry.timer.Stop()
		entry.status = watermarkCancelled
		delete(w.timers, jobID)
	}
}

// Len returns the number of running timers.
func (w *WatermarkManager) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
