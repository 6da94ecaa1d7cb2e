package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/models"
)

type expiryRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *expiryRecorder) record(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, jobID)
}

func (r *expiryRecorder) count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.fired {
		if id == jobID {
			n++
		}
	}
	return n
}

func TestWatermarkManager_FiresAfterTTL(t *testing.T) {
	recorder := &expiryRecorder{}
	wm := NewWatermarkManager(common.GetLogger(), recorder.record)
	defer wm.StopAll()

	wm.Start("J1", 30*time.Millisecond, models.StageEmbeddings)

	require.Eventually(t, func() bool {
		return recorder.count("J1") == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The fired timer removes itself.
	assert.Equal(t, 0, wm.Len())
	_, ok := wm.Deadline("J1")
	assert.False(t, ok)
}

func TestWatermarkManager_CancelPreventsFire(t *testing.T) {
	recorder := &expiryRecorder{}
	wm := NewWatermarkManager(common.GetLogger(), recorder.record)
	defer wm.StopAll()

	wm.Start("J1", 30*time.Millisecond, models.StageEmbeddings)
	wm.Cancel("J1")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, recorder.count("J1"))
	assert.Equal(t, 0, wm.Len())
}

func TestWatermarkManager_StartReplacesRunningTimer(t *testing.T) {
	recorder := &expiryRecorder{}
	wm := NewWatermarkManager(common.GetLogger(), recorder.record)
	defer wm.StopAll()

	wm.Start("J1", time.Hour, models.StageEmbeddings)
	first, ok := wm.Deadline("J1")
	require.True(t, ok)

	wm.Start("J1", 30*time.Millisecond, models.StageEmbeddings)
	second, ok := wm.Deadline("J1")
	require.True(t, ok)
	assert.True(t, second.Before(first))

	require.Eventually(t, func() bool {
		return recorder.count("J1") == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The replaced timer must never fire on top of the replacement.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, recorder.count("J1"))
}

func TestWatermarkManager_EnsureKeepsExistingDeadline(t *testing.T) {
	recorder := &expiryRecorder{}
	wm := NewWatermarkManager(common.GetLogger(), recorder.record)
	defer wm.StopAll()

	wm.Start("J1", time.Hour, models.StageEmbeddings)
	before, ok := wm.Deadline("J1")
	require.True(t, ok)

	wm.Ensure("J1", time.Minute, models.StageEmbeddings)
	after, ok := wm.Deadline("J1")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestWatermarkManager_EnsureStartsWhenAbsent(t *testing.T) {
	recorder := &expiryRecorder{}
	wm := NewWatermarkManager(common.GetLogger(), recorder.record)
	defer wm.StopAll()

	wm.Ensure("J1", 30*time.Millisecond, models.StageEmbeddings)

	require.Eventually(t, func() bool {
		return recorder.count("J1") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatermarkManager_StopAllCancelsEverything(t *testing.T) {
	recorder := &expiryRecorder{}
	wm := NewWatermarkManager(common.GetLogger(), recorder.record)

	wm.Start("J1", 30*time.Millisecond, models.StageEmbeddings)
	wm.Start("J2", 30*time.Millisecond, models.StageEmbeddings)
	wm.StopAll()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, recorder.count("J1"))
	assert.Equal(t, 0, recorder.count("J2"))
	assert.Equal(t, 0, wm.Len())
}
