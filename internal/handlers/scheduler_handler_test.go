package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
)

// mockScheduler implements interfaces.SchedulerService for testing
type mockScheduler struct {
	mu        sync.Mutex
	running   bool
	statuses  map[string]*interfaces.ScheduledJobStatus
	triggered []string
}

func (m *mockScheduler) Start() error { return nil }
func (m *mockScheduler) Stop() error  { return nil }

func (m *mockScheduler) RegisterJob(name string, schedule string, handler func() error) error {
	return nil
}

func (m *mockScheduler) TriggerNow(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered = append(m.triggered, name)
	return nil
}

func (m *mockScheduler) IsRunning() bool { return m.running }

func (m *mockScheduler) GetAllJobStatuses() map[string]*interfaces.ScheduledJobStatus {
	return m.statuses
}

func (m *mockScheduler) triggeredJobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.triggered...)
}

func TestSchedulerStatusHandler(t *testing.T) {
	lastRun := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	nextRun := lastRun.Add(time.Hour)

	scheduler := &mockScheduler{
		running: true,
		statuses: map[string]*interfaces.ScheduledJobStatus{
			"collect:acme-catalog": {
				Name:     "collect:acme-catalog",
				Enabled:  true,
				Schedule: "@hourly",
				LastRun:  &lastRun,
				NextRun:  &nextRun,
			},
			"deadletter-sweep": {
				Name:      "deadletter-sweep",
				Enabled:   true,
				Schedule:  "@hourly",
				LastError: "sweep failed: store closed",
			},
		},
	}

	handler := NewSchedulerHandler(scheduler, common.GetLogger())
	req := httptest.NewRequest("GET", "/api/scheduler", nil)
	rec := httptest.NewRecorder()

	handler.GetStatusHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var response struct {
		Running bool                     `json:"running"`
		Jobs    []map[string]interface{} `json:"jobs"`
		Count   int                      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))

	assert.True(t, response.Running)
	assert.Equal(t, 2, response.Count)
	require.Len(t, response.Jobs, 2)

	// Sorted by name.
	assert.Equal(t, "collect:acme-catalog", response.Jobs[0]["name"])
	assert.Equal(t, lastRun.Format(time.RFC3339), response.Jobs[0]["last_run"])
	assert.Equal(t, nextRun.Format(time.RFC3339), response.Jobs[0]["next_run"])
	assert.NotContains(t, response.Jobs[0], "last_error")

	assert.Equal(t, "deadletter-sweep", response.Jobs[1]["name"])
	assert.Equal(t, "sweep failed: store closed", response.Jobs[1]["last_error"])
	assert.NotContains(t, response.Jobs[1], "next_run")
}

func TestSchedulerTriggerJobHandler(t *testing.T) {
	scheduler := &mockScheduler{
		statuses: map[string]*interfaces.ScheduledJobStatus{
			"deadletter-sweep": {Name: "deadletter-sweep", Schedule: "@hourly"},
		},
	}

	handler := NewSchedulerHandler(scheduler, common.GetLogger())
	req := httptest.NewRequest("POST", "/api/scheduler/trigger/deadletter-sweep", nil)
	rec := httptest.NewRecorder()

	handler.TriggerJobHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		jobs := scheduler.triggeredJobs()
		return len(jobs) == 1 && jobs[0] == "deadletter-sweep"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerTriggerUnknownJob(t *testing.T) {
	handler := NewSchedulerHandler(&mockScheduler{}, common.GetLogger())
	req := httptest.NewRequest("POST", "/api/scheduler/trigger/no-such-job", nil)
	rec := httptest.NewRecorder()

	handler.TriggerJobHandler(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, handler.scheduler.(*mockScheduler).triggeredJobs())
}
