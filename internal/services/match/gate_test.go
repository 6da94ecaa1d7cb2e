package match

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/specto/internal/models"
)

var (
	imageEmbeddings = models.TopicStageCompleted(models.AssetTypeImage, models.StageEmbeddings)
	videoEmbeddings = models.TopicStageCompleted(models.AssetTypeVideo, models.StageEmbeddings)
	imageKeypoints  = models.TopicStageCompleted(models.AssetTypeImage, models.StageKeypoints)
	videoKeypoints  = models.TopicStageCompleted(models.AssetTypeVideo, models.StageKeypoints)
)

func TestGateFiresOnceWhenBothEmbeddingsArrive(t *testing.T) {
	gate := NewStageGate()

	assert.False(t, gate.Record("J1", imageEmbeddings))
	assert.True(t, gate.Record("J1", videoEmbeddings))

	// Duplicates of either completion must not re-fire.
	assert.False(t, gate.Record("J1", imageEmbeddings))
	assert.False(t, gate.Record("J1", videoEmbeddings))
}

func TestGateIgnoresKeypointOnlyCompletions(t *testing.T) {
	gate := NewStageGate()

	assert.False(t, gate.Record("J1", imageKeypoints))
	assert.False(t, gate.Record("J1", videoKeypoints))
	assert.False(t, gate.Record("J1", imageEmbeddings))
	assert.True(t, gate.Record("J1", videoEmbeddings))

	assert.True(t, gate.Seen("J1", imageKeypoints))
	assert.True(t, gate.Seen("J1", videoKeypoints))
}

func TestGateKeypointAfterFireDoesNotRefire(t *testing.T) {
	gate := NewStageGate()

	gate.Record("J1", imageEmbeddings)
	assert.True(t, gate.Record("J1", videoEmbeddings))
	assert.False(t, gate.Record("J1", imageKeypoints))
}

func TestGateTracksJobsIndependently(t *testing.T) {
	gate := NewStageGate()

	gate.Record("J1", imageEmbeddings)
	assert.False(t, gate.Record("J2", videoEmbeddings))
	assert.True(t, gate.Record("J1", videoEmbeddings))
	assert.True(t, gate.Record("J2", imageEmbeddings))
}

func TestGateResetRearmsAfterFailure(t *testing.T) {
	gate := NewStageGate()

	gate.Record("J1", imageEmbeddings)
	assert.True(t, gate.Record("J1", videoEmbeddings))

	gate.Reset("J1")

	// The redelivered completion fires the gate again; the first
	// completion is still on record.
	assert.True(t, gate.Record("J1", videoEmbeddings))
	assert.False(t, gate.Record("J1", videoEmbeddings))
}

func TestGateSeenUnknownJob(t *testing.T) {
	gate := NewStageGate()
	assert.False(t, gate.Seen("missing", imageEmbeddings))
}
