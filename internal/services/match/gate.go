package match

import (
	"sync"

	"github.com/ternarybob/specto/internal/models"
)

// requiredTopics are the completions that must arrive before matching
// can run: both sides need embedding vectors. Keypoint completions are
// recorded when they arrive but never hold the gate open.
var requiredTopics = []string{
	models.TopicStageCompleted(models.AssetTypeImage, models.StageEmbeddings),
	models.TopicStageCompleted(models.AssetTypeVideo, models.StageEmbeddings),
}

// StageGate decides when a job is ready for matching. Record is a
// check-and-set: it returns true exactly once per job, on the delivery
// that completes the required topic set. The bus is at-least-once, so
// duplicate completion deliveries arrive routinely; a fired gate stays
// fired and duplicates fall through as no-ops.
type StageGate struct {
	mu   sync.Mutex
	jobs map[string]*gateState
}

type gateState struct {
	seen  map[string]struct{}
	fired bool
}

// NewStageGate creates an empty gate.
func NewStageGate() *StageGate {
	return &StageGate{jobs: make(map[string]*gateState)}
}

// Record notes a completion topic for the job and reports whether the
// gate fires on this delivery.
func (g *StageGate) Record(jobID, topic string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.jobs[jobID]
	if state == nil {
		state = &gateState{seen: make(map[string]struct{})}
		g.jobs[jobID] = state
	}
	state.seen[topic] = struct{}{}

	if state.fired || !state.covered() {
		return false
	}
	state.fired = true
	return true
}

// Reset clears the fired mark after a failed matching run so the bus
// redelivery of the triggering completion fires the gate again.
// Recorded topics are kept.
func (g *StageGate) Reset(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state := g.jobs[jobID]; state != nil {
		state.fired = false
	}
}

// Seen reports whether a completion for the topic has been recorded.
func (g *StageGate) Seen(jobID, topic string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.jobs[jobID]
	if state == nil {
		return false
	}
	_, ok := state.seen[topic]
	return ok
}

func (s *gateState) covered() bool {
	for _, topic := range requiredTopics {
		if _, ok := s.seen[topic]; !ok {
			return false
		}
	}
	return true
}
