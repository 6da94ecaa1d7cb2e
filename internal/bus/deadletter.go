package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/specto/internal/interfaces"
)

// DeadLetterStore persists messages that exhausted their retries so an
// operator can inspect what the pipeline refused to process.
type DeadLetterStore struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewDeadLetterStore creates a dead-letter store on the shared
// badgerhold store.
func NewDeadLetterStore(store *badgerhold.Store, logger arbor.ILogger) *DeadLetterStore {
	return &DeadLetterStore{
		store:  store,
		logger: logger,
	}
}

// Record saves one dead letter. The record id and dead-at timestamp are
// assigned here.
func (s *DeadLetterStore) Record(ctx context.Context, letter *interfaces.DeadLetter) error {
	if letter == nil {
		return fmt.Errorf("dead letter is required")
	}
	if letter.ID == "" {
		letter.ID = "dl_" + uuid.New().String()
	}
	if letter.DeadAt.IsZero() {
		letter.DeadAt = time.Now()
	}

	if err := s.store.Upsert(letter.ID, letter); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}

	s.logger.Warn().
		Str("message_id", letter.MessageID).
		Str("topic", letter.Topic).
		Str("group", letter.Group).
		Str("reason", letter.Reason).
		Msg("Message dead-lettered")

	return nil
}

// List returns the most recent dead letters, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*interfaces.DeadLetter, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("DeadAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var letters []interfaces.DeadLetter
	if err := s.store.Find(&letters, query); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	result := make([]*interfaces.DeadLetter, len(letters))
	for i := range letters {
		result[i] = &letters[i]
	}
	return result, nil
}

// Count returns the number of stored dead letters.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	count, err := s.store.Count(&interfaces.DeadLetter{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return int(count), nil
}

// Purge removes all dead letters and returns how many were deleted.
func (s *DeadLetterStore) Purge(ctx context.Context) (int, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.store.DeleteMatching(&interfaces.DeadLetter{}, nil); err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}

	s.logger.Info().Int("count", count).Msg("Dead letters purged")
	return count, nil
}
