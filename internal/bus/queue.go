package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// storedMessage is the wire record persisted in Badger for one copy of a
// published message on one subscription queue.
type storedMessage struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Group         string          `json:"group"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Body          json.RawMessage `json:"body"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	VisibleAt     time.Time       `json:"visible_at"`
	ReceiveCount  int             `json:"receive_count"`
}

// subQueue is one durable (topic, group) queue. Message data lives at
// bus:{name}:{topic}:{group}:msg:{id}; a visibility index at
// bus:{name}:{topic}:{group}:index:{visibleAtNanos}:{id} keeps ready
// messages scannable in order. Claiming a message moves its index entry
// forward by the visibility timeout, so an unacked delivery reappears on
// its own.
type subQueue struct {
	db                *badger.DB
	name              string
	topic             string
	group             string
	visibilityTimeout time.Duration
}

func newSubQueue(db *badger.DB, name, topic, group string, visibilityTimeout time.Duration) *subQueue {
	return &subQueue{
		db:                db,
		name:              name,
		topic:             topic,
		group:             group,
		visibilityTimeout: visibilityTimeout,
	}
}

func (q *subQueue) enqueue(body []byte, correlationID string) error {
	now := time.Now()
	msg := storedMessage{
		ID:            uuid.New().String(),
		Topic:         q.topic,
		Group:         q.group,
		CorrelationID: correlationID,
		Body:          body,
		EnqueuedAt:    now,
		VisibleAt:     now,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}

	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(msg.ID), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(msg.VisibleAt, msg.ID), []byte{})
	})
}

// receive claims the oldest visible message: its receive count is
// incremented and its index entry moved past the visibility timeout.
// Returns ErrNoMessage when nothing is ready.
func (q *subQueue) receive() (*storedMessage, error) {
	var claimed storedMessage

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var oldIndexKey []byte
		found := false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by timestamp: nothing later is ready.
				break
			}

			item, err := txn.Get(q.msgKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry, drop it.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &claimed)
			}); err != nil {
				return err
			}

			found = true
			oldIndexKey = key
			break
		}

		if !found {
			return ErrNoMessage
		}

		claimed.ReceiveCount++
		claimed.VisibleAt = time.Now().Add(q.visibilityTimeout)

		data, err := json.Marshal(claimed)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(claimed.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(q.indexKey(claimed.VisibleAt, claimed.ID), []byte{})
	})

	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// ack removes a delivered message for good.
func (q *subQueue) ack(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		msgKey := q.msgKey(id)
		item, err := txn.Get(msgKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // already acked
			}
			return err
		}

		var msg storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(msg.VisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(msgKey)
	})
}

// release makes a claimed message visible again after delay. The
// receive count keeps its incremented value, so repeated failures walk
// toward the receive limit.
func (q *subQueue) release(id string, delay time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		msgKey := q.msgKey(id)
		item, err := txn.Get(msgKey)
		if err != nil {
			return err
		}

		var msg storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}

		oldVisibleAt := msg.VisibleAt
		msg.VisibleAt = time.Now().Add(delay)

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey, data); err != nil {
			return err
		}
		if err := txn.Delete(q.indexKey(oldVisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(q.indexKey(msg.VisibleAt, id), []byte{})
	})
}

// depth counts the messages currently on the queue, visible or claimed.
func (q *subQueue) depth() (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("bus:%s:%s:%s:msg:", q.name, q.topic, q.group))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (q *subQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("bus:%s:%s:%s:msg:%s", q.name, q.topic, q.group, id))
}

func (q *subQueue) indexPrefix() []byte {
	return []byte(fmt.Sprintf("bus:%s:%s:%s:index:", q.name, q.topic, q.group))
}

func (q *subQueue) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so lexicographic order matches numeric order.
	return []byte(fmt.Sprintf("bus:%s:%s:%s:index:%020d:%s", q.name, q.topic, q.group, visibleAt.UnixNano(), id))
}

func (q *subQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := q.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 22 { // 20 digits, colon, at least one id byte
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
