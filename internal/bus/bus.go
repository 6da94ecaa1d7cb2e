package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
)

// subscription binds one handler to one (topic, group) queue.
type subscription struct {
	topic   string
	group   string
	handler interfaces.BusHandler
	queue   *subQueue
}

// TopicBus is the Badger-backed topic bus connecting the pipeline
// services. Publishing fans a message out to every consumer group
// subscribed to the topic; each group's copy lives on its own durable
// queue with visibility-timeout redelivery, capped-exponential retry
// backoff and dead-lettering at the receive limit. One dispatcher
// goroutine per subscription preserves per-group delivery order.
type TopicBus struct {
	db                *badger.DB
	name              string
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	maxReceive        int
	backoffBase       time.Duration
	backoffCap        time.Duration
	deadLetters       *DeadLetterStore
	logger            arbor.ILogger

	mu      sync.RWMutex
	subs    []*subscription
	byTopic map[string][]*subscription
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTopicBus creates the bus on an already-open Badger database. The
// database is shared with the storage layer; bus keys live under their
// own "bus:{name}:" prefix.
func NewTopicBus(db *badger.DB, config *common.BusConfig, deadLetters *DeadLetterStore, logger arbor.ILogger) (*TopicBus, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter store is required")
	}

	name := config.Name
	if name == "" {
		name = "specto_bus"
	}
	maxReceive := config.MaxReceive
	if maxReceive <= 0 {
		maxReceive = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TopicBus{
		db:                db,
		name:              name,
		pollInterval:      common.ParseDurationOr(config.PollInterval, 250*time.Millisecond),
		visibilityTimeout: common.ParseDurationOr(config.VisibilityTimeout, 5*time.Minute),
		maxReceive:        maxReceive,
		backoffBase:       common.ParseDurationOr(config.BackoffBase, 2*time.Second),
		backoffCap:        common.ParseDurationOr(config.BackoffCap, 2*time.Minute),
		deadLetters:       deadLetters,
		logger:            logger,
		byTopic:           make(map[string][]*subscription),
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// Subscribe registers a handler for a topic under a consumer group.
// Must be called before Start.
func (b *TopicBus) Subscribe(topic string, group string, handler interfaces.BusHandler) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if group == "" {
		return fmt.Errorf("consumer group is required")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("cannot subscribe after the bus has started")
	}
	for _, sub := range b.byTopic[topic] {
		if sub.group == group {
			return fmt.Errorf("group %s already subscribed to topic %s", group, topic)
		}
	}

	sub := &subscription{
		topic:   topic,
		group:   group,
		handler: handler,
		queue:   newSubQueue(b.db, b.name, topic, group, b.visibilityTimeout),
	}
	b.subs = append(b.subs, sub)
	b.byTopic[topic] = append(b.byTopic[topic], sub)

	b.logger.Debug().
		Str("topic", topic).
		Str("group", group).
		Msg("Bus subscription registered")

	return nil
}

// Publish fans the payload out to every consumer group subscribed to
// the topic. The write is a local Badger transaction, so publishing is
// cheap and survives a restart; a topic with no subscribers drops the
// message.
func (b *TopicBus) Publish(ctx context.Context, topic string, payload interface{}, correlationID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for topic %s: %w", topic, err)
	}

	b.mu.RLock()
	subs := b.byTopic[topic]
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug().
			Str("topic", topic).
			Msg("No subscribers for topic")
		return nil
	}

	for _, sub := range subs {
		if err := sub.queue.enqueue(body, correlationID); err != nil {
			return fmt.Errorf("failed to enqueue to %s/%s: %w", topic, sub.group, err)
		}
	}

	b.logger.Debug().
		Str("topic", topic).
		Str("correlation_id", correlationID).
		Int("groups", len(subs)).
		Msg("Message published")

	return nil
}

// Start launches one dispatcher goroutine per subscription.
func (b *TopicBus) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bus already started")
	}
	b.started = true
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.logger.Info().
		Int("subscriptions", len(subs)).
		Dur("poll_interval", b.pollInterval).
		Int("max_receive", b.maxReceive).
		Msg("Starting topic bus")

	for _, sub := range subs {
		b.wg.Add(1)
		s := sub
		common.SafeGo(b.logger, fmt.Sprintf("bus-dispatch-%s-%s", s.topic, s.group), func() {
			defer b.wg.Done()
			b.dispatch(s)
		})
	}

	return nil
}

// Stop cancels the dispatchers and waits for in-flight handlers to
// finish. Unacked messages stay in Badger and redeliver on the next
// start.
func (b *TopicBus) Stop() error {
	b.cancel()
	b.wg.Wait()
	b.logger.Info().Msg("Topic bus stopped")
	return nil
}

// Depths reports the per-subscription queue depths, keyed
// "topic/group".
func (b *TopicBus) Depths() map[string]int {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	depths := make(map[string]int, len(subs))
	for _, sub := range subs {
		n, err := sub.queue.depth()
		if err != nil {
			b.logger.Warn().
				Err(err).
				Str("topic", sub.topic).
				Str("group", sub.group).
				Msg("Failed to read queue depth")
			continue
		}
		depths[sub.topic+"/"+sub.group] = n
	}
	return depths
}
