package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
)

func newTestBus(t *testing.T, config *common.BusConfig) (*TopicBus, *DeadLetterStore) {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := arbor.NewLogger()
	deadLetters := NewDeadLetterStore(store, logger)

	if config == nil {
		config = &common.BusConfig{}
	}
	if config.PollInterval == "" {
		config.PollInterval = "10ms"
	}
	if config.BackoffBase == "" {
		config.BackoffBase = "10ms"
	}
	if config.BackoffCap == "" {
		config.BackoffCap = "100ms"
	}

	b, err := NewTopicBus(store.Badger(), config, deadLetters, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })

	return b, deadLetters
}

type testPayload struct {
	JobID string `json:"job_id" validate:"required"`
	Seq   int    `json:"seq"`
}

func TestTopicBus_PublishSubscribe(t *testing.T) {
	b, _ := newTestBus(t, nil)

	var mu sync.Mutex
	var received []testPayload

	err := b.Subscribe("test.topic", "workers", func(ctx context.Context, delivery interfaces.Delivery) error {
		var payload testPayload
		if err := Decode(delivery, &payload); err != nil {
			return err
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "test.topic", testPayload{JobID: "J1", Seq: i}, "J1"))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, payload := range received {
		assert.Equal(t, "J1", payload.JobID)
		assert.Equal(t, i, payload.Seq, "single dispatcher preserves publish order")
	}
}

func TestTopicBus_FanOutToGroups(t *testing.T) {
	b, _ := newTestBus(t, nil)

	var mu sync.Mutex
	counts := map[string]int{}

	handlerFor := func(group string) interfaces.BusHandler {
		return func(ctx context.Context, delivery interfaces.Delivery) error {
			mu.Lock()
			counts[group]++
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, b.Subscribe("test.topic", "segmenters", handlerFor("segmenters")))
	require.NoError(t, b.Subscribe("test.topic", "embedders", handlerFor("embedders")))
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(context.Background(), "test.topic", testPayload{JobID: "J1"}, "J1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["segmenters"] == 1 && counts["embedders"] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTopicBus_RetryThenSuccess(t *testing.T) {
	b, _ := newTestBus(t, nil)

	var mu sync.Mutex
	var receiveCounts []int

	err := b.Subscribe("test.topic", "workers", func(ctx context.Context, delivery interfaces.Delivery) error {
		mu.Lock()
		receiveCounts = append(receiveCounts, delivery.ReceiveCount)
		attempt := len(receiveCounts)
		mu.Unlock()
		if attempt < 3 {
			return errors.New("transient failure")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(context.Background(), "test.topic", testPayload{JobID: "J1"}, "J1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(receiveCounts) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, receiveCounts)
}

func TestTopicBus_DeadLetterAfterReceiveLimit(t *testing.T) {
	b, deadLetters := newTestBus(t, &common.BusConfig{MaxReceive: 2})

	var mu sync.Mutex
	attempts := 0

	err := b.Subscribe("test.topic", "workers", func(ctx context.Context, delivery interfaces.Delivery) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("always fails")
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(context.Background(), "test.topic", testPayload{JobID: "J1"}, "J1"))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		count, err := deadLetters.Count(ctx)
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	letters, err := deadLetters.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "test.topic", letters[0].Topic)
	assert.Equal(t, "workers", letters[0].Group)
	assert.Equal(t, 2, letters[0].ReceiveCount)
	assert.Contains(t, letters[0].Reason, "receive limit reached")

	// The poisoned message is gone from the queue.
	require.Eventually(t, func() bool {
		return b.Depths()["test.topic/workers"] == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTopicBus_NonRetryableDeadLettersImmediately(t *testing.T) {
	b, deadLetters := newTestBus(t, nil)

	var mu sync.Mutex
	attempts := 0

	err := b.Subscribe("test.topic", "workers", func(ctx context.Context, delivery interfaces.Delivery) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return NonRetryable(errors.New("bad payload"))
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(context.Background(), "test.topic", testPayload{JobID: "J1"}, "J1"))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		count, err := deadLetters.Count(ctx)
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, attempts, "no retry for a non-retryable failure")
	mu.Unlock()

	letters, err := deadLetters.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].ReceiveCount)
}

func TestTopicBus_PanickingHandlerIsContained(t *testing.T) {
	b, deadLetters := newTestBus(t, &common.BusConfig{MaxReceive: 1})

	err := b.Subscribe("test.topic", "workers", func(ctx context.Context, delivery interfaces.Delivery) error {
		panic("handler bug")
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(context.Background(), "test.topic", testPayload{JobID: "J1"}, "J1"))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		count, err := deadLetters.Count(ctx)
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond)

	letters, err := deadLetters.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "handler panic")
}

func TestTopicBus_SubscriptionRules(t *testing.T) {
	b, _ := newTestBus(t, nil)

	require.Error(t, b.Subscribe("", "workers", func(context.Context, interfaces.Delivery) error { return nil }))
	require.Error(t, b.Subscribe("test.topic", "", func(context.Context, interfaces.Delivery) error { return nil }))
	require.Error(t, b.Subscribe("test.topic", "workers", nil))

	require.NoError(t, b.Subscribe("test.topic", "workers", func(context.Context, interfaces.Delivery) error { return nil }))
	err := b.Subscribe("test.topic", "workers", func(context.Context, interfaces.Delivery) error { return nil })
	require.Error(t, err, "duplicate (topic, group) rejected")

	require.NoError(t, b.Start())
	err = b.Subscribe("other.topic", "workers", func(context.Context, interfaces.Delivery) error { return nil })
	require.Error(t, err, "no subscriptions after start")
}

func TestTopicBus_PublishWithoutSubscribersDrops(t *testing.T) {
	b, _ := newTestBus(t, nil)
	require.NoError(t, b.Publish(context.Background(), "nobody.listens", testPayload{JobID: "J1"}, "J1"))
	assert.Empty(t, b.Depths())
}

func TestTopicBus_MessagesSurviveUnstartedBus(t *testing.T) {
	b, _ := newTestBus(t, nil)

	var mu sync.Mutex
	received := 0

	require.NoError(t, b.Subscribe("test.topic", "workers", func(ctx context.Context, delivery interfaces.Delivery) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}))

	// Published before Start: the message waits in Badger.
	require.NoError(t, b.Publish(context.Background(), "test.topic", testPayload{JobID: "J1"}, "J1"))
	assert.Equal(t, 1, b.Depths()["test.topic/workers"])

	require.NoError(t, b.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBackoffFor_CappedExponential(t *testing.T) {
	b := &TopicBus{backoffBase: 2 * time.Second, backoffCap: 30 * time.Second}

	cases := []struct {
		receiveCount int
		want         time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		got := b.backoffFor(tc.receiveCount)
		if got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.receiveCount, got, tc.want)
		}
	}
}

func TestDecode_ValidationFailuresAreNonRetryable(t *testing.T) {
	delivery := interfaces.Delivery{Topic: "test.topic", Body: []byte(`{"seq": 1}`)}
	var payload testPayload
	err := Decode(delivery, &payload)
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err), "missing required field must not retry")

	delivery.Body = []byte(`{not json`)
	err = Decode(delivery, &payload)
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err), "malformed JSON must not retry")

	delivery.Body = []byte(`{"job_id": "J1", "seq": 2}`)
	require.NoError(t, Decode(delivery, &payload))
	assert.Equal(t, "J1", payload.JobID)
	assert.Equal(t, 2, payload.Seq)
}

func TestDeadLetterStore_RecordListPurge(t *testing.T) {
	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	defer store.Close()

	deadLetters := NewDeadLetterStore(store, arbor.NewLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := deadLetters.Record(ctx, &interfaces.DeadLetter{
			MessageID:  fmt.Sprintf("msg_%d", i),
			Topic:      "test.topic",
			Group:      "workers",
			Reason:     "always fails",
			EnqueuedAt: time.Now(),
			DeadAt:     time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	count, err := deadLetters.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	letters, err := deadLetters.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "msg_2", letters[0].MessageID, "newest first")

	purged, err := deadLetters.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)

	count, err = deadLetters.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
