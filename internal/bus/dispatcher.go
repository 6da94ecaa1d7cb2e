package bus

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ternarybob/specto/internal/interfaces"
)

// dispatch is the per-subscription delivery loop. A single goroutine
// per subscription keeps deliveries ordered within the group.
func (b *TopicBus) dispatch(sub *subscription) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	b.logger.Debug().
		Str("topic", sub.topic).
		Str("group", sub.group).
		Msg("Dispatcher started")

	for {
		select {
		case <-b.ctx.Done():
			b.logger.Debug().
				Str("topic", sub.topic).
				Str("group", sub.group).
				Msg("Dispatcher stopped")
			return
		case <-ticker.C:
			b.drain(sub)
		}
	}
}

// drain processes ready messages until the queue is empty or the bus is
// stopping.
func (b *TopicBus) drain(sub *subscription) {
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		msg, err := sub.queue.receive()
		if err == ErrNoMessage {
			return
		}
		if err != nil {
			b.logger.Warn().
				Err(err).
				Str("topic", sub.topic).
				Str("group", sub.group).
				Msg("Failed to receive message")
			return
		}

		b.deliver(sub, msg)
	}
}

func (b *TopicBus) deliver(sub *subscription, msg *storedMessage) {
	delivery := interfaces.Delivery{
		MessageID:     msg.ID,
		Topic:         msg.Topic,
		CorrelationID: msg.CorrelationID,
		Body:          msg.Body,
		ReceiveCount:  msg.ReceiveCount,
		EnqueuedAt:    msg.EnqueuedAt,
	}

	// A crash between claim and outcome can push the count past the
	// limit without a handler verdict; dead-letter rather than loop.
	if msg.ReceiveCount > b.maxReceive {
		b.deadLetter(sub, msg, "receive limit exceeded")
		return
	}

	start := time.Now()
	err := b.invoke(sub, delivery)
	if err == nil {
		if ackErr := sub.queue.ack(msg.ID); ackErr != nil {
			b.logger.Warn().
				Err(ackErr).
				Str("message_id", msg.ID).
				Str("topic", sub.topic).
				Msg("Failed to ack message")
		}
		b.logger.Debug().
			Str("message_id", msg.ID).
			Str("topic", sub.topic).
			Str("group", sub.group).
			Dur("duration", time.Since(start)).
			Msg("Message handled")
		return
	}

	if IsNonRetryable(err) {
		b.logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Str("topic", sub.topic).
			Str("group", sub.group).
			Msg("Non-retryable handler failure")
		b.deadLetter(sub, msg, err.Error())
		return
	}

	if msg.ReceiveCount >= b.maxReceive {
		b.logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Str("topic", sub.topic).
			Str("group", sub.group).
			Int("receive_count", msg.ReceiveCount).
			Msg("Receive limit reached, dead-lettering message")
		b.deadLetter(sub, msg, fmt.Sprintf("receive limit reached: %v", err))
		return
	}

	delay := b.backoffFor(msg.ReceiveCount)
	b.logger.Warn().
		Err(err).
		Str("message_id", msg.ID).
		Str("topic", sub.topic).
		Str("group", sub.group).
		Int("receive_count", msg.ReceiveCount).
		Dur("retry_in", delay).
		Msg("Handler failed, message requeued")

	if relErr := sub.queue.release(msg.ID, delay); relErr != nil {
		// The visibility timeout still redelivers it, just later.
		b.logger.Warn().
			Err(relErr).
			Str("message_id", msg.ID).
			Msg("Failed to release message for retry")
	}
}

// invoke runs the handler with panic containment: a panicking handler
// must not take the dispatcher down with it.
func (b *TopicBus) invoke(sub *subscription, delivery interfaces.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("topic", sub.topic).
				Str("group", sub.group).
				Str("message_id", delivery.MessageID).
				Str("stack", string(debug.Stack())).
				Msgf("Handler panic: %v", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(b.ctx, delivery)
}

// backoffFor returns the capped exponential retry delay for the given
// attempt number (1-based).
func (b *TopicBus) backoffFor(receiveCount int) time.Duration {
	delay := b.backoffBase
	for i := 1; i < receiveCount; i++ {
		delay *= 2
		if delay >= b.backoffCap {
			return b.backoffCap
		}
	}
	if delay > b.backoffCap {
		return b.backoffCap
	}
	return delay
}

func (b *TopicBus) deadLetter(sub *subscription, msg *storedMessage, reason string) {
	record := &interfaces.DeadLetter{
		MessageID:     msg.ID,
		Topic:         msg.Topic,
		Group:         msg.Group,
		CorrelationID: msg.CorrelationID,
		Body:          msg.Body,
		ReceiveCount:  msg.ReceiveCount,
		Reason:        reason,
		EnqueuedAt:    msg.EnqueuedAt,
	}
	if err := b.deadLetters.Record(b.ctx, record); err != nil {
		b.logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Str("topic", sub.topic).
			Msg("Failed to record dead letter")
		// Leave the message claimed; the visibility timeout retries the
		// dead-letter write on redelivery.
		return
	}

	if err := sub.queue.ack(msg.ID); err != nil {
		b.logger.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to remove dead-lettered message")
	}
}
