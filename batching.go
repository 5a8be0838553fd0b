package bus

import (
	"context"
	"time"
)

// BatchingConfig controls producer-side message batching: a batch is
// flushed when either MaxSize is reached or MaxLatency elapses since the
// first message joined the batch, whichever comes first.
type BatchingConfig struct {
	MaxSize    int
	MaxLatency time.Duration
	// BufferLimit carries producer.batchBufferLimit. MessageBatcher does not
	// read it, so it places no bound on how many messages are queued.
	BufferLimit int
}

// NewBatchingConfig derives a BatchingConfig from producer.batchSize,
// producer.batchBufferLimit, and producer.batchTimeout (PropertyAccessor).
func NewBatchingConfig(acc *PropertyAccessor) BatchingConfig {
	return BatchingConfig{
		MaxSize:     acc.BatchSize(),
		MaxLatency:  millis(acc.BatchTimeout()),
		BufferLimit: acc.BatchBufferLimit(),
	}
}

// MessageBatcher groups a stream of *Message onto a channel of []*Message,
// flushing on whichever of size or latency triggers first. Narrowed to the
// one payload type BusCore's producer path carries.
type MessageBatcher struct {
	config BatchingConfig
	clock  Clock
}

// NewMessageBatcher returns a MessageBatcher using clock for its flush
// timer. A nil clock uses RealClock.
func NewMessageBatcher(config BatchingConfig, clock Clock) *MessageBatcher {
	if clock == nil {
		clock = RealClock
	}
	return &MessageBatcher{config: config, clock: clock}
}

// Process consumes in and emits []*Message batches on the returned channel,
// closing it once in is drained and any final partial batch is flushed.
func (b *MessageBatcher) Process(ctx context.Context, in <-chan *Message) <-chan []*Message {
	out := make(chan []*Message)

	go func() {
		defer close(out)

		batch := make([]*Message, 0, b.config.MaxSize)
		var timer Timer
		var timerC <-chan time.Time

		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			select {
			case out <- batch:
				batch = make([]*Message, 0, b.config.MaxSize)
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case msg, ok := <-in:
				if !ok {
					if timer != nil {
						timer.Stop()
					}
					flush()
					return
				}

				batch = append(batch, msg)

				if len(batch) == 1 && b.config.MaxLatency > 0 {
					if timer != nil {
						timer.Stop()
					}
					timer = b.clock.NewTimer(b.config.MaxLatency)
					timerC = timer.C()
				}

				if len(batch) >= b.config.MaxSize {
					if timer != nil {
						timer.Stop()
						timer = nil
						timerC = nil
					}
					if !flush() {
						return
					}
				}

			case <-timerC:
				timer = nil
				timerC = nil
				if !flush() {
					return
				}

			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()

	return out
}
