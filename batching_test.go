package bus

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestMessageBatcher_FlushesOnMaxSize(t *testing.T) {
	clock := clockz.NewFakeClock()
	batcher := NewMessageBatcher(BatchingConfig{MaxSize: 2, MaxLatency: time.Hour}, clock)
	ctx := context.Background()

	in := make(chan *Message)
	out := batcher.Process(ctx, in)

	in <- NewMessage("a")
	in <- NewMessage("b")

	select {
	case batch := <-out:
		if len(batch) != 2 {
			t.Fatalf("batch size = %d, want 2", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for size-triggered flush")
	}

	close(in)
	if _, ok := <-out; ok {
		t.Error("expected out to close after input closes with no pending batch")
	}
}

func TestMessageBatcher_FlushesOnMaxLatency(t *testing.T) {
	clock := clockz.NewFakeClock()
	batcher := NewMessageBatcher(BatchingConfig{MaxSize: 100, MaxLatency: 50 * time.Millisecond}, clock)
	ctx := context.Background()

	in := make(chan *Message)
	out := batcher.Process(ctx, in)

	in <- NewMessage("solo")

	select {
	case <-out:
		t.Fatal("flush happened before latency elapsed")
	default:
	}

	clock.Advance(50 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case batch := <-out:
		if len(batch) != 1 || batch[0].Payload != "solo" {
			t.Fatalf("batch = %#v, want one message \"solo\"", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for latency-triggered flush")
	}

	close(in)
}

func TestMessageBatcher_FlushesPartialBatchOnClose(t *testing.T) {
	clock := clockz.NewFakeClock()
	batcher := NewMessageBatcher(BatchingConfig{MaxSize: 10, MaxLatency: time.Hour}, clock)
	ctx := context.Background()

	in := make(chan *Message)
	out := batcher.Process(ctx, in)

	in <- NewMessage("only")
	close(in)

	select {
	case batch := <-out:
		if len(batch) != 1 {
			t.Fatalf("final batch size = %d, want 1", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final partial flush")
	}

	if _, ok := <-out; ok {
		t.Error("expected out to be closed after final flush")
	}
}

func TestMessageBatcher_ContextCancelStopsProcessing(t *testing.T) {
	clock := clockz.NewFakeClock()
	batcher := NewMessageBatcher(BatchingConfig{MaxSize: 10, MaxLatency: time.Hour}, clock)
	ctx, cancel := context.WithCancel(context.Background())

	in := make(chan *Message)
	out := batcher.Process(ctx, in)

	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected no batch to be emitted after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for out to close after context cancellation")
	}
}
