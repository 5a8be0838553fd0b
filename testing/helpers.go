// Package testing provides shared test utilities for the bus package's
// test suite: collecting messages off a channel within a deadline, and
// waiting for a single message on a Channel's Receive() stream.
package testing

import (
	"context"
	"testing"
	"time"

	bus "github.com/streamrt/bus"
)

// CollectMessages drains ch until it closes or timeout elapses, returning
// whatever messages arrived. Used by tests that assert on a batch or a
// fan-out's full delivery set rather than a single message.
func CollectMessages(t *testing.T, ch <-chan *bus.Message, timeout time.Duration) []*bus.Message {
	t.Helper()

	var msgs []*bus.Message
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timer.C:
			return msgs
		}
	}
}

// ReceiveOne calls ch.Receive and waits for exactly one message, failing
// the test if none arrives before timeout.
func ReceiveOne(t *testing.T, ctx context.Context, ch bus.Channel, timeout time.Duration) *bus.Message {
	t.Helper()

	out, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	select {
	case msg, ok := <-out:
		if !ok {
			t.Fatal("Receive() channel closed before a message arrived")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a message")
	}
	return nil
}

// Payloads extracts the Payload field from a slice of messages, for
// assertions that only care about delivery order/content, not headers.
func Payloads(msgs []*bus.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload
	}
	return out
}

// AssertNoError fails the test immediately if err is non-nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
