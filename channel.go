package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ChannelMode identifies the delivery semantics of a Channel.
type ChannelMode int

const (
	// ModePointToPoint delivers each message to exactly one consumer.
	ModePointToPoint ChannelMode = iota
	// ModePubSub broadcasts each message to every subscribed consumer.
	ModePubSub
	// ModeJob delivers each message to exactly one worker among a pool,
	// distinguishing job channels from plain point-to-point queues for
	// transports that schedule work differently.
	ModeJob
)

// Channel name prefixes recognized by ParseChannelName.
const (
	queuePrefix = "queue:"
	topicPrefix = "topic:"
	jobPrefix   = "job:"
)

// ParseChannelName classifies name per the channel name grammar:
// queue:<name>, topic:<name>, job:<name>, or a bare dynamic pipeline edge.
// It returns the mode and the name with its prefix stripped.
func ParseChannelName(name string) (mode ChannelMode, bare string, named bool) {
	switch {
	case strings.HasPrefix(name, queuePrefix):
		return ModePointToPoint, strings.TrimPrefix(name, queuePrefix), true
	case strings.HasPrefix(name, topicPrefix):
		return ModePubSub, strings.TrimPrefix(name, topicPrefix), true
	case strings.HasPrefix(name, jobPrefix):
		return ModeJob, strings.TrimPrefix(name, jobPrefix), true
	default:
		return ModePointToPoint, name, false
	}
}

// Channel is a first-class message conduit. Concrete transports decide how
// Send/Receive map onto broker semantics; LocalTransport's implementation is
// an in-memory reference used by tests.
type Channel interface {
	Send(ctx context.Context, msg *Message) error
	Receive(ctx context.Context) (<-chan *Message, error)
	Mode() ChannelMode
	Close() error
}

// SharedChannelRegistry provides idempotent name → Channel lookup/creation.
// Mutual exclusion spans the lookup-then-create sequence so two concurrent
// callers for the same name never race into creating two channels — a
// single mutex guarding a lookup-then-create cache.
type SharedChannelRegistry struct {
	mu       sync.Mutex
	channels map[string]Channel
	factory  func(mode ChannelMode) Channel
}

// NewSharedChannelRegistry returns a registry that creates channels with factory.
// A nil factory defaults to in-memory LocalChannel instances.
func NewSharedChannelRegistry(factory func(mode ChannelMode) Channel) *SharedChannelRegistry {
	if factory == nil {
		factory = func(mode ChannelMode) Channel { return NewLocalChannel(mode, 0) }
	}
	return &SharedChannelRegistry{channels: map[string]Channel{}, factory: factory}
}

// LookupSharedChannel returns the channel registered under name, if any.
func (r *SharedChannelRegistry) LookupSharedChannel(name string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// CreateAndRegisterChannel creates a channel of mode and records it under
// name. Idempotent: a second call for the same name returns the first
// channel without creating a new one.
func (r *SharedChannelRegistry) CreateAndRegisterChannel(name string, mode ChannelMode) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	ch := r.factory(mode)
	r.channels[name] = ch
	return ch
}

// LookupOrCreate composes LookupSharedChannel and CreateAndRegisterChannel
// under a single critical section.
func (r *SharedChannelRegistry) LookupOrCreate(name string, mode ChannelMode) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	ch := r.factory(mode)
	r.channels[name] = ch
	return ch
}

// Remove drops name from the registry and closes its channel, if present.
// Used by BusCore to tear down a dynamically created channel when the
// subsequent transport bind fails.
func (r *SharedChannelRegistry) Remove(name string) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if ok {
		delete(r.channels, name)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ch.Close()
}

// LocalChannel is an in-memory Channel. In ModePointToPoint/ModeJob mode it
// delivers each message to exactly one of possibly many receivers
// (round-robin via a shared buffered channel — fan-in of many producers to
// one consumer). In ModePubSub mode, every call to Receive registers a new
// subscriber and every Send fans the message out to all of them —
// broadcast to many.
type LocalChannel struct {
	mode ChannelMode

	mu          sync.Mutex
	closed      bool
	queue       chan *Message   // ModePointToPoint / ModeJob
	subscribers []chan *Message // ModePubSub
	bufferSize  int
}

// NewLocalChannel creates an in-memory channel of the given mode. bufferSize
// sizes the underlying Go channel(s); 0 means unbuffered.
func NewLocalChannel(mode ChannelMode, bufferSize int) *LocalChannel {
	c := &LocalChannel{mode: mode, bufferSize: bufferSize}
	if mode != ModePubSub {
		c.queue = make(chan *Message, bufferSize)
	}
	return c
}

// Mode implements Channel.
func (c *LocalChannel) Mode() ChannelMode { return c.mode }

// Send implements Channel.
func (c *LocalChannel) Send(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel closed")
	}
	if c.mode == ModePubSub {
		subs := append([]chan *Message(nil), c.subscribers...)
		c.mu.Unlock()
		for _, sub := range subs {
			select {
			case sub <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	queue := c.queue
	c.mu.Unlock()

	select {
	case queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Channel. For pub-sub channels each call registers an
// independent subscriber that receives every subsequent Send.
func (c *LocalChannel) Receive(_ context.Context) (<-chan *Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("channel closed")
	}
	if c.mode == ModePubSub {
		sub := make(chan *Message, c.bufferSize)
		c.subscribers = append(c.subscribers, sub)
		return sub, nil
	}
	return c.queue, nil
}

// Close implements Channel.
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.mode == ModePubSub {
		for _, sub := range c.subscribers {
			close(sub)
		}
	} else {
		close(c.queue)
	}
	return nil
}
