package bus

import (
	"context"
	"sync"
)

// Transport is the external collaborator contract BusCore delegates to for
// everything a concrete broker, in-memory bus, or other carrier needs to do:
// establish and tear down the physical conduit behind a symbolic edge name.
// Concrete transport implementations (a Kafka/Pulsar/RabbitMQ binding, etc.)
// are explicitly out of scope for this repo; this interface is the seam
// they plug into.
type Transport interface {
	BindProducer(ctx context.Context, name string, channel Channel, props ModuleDeploymentProperties) (EndpointHandle, error)
	BindConsumer(ctx context.Context, name string, channel Channel, props ModuleDeploymentProperties) (EndpointHandle, error)
	BindPubSubProducer(ctx context.Context, name string, channel Channel, props ModuleDeploymentProperties) (EndpointHandle, error)
	BindPubSubConsumer(ctx context.Context, name string, channel Channel, props ModuleDeploymentProperties) (EndpointHandle, error)
}

// EndpointHandle is the lifecycle handle a Transport returns for a bound
// endpoint. Stop must be idempotent and safe to call concurrently with other
// endpoint stops.
type EndpointHandle interface {
	Stop() error
}

// LocalTransport is the bus's bundled reference Transport: an in-memory
// carrier used by tests so BusCore is exercisable without a real broker. It is not a production transport — no
// persistence, no cross-process delivery.
type LocalTransport struct {
	registry *SharedChannelRegistry
}

// NewLocalTransport returns a LocalTransport backed by a fresh SharedChannelRegistry.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{registry: NewSharedChannelRegistry(nil)}
}

// endpointHandle cancels the forwarding goroutine started by a bind call.
type endpointHandle struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *endpointHandle) Stop() error {
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
	return nil
}

func newEndpointHandle(parent context.Context) (*endpointHandle, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &endpointHandle{cancel: cancel, done: make(chan struct{})}, ctx
}

// BindProducer forwards every message the caller sends on channel onto the
// shared point-to-point edge named name, fanning in alongside any other
// producer bound to the same name.
func (t *LocalTransport) BindProducer(ctx context.Context, name string, channel Channel, _ ModuleDeploymentProperties) (EndpointHandle, error) {
	return t.forward(ctx, channel, t.registry.LookupOrCreate(name, ModePointToPoint))
}

// BindConsumer delivers every message sent on the shared point-to-point edge
// named name into channel.
func (t *LocalTransport) BindConsumer(ctx context.Context, name string, channel Channel, _ ModuleDeploymentProperties) (EndpointHandle, error) {
	return t.forwardInto(ctx, t.registry.LookupOrCreate(name, ModePointToPoint), channel)
}

// BindPubSubProducer forwards messages onto the shared pub-sub edge named
// name, broadcasting to every subscriber.
func (t *LocalTransport) BindPubSubProducer(ctx context.Context, name string, channel Channel, _ ModuleDeploymentProperties) (EndpointHandle, error) {
	return t.forward(ctx, channel, t.registry.LookupOrCreate(name, ModePubSub))
}

// BindPubSubConsumer subscribes to the shared pub-sub edge named name and
// delivers every broadcast message into channel.
func (t *LocalTransport) BindPubSubConsumer(ctx context.Context, name string, channel Channel, _ ModuleDeploymentProperties) (EndpointHandle, error) {
	return t.forwardInto(ctx, t.registry.LookupOrCreate(name, ModePubSub), channel)
}

func (t *LocalTransport) forward(parent context.Context, from, to Channel) (EndpointHandle, error) {
	src, err := from.Receive(parent)
	if err != nil {
		return nil, err
	}
	handle, ctx := newEndpointHandle(parent)
	go func() {
		defer close(handle.done)
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				_ = to.Send(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return handle, nil
}

func (t *LocalTransport) forwardInto(parent context.Context, from, to Channel) (EndpointHandle, error) {
	return t.forward(parent, from, to)
}
