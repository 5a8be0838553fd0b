// Package bus implements the binding engine of a stream message-bus runtime:
// the subsystem that takes a declarative pipeline of processing modules (a
// "stream": source → processor₁ → … → sink) and binds each adjacent module
// pair through a pluggable message-transport abstraction, computing the
// routing, partitioning, replication, retry, and direct-binding decisions
// required to make the pipeline execute correctly.
//
// The two central types are PropertyPlanner, which derives per-module
// runtime properties from a Stream, and BusCore, which turns those
// properties into live Bindings against a Transport plugin.
//
// Basic usage:
//
//	table := bus.NewBindingTable()
//	registry := bus.NewSharedChannelRegistry(nil)
//	transport := bus.NewLocalTransport()
//	monitor := bus.NewBindingMonitor(nil)
//	core := bus.NewBusCore(table, registry, transport, monitor)
//
//	planner := bus.NewPropertyPlanner(provider, monitor)
//	props, err := planner.Plan(stream, module)
//	producerProps := bus.ExtractProducerProperties(props.ModuleDeploymentProperties)
//	binding, err := core.BindProducer(ctx, "orders", localChan, producerProps)
package bus

import "time"

// Role identifies which side of an edge a Binding occupies.
type Role int

const (
	// RoleProducer is the sending side of an edge.
	RoleProducer Role = iota
	// RoleConsumer is the receiving side of an edge.
	RoleConsumer
	// RoleDirect is an in-process short-circuit collapsing a co-located
	// producer/consumer pair.
	RoleDirect
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	case RoleDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Recognized message headers.
const (
	HeaderContentType         = "contentType"
	HeaderOriginalContentType = "originalContentType"
	HeaderPartition           = "partition"
)

// Content types recognized by SerializeIfNecessary/DeserializeIfNecessary.
const (
	ContentTypeAll         = "*/*"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeTextPlain   = "text/plain"
)

// Message is the wire-level unit BusCore, Codec, and Transport operate on.
type Message struct {
	Payload any
	Headers map[string]string
}

// NewMessage builds a Message with a fresh header map.
func NewMessage(payload any) *Message {
	return &Message{Payload: payload, Headers: map[string]string{}}
}

// Header returns the named header and whether it was present.
func (m *Message) Header(name string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	v, ok := m.Headers[name]
	return v, ok
}

// SetHeader sets a header, creating the header map if necessary.
func (m *Message) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers[name] = value
}

// RemoveHeader deletes a header if present.
func (m *Message) RemoveHeader(name string) {
	delete(m.Headers, name)
}

// Clone returns a shallow copy of m with an independent header map.
func (m *Message) Clone() *Message {
	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}
	return &Message{Payload: m.Payload, Headers: headers}
}

// millis is a small helper shared by property-driven timing conversions.
func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
