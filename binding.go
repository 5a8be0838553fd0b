package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// BindingState is a binding's position in its pending → active → stopped
// lifecycle.
type BindingState int

const (
	// StatePending means bind() has been requested but not yet completed.
	StatePending BindingState = iota
	// StateActive means the binding is live and carrying traffic.
	StateActive
	// StateStopped means unbind() has completed; the binding never resumes.
	StateStopped
)

// String implements fmt.Stringer.
func (s BindingState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Binding is a live attachment record: a local channel bound to a symbolic
// edge name under a Role, plus the endpoint lifecycle handle the Transport
// returned and the property snapshot it was bound with.
type Binding struct {
	ID         string
	Name       string
	Role       Role
	Channel    Channel
	Endpoint   EndpointHandle
	Properties ModuleDeploymentProperties

	mu    sync.Mutex
	state BindingState

	// directSource is the caller-supplied producer channel a DIRECT binding
	// collapsed from; nil for PRODUCER/CONSUMER bindings. Revert rebinds it
	// through the transport to restore the original PRODUCER binding.
	directSource Channel
}

// NewBinding constructs a Binding in StatePending, assigning it a fresh
// opaque id (google/uuid, the id scheme the rest of the pack standardizes
// on for record identity — ticdc, hyperforge, and SuperAgent all pull it in
// for exactly this).
func NewBinding(name string, role Role, channel Channel, endpoint EndpointHandle, props ModuleDeploymentProperties) *Binding {
	return &Binding{
		ID:         uuid.NewString(),
		Name:       name,
		Role:       role,
		Channel:    channel,
		Endpoint:   endpoint,
		Properties: props,
		state:      StatePending,
	}
}

// newDirectBinding builds a DIRECT binding short-circuiting producerChannel
// straight to consumerChannel: its Channel is the consumer's, so Send calls
// enqueue with no transport hop, and its directSource retains the original
// producer channel for UnbindConsumer's revert path.
func newDirectBinding(name string, producerChannel, consumerChannel Channel, props ModuleDeploymentProperties) *Binding {
	b := NewBinding(name, RoleDirect, consumerChannel, nil, props)
	b.directSource = producerChannel
	return b
}

// Send delivers msg on a PRODUCER or DIRECT binding's current channel. It is
// safe to call concurrently with setChannel.
func (b *Binding) Send(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	ch := b.Channel
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("binding %q has no channel to send on", b.Name)
	}
	return ch.Send(ctx, msg)
}

// setChannel swaps the binding's live channel in place. BusCore's collapse
// and revert do not use it: they build a new Binding instead.
func (b *Binding) setChannel(ch Channel) {
	b.mu.Lock()
	b.Channel = ch
	b.mu.Unlock()
}

// setRole swaps the binding's role in place.
func (b *Binding) setRole(r Role) {
	b.mu.Lock()
	b.Role = r
	b.mu.Unlock()
}

// setEndpoint swaps the binding's endpoint handle in place.
func (b *Binding) setEndpoint(e EndpointHandle) {
	b.mu.Lock()
	b.Endpoint = e
	b.mu.Unlock()
}

// Activate transitions a pending binding to active.
func (b *Binding) Activate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StatePending {
		b.state = StateActive
	}
}

// State returns the binding's current lifecycle state.
func (b *Binding) State() BindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stop transitions the binding to stopped and stops its endpoint handle.
// Safe to call more than once; only the first call stops the endpoint.
func (b *Binding) Stop() error {
	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopped
	b.mu.Unlock()

	if b.Endpoint != nil {
		return b.Endpoint.Stop()
	}
	return nil
}

// BindingTable is the thread-safe registry of active bindings keyed by name.
// A single mutex covers every read, write, and snapshot so callers always
// see a consistent view.
type BindingTable struct {
	mu       sync.Mutex
	byName   map[string][]*Binding
}

// NewBindingTable returns an empty table.
func NewBindingTable() *BindingTable {
	return &BindingTable{byName: map[string][]*Binding{}}
}

// Add registers b under its Name.
func (t *BindingTable) Add(b *Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[b.Name] = append(t.byName[b.Name], b)
}

// Remove drops b from the table. It is a no-op if b is not present.
func (t *BindingTable) Remove(b *Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bindings := t.byName[b.Name]
	for i, existing := range bindings {
		if existing == b {
			t.byName[b.Name] = append(bindings[:i], bindings[i+1:]...)
			break
		}
	}
	if len(t.byName[b.Name]) == 0 {
		delete(t.byName, b.Name)
	}
}

// FindByName returns the single binding matching name and role. A CONSUMER
// or DIRECT binding uniquely identifies that edge's consumer side, so the
// first match is returned; callers relying on PRODUCER fan-out should use
// FindAll instead.
func (t *BindingTable) FindByName(name string, role Role) (*Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.byName[name] {
		if b.Role == role {
			return b, true
		}
	}
	return nil, false
}

// FindAll returns every binding registered under name, regardless of role.
func (t *BindingTable) FindAll(name string) []*Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Binding(nil), t.byName[name]...)
}

// FindAllByRole returns every binding registered under name with the given role.
func (t *BindingTable) FindAllByRole(name string, role Role) []*Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Binding
	for _, b := range t.byName[name] {
		if b.Role == role {
			out = append(out, b)
		}
	}
	return out
}

// Snapshot copies out every binding currently registered, so callers can
// range freely without holding the table's mutex — iterators must never
// escape the critical section.
func (t *BindingTable) Snapshot() []*Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Binding
	for _, bindings := range t.byName {
		out = append(out, bindings...)
	}
	return out
}
