package bus

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BindingEvent names the lifecycle transitions a BindingMonitor observes.
type BindingEvent int

const (
	// EventBound fires after a producer/consumer binding is registered.
	EventBound BindingEvent = iota
	// EventDirectCollapsed fires when a producer binding collapses into a direct binding.
	EventDirectCollapsed
	// EventDirectReverted fires when a direct binding reverts to a producer binding on consumer unbind.
	EventDirectReverted
	// EventUnbound fires after a binding is stopped and removed.
	EventUnbound
	// EventStopFailed names a failed endpoint stop. BusCore does not pass it
	// to Observe: StopAll and revert stop failures are logged through Error.
	EventStopFailed
)

// String implements fmt.Stringer.
func (e BindingEvent) String() string {
	switch e {
	case EventBound:
		return "bound"
	case EventDirectCollapsed:
		return "direct_collapsed"
	case EventDirectReverted:
		return "direct_reverted"
	case EventUnbound:
		return "unbound"
	case EventStopFailed:
		return "stop_failed"
	default:
		return "unknown"
	}
}

// BindingMonitor observes binding lifecycle transitions and reports them as
// structured log events: a non-mutating observer wired onto the thing it
// watches rather than a stream item it transforms.
type BindingMonitor struct {
	log       *zap.Logger
	lastEvent atomic.Int64 // Unix nanos of the last observed event, for LastEventTime.
}

// NewBindingMonitor returns a monitor logging through log. A nil log uses
// zap.NewNop(), so observation is opt-in.
func NewBindingMonitor(log *zap.Logger) *BindingMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &BindingMonitor{log: log}
}

// Observe records a lifecycle event for binding name/role.
func (m *BindingMonitor) Observe(event BindingEvent, name string, role Role) {
	m.lastEvent.Store(time.Now().UnixNano())
	m.log.Info("binding event",
		zap.String("event", event.String()),
		zap.String("name", name),
		zap.String("role", role.String()),
	)
}

// Warn records a non-fatal condition — e.g. an invalid directBindingAllowed
// literal, or partitioning declared on a sink — as a structured warning.
func (m *BindingMonitor) Warn(message string, fields ...zap.Field) {
	m.lastEvent.Store(time.Now().UnixNano())
	m.log.Warn(message, fields...)
}

// Error records a binding-lifecycle failure that is logged and swallowed
// (StopAll, direct-binding revert) rather than propagated to the caller.
func (m *BindingMonitor) Error(message string, err error, fields ...zap.Field) {
	m.lastEvent.Store(time.Now().UnixNano())
	m.log.Error(message, append(fields, zap.Error(err))...)
}

// LastEventTime returns the time of the most recently observed event, or
// the zero Time if none has been observed yet.
func (m *BindingMonitor) LastEventTime() time.Time {
	nanos := m.lastEvent.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
