package bus

// ModuleDescriptor identifies a module's position within a Stream and names
// its static deployment properties. Immutable once constructed.
type ModuleDescriptor struct {
	StreamName string
	Label      string
	Index      int
	Properties ModuleDeploymentProperties
}

// Stream is an ordered, non-empty sequence of ModuleDescriptors. Module 0 is
// the source (no upstream); the last module is the sink (no downstream).
// Immutable once deployed.
type Stream struct {
	Name    string
	Modules []ModuleDescriptor
}

// NewStream builds a Stream from modules, stamping each descriptor's Index
// and StreamName to match its position.
func NewStream(name string, modules []ModuleDescriptor) *Stream {
	stamped := make([]ModuleDescriptor, len(modules))
	for i, m := range modules {
		m.Index = i
		m.StreamName = name
		stamped[i] = m
	}
	return &Stream{Name: name, Modules: stamped}
}

// IsSource reports whether index 0 — no upstream module.
func (s *Stream) IsSource(index int) bool { return index == 0 }

// IsSink reports whether index is the last module — no downstream module.
func (s *Stream) IsSink(index int) bool { return index == len(s.Modules)-1 }

// Previous returns the module preceding index, if any.
func (s *Stream) Previous(index int) (ModuleDescriptor, bool) {
	if index <= 0 || index > len(s.Modules) {
		return ModuleDescriptor{}, false
	}
	return s.Modules[index-1], true
}

// Next returns the module following index, if any.
func (s *Stream) Next(index int) (ModuleDescriptor, bool) {
	if index < 0 || index+1 >= len(s.Modules) {
		return ModuleDescriptor{}, false
	}
	return s.Modules[index+1], true
}

// PropertyProvider resolves a module's base deployment properties and its
// assigned replica sequence. The planner never reads a Stream's descriptors
// directly for this — it goes through the provider, so deployment-time
// overrides (injected per replica) take precedence over what the Stream was
// declared with.
type PropertyProvider interface {
	PropertiesFor(module ModuleDescriptor) ModuleDeploymentProperties
	SequenceFor(module ModuleDescriptor) int
}

// staticPropertyProvider is the trivial PropertyProvider: it returns each
// module's declared properties unmodified and a fixed sequence, useful for
// tests and single-replica deployments.
type staticPropertyProvider struct {
	sequence int
}

// NewStaticPropertyProvider returns a PropertyProvider that reports sequence
// for every module and otherwise defers entirely to the Stream's declared properties.
func NewStaticPropertyProvider(sequence int) PropertyProvider {
	return &staticPropertyProvider{sequence: sequence}
}

func (p *staticPropertyProvider) PropertiesFor(module ModuleDescriptor) ModuleDeploymentProperties {
	return module.Properties
}

func (p *staticPropertyProvider) SequenceFor(module ModuleDescriptor) int {
	return p.sequence
}
