package bus

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// PropertyPlanner derives the runtime deployment properties for one module
// of a Stream: consumer-side properties describing its relationship to the
// previous module, producer-side properties describing its relationship to
// the next, and the direct-binding eligibility decision. Planning has no
// side effects on the Stream; it only reads through the injected provider.
type PropertyPlanner struct {
	provider PropertyProvider
	monitor  *BindingMonitor
}

// NewPropertyPlanner returns a planner reading module properties through
// provider. A nil monitor discards planning warnings (invalid
// directBindingAllowed literals, partitioning declared on a sink).
func NewPropertyPlanner(provider PropertyProvider, monitor *BindingMonitor) *PropertyPlanner {
	if monitor == nil {
		monitor = NewBindingMonitor(nil)
	}
	return &PropertyPlanner{provider: provider, monitor: monitor}
}

// Plan computes module's RuntimeModuleDeploymentProperties within stream.
func (p *PropertyPlanner) Plan(stream *Stream, module ModuleDescriptor) (RuntimeModuleDeploymentProperties, error) {
	sequence := p.provider.SequenceFor(module)
	out := p.provider.PropertiesFor(module).Clone()
	acc := NewPropertyAccessor(out)
	index := module.Index

	if prev, ok := stream.Previous(index); ok {
		prevAcc := NewPropertyAccessor(p.provider.PropertiesFor(prev))

		out[ConsumerPrefix+PropSequence] = strconv.Itoa(sequence)
		out[ConsumerPrefix+PropCount] = strconv.Itoa(acc.Count())

		if prevAcc.IsPartitioned() {
			out[ConsumerPrefix+PropPartitionIndex] = strconv.Itoa(sequence - 1)
		}
	}

	if next, ok := stream.Next(index); ok {
		nextAcc := NewPropertyAccessor(p.provider.PropertiesFor(next))
		if v, ok := nextAcc.raw(PropModuleCount); ok && v != "" {
			out[ProducerPrefix+PropNextModuleCount] = v
		}
		if v, ok := nextAcc.raw(PropModuleConcurrency); ok && v != "" {
			out[ProducerPrefix+PropNextModuleConcurrency] = v
		}
	}

	switch {
	case acc.IsPartitioned():
		next, ok := stream.Next(index)
		if !ok {
			p.monitor.Warn("partitioning declared on sink module, ignored", zap.String("module", module.Label))
			break
		}
		nextAcc := NewPropertyAccessor(p.provider.PropertiesFor(next))
		raw, present := nextAcc.raw(PropModuleCount)
		count, err := parsePartitionCount(raw, present)
		if err != nil {
			return RuntimeModuleDeploymentProperties{}, &ValidationError{
				Keys:   []string{PropPartitionCount},
				Reason: "module " + module.Label + ": " + err.Error(),
			}
		}
		out[ProducerPrefix+PropPartitionCount] = strconv.Itoa(count)

	case !stream.IsSink(index):
		next, _ := stream.Next(index)
		nextAcc := NewPropertyAccessor(p.provider.PropertiesFor(next))

		eligible := acc.DirectBindingAllowed(func(msg string) { p.monitor.Warn(msg, zap.String("module", module.Label)) }) &&
			!acc.IsPartitioned() &&
			acc.Count() == 0 && nextAcc.Count() == 0 &&
			criteriaMatch(acc, nextAcc)

		if eligible {
			out[ProducerPrefix+PropDirectBindingAllowed] = "true"
		}
	}

	return RuntimeModuleDeploymentProperties{ModuleDeploymentProperties: out, Sequence: sequence}, nil
}

// parsePartitionCount validates a declared next-module count as a partition
// count: it must parse as an integer strictly greater than 1.
func parsePartitionCount(raw string, present bool) (int, error) {
	if !present || raw == "" {
		return 0, errPartitionCountMissing
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errPartitionCountUnparseable
	}
	if n <= 1 {
		return 0, errPartitionCountTooSmall
	}
	return n, nil
}

// ExtractProducerProperties projects a planner-emitted RuntimeModuleDeploymentProperties
// bag down to the unprefixed view BusCore.BindProducer/BindDynamicProducer
// expect: producer.* keys with the prefix stripped, plus the module-level
// keys (count, concurrency, criteria) and any producer key the module
// declared directly (partitionKeyExpression, compress, batchingEnabled, ...)
// that were never prefixed in the first place.
func ExtractProducerProperties(props ModuleDeploymentProperties) ModuleDeploymentProperties {
	return extractPrefixed(props, ProducerPrefix, ConsumerPrefix)
}

// ExtractConsumerProperties is ExtractProducerProperties's consumer-side
// counterpart, projecting consumer.* keys (prefix stripped) plus
// module-level and directly-declared consumer keys.
func ExtractConsumerProperties(props ModuleDeploymentProperties) ModuleDeploymentProperties {
	return extractPrefixed(props, ConsumerPrefix, ProducerPrefix)
}

func extractPrefixed(props ModuleDeploymentProperties, keep, drop string) ModuleDeploymentProperties {
	out := make(ModuleDeploymentProperties, len(props))
	for k, v := range props {
		switch {
		case strings.HasPrefix(k, keep):
			out[strings.TrimPrefix(k, keep)] = v
		case strings.HasPrefix(k, drop):
			// belongs to the other role's namespace, omit.
		default:
			out[k] = v
		}
	}
	return out
}

func criteriaMatch(a, b *PropertyAccessor) bool {
	av, aok := a.Criteria()
	bv, bok := b.Criteria()
	if !aok && !bok {
		return true
	}
	return aok == bok && av == bv
}

