package bus

import (
	"strconv"
)

// Recognized consumer property keys (unprefixed; written into a bag under
// "consumer." — see ConsumerPrefix).
const (
	PropCount                  = "count"
	PropSequence               = "sequence"
	PropPartitionIndex         = "partitionIndex"
	PropConcurrency            = "concurrency"
	PropMaxAttempts            = "maxAttempts"
	PropBackOffInitialInterval = "backOffInitialInterval"
	PropBackOffMaxInterval     = "backOffMaxInterval"
	PropBackOffMultiplier      = "backOffMultiplier"
)

// Recognized producer property keys (unprefixed; written into a bag under
// "producer.").
const (
	PropNextModuleCount           = "nextModuleCount"
	PropNextModuleConcurrency     = "nextModuleConcurrency"
	PropPartitionCount            = "partitionCount"
	PropPartitionKeyExpression    = "partitionKeyExpression"
	PropPartitionKeyExtractorName = "partitionKeyExtractorClass"
	PropPartitionSelectorExpr     = "partitionSelectorExpression"
	PropPartitionSelectorName     = "partitionSelectorClass"
	PropDirectBindingAllowed      = "directBindingAllowed"
	PropBatchingEnabled           = "batchingEnabled"
	PropBatchSize                 = "batchSize"
	PropBatchBufferLimit          = "batchBufferLimit"
	PropBatchTimeout              = "batchTimeout"
	PropCompress                  = "compress"
)

// Non-prefixed module-level keys, read directly off a ModuleDeploymentProperties.
const (
	PropModuleCount       = "count"
	PropModuleConcurrency = "concurrency"
	PropModuleCriteria    = "criteria"
)

// Default timing constants.
const (
	DefaultBackOffInitialIntervalMillis = 1000
	DefaultBackOffMaxIntervalMillis     = 10000
	DefaultBackOffMultiplier            = 2.0
	DefaultMaxAttempts                  = 3
	DefaultConcurrency                  = 1
	DefaultBatchSize                    = 50
	DefaultBatchBufferLimit             = 10000
	DefaultBatchTimeoutMillis           = 5000
)

// ConsumerPrefix and ProducerPrefix namespace property keys when they are
// written into a module's shared property bag.
const (
	ConsumerPrefix = "consumer."
	ProducerPrefix = "producer."
)

// ModuleDeploymentProperties is a string-to-string property bag describing a
// module's static deployment configuration. It is immutable from the
// planner's point of view; RuntimeModuleDeploymentProperties extends it with
// the assigned replica sequence.
type ModuleDeploymentProperties map[string]string

// Clone returns a shallow copy safe for independent mutation.
func (p ModuleDeploymentProperties) Clone() ModuleDeploymentProperties {
	out := make(ModuleDeploymentProperties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// RuntimeModuleDeploymentProperties is the planner's output: the module's
// static properties plus its assigned Sequence among Count replicas.
type RuntimeModuleDeploymentProperties struct {
	ModuleDeploymentProperties
	Sequence int
}

// PropertyAccessor is a typed, defaulting view over a property bag. It never
// mutates the underlying map.
type PropertyAccessor struct {
	props ModuleDeploymentProperties
}

// NewPropertyAccessor wraps props. A nil map is treated as empty.
func NewPropertyAccessor(props ModuleDeploymentProperties) *PropertyAccessor {
	if props == nil {
		props = ModuleDeploymentProperties{}
	}
	return &PropertyAccessor{props: props}
}

func (a *PropertyAccessor) raw(key string) (string, bool) {
	v, ok := a.props[key]
	return v, ok
}

func (a *PropertyAccessor) intOrDefault(key string, def int) int {
	v, ok := a.raw(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (a *PropertyAccessor) floatOrDefault(key string, def float64) float64 {
	v, ok := a.raw(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func (a *PropertyAccessor) boolOrDefault(key string, def bool) bool {
	v, ok := a.raw(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Count returns the module's replica count, default 1.
func (a *PropertyAccessor) Count() int { return a.intOrDefault(PropModuleCount, 1) }

// Sequence returns the assigned replica sequence, default 0 (unassigned).
func (a *PropertyAccessor) Sequence() int { return a.intOrDefault(PropSequence, 0) }

// Concurrency returns the configured concurrency, default DefaultConcurrency.
func (a *PropertyAccessor) Concurrency() int {
	return a.intOrDefault(PropModuleConcurrency, DefaultConcurrency)
}

// Criteria returns the module's co-location criteria string and whether it was set.
func (a *PropertyAccessor) Criteria() (string, bool) {
	return a.raw(PropModuleCriteria)
}

// MaxAttempts returns the configured retry attempt ceiling, default DefaultMaxAttempts.
func (a *PropertyAccessor) MaxAttempts() int {
	return a.intOrDefault(PropMaxAttempts, DefaultMaxAttempts)
}

// BackOffInitialInterval returns the initial backoff in milliseconds.
func (a *PropertyAccessor) BackOffInitialInterval() int {
	return a.intOrDefault(PropBackOffInitialInterval, DefaultBackOffInitialIntervalMillis)
}

// BackOffMaxInterval returns the maximum backoff in milliseconds.
func (a *PropertyAccessor) BackOffMaxInterval() int {
	return a.intOrDefault(PropBackOffMaxInterval, DefaultBackOffMaxIntervalMillis)
}

// BackOffMultiplier returns the exponential backoff multiplier.
func (a *PropertyAccessor) BackOffMultiplier() float64 {
	return a.floatOrDefault(PropBackOffMultiplier, DefaultBackOffMultiplier)
}

// BatchingEnabled reports whether producer-side batching is requested.
func (a *PropertyAccessor) BatchingEnabled() bool {
	return a.boolOrDefault(PropBatchingEnabled, false)
}

// BatchSize returns the configured batch size.
func (a *PropertyAccessor) BatchSize() int { return a.intOrDefault(PropBatchSize, DefaultBatchSize) }

// BatchBufferLimit returns the configured batch buffer limit.
func (a *PropertyAccessor) BatchBufferLimit() int {
	return a.intOrDefault(PropBatchBufferLimit, DefaultBatchBufferLimit)
}

// BatchTimeout returns the configured batch timeout in milliseconds.
func (a *PropertyAccessor) BatchTimeout() int {
	return a.intOrDefault(PropBatchTimeout, DefaultBatchTimeoutMillis)
}

// Compress reports whether payload compression is requested.
func (a *PropertyAccessor) Compress() bool { return a.boolOrDefault(PropCompress, false) }

// DirectBindingAllowed reports whether direct binding is permitted. Default
// true; any literal value other than "false" is treated as true. onWarn, if
// non-nil, is invoked with a descriptive message when the raw value is set
// but is neither "false" nor absent.
func (a *PropertyAccessor) DirectBindingAllowed(onWarn func(string)) bool {
	v, ok := a.raw(PropDirectBindingAllowed)
	if !ok || v == "" {
		return true
	}
	if v == "false" {
		return false
	}
	if onWarn != nil {
		onWarn("invalid value for " + PropDirectBindingAllowed + ": " + v + " (treated as unset)")
	}
	return true
}

// PartitionKeyExtractorName returns the named strategy for key extraction, if set.
func (a *PropertyAccessor) PartitionKeyExtractorName() (string, bool) {
	return a.raw(PropPartitionKeyExtractorName)
}

// PartitionKeyExpression returns the key expression identifier, if set.
func (a *PropertyAccessor) PartitionKeyExpression() (string, bool) {
	return a.raw(PropPartitionKeyExpression)
}

// PartitionSelectorName returns the named partition selector strategy, if set.
func (a *PropertyAccessor) PartitionSelectorName() (string, bool) {
	return a.raw(PropPartitionSelectorName)
}

// PartitionSelectorExpression returns the selector expression identifier, if set.
func (a *PropertyAccessor) PartitionSelectorExpression() (string, bool) {
	return a.raw(PropPartitionSelectorExpr)
}

// PartitionCount returns the raw partitionCount string and whether it was set.
func (a *PropertyAccessor) PartitionCount() (string, bool) {
	return a.raw(PropPartitionCount)
}

// IsPartitioned reports whether a key extractor or key expression is present.
func (a *PropertyAccessor) IsPartitioned() bool {
	if _, ok := a.PartitionKeyExtractorName(); ok {
		return true
	}
	_, ok := a.PartitionKeyExpression()
	return ok
}
