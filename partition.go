package bus

import (
	"fmt"
	"hash/fnv"
	"math"
)

// PartitionSelector maps a partition key and the total partition count to a
// partition index. The returned value is taken modulo partitionCount by the
// caller (BusCore.DeterminePartition); implementations need not pre-reduce.
//
// A small capability interface rather than a reflectively-loaded class.
type PartitionSelector interface {
	SelectPartition(key any, partitionCount int) int
}

// DefaultPartitionSelector implements the bus's built-in hashing strategy:
// hash the key, remap math.MinInt32 to 0 to avoid overflow under abs, and
// return the absolute value. It is defined only for keys with a stable hash
// contract — notably strings. BusCore passes it whatever key the extractor or
// key expression returned; hashKey formats keys other than string and []byte
// with %v before hashing.
type DefaultPartitionSelector struct{}

// SelectPartition implements PartitionSelector.
func (DefaultPartitionSelector) SelectPartition(key any, _ int) int {
	h := hashKey(key)
	if h == math.MinInt32 {
		return 0
	}
	if h < 0 {
		return -h
	}
	return h
}

// hashKey hashes a key to a signed 32-bit value using FNV-1a, matching the
// original design's hash-then-abs contract. Non-string/[]byte keys fall back
// to their fmt-formatted representation.
func hashKey(key any) int {
	h := fnv.New32a()
	switch v := key.(type) {
	case string:
		_, _ = h.Write([]byte(v))
	case []byte:
		_, _ = h.Write(v)
	default:
		_, _ = fmt.Fprintf(h, "%v", v)
	}
	return int(int32(h.Sum32())) //nolint:gosec // intentional reinterpret as signed, matches the original's Java int hash semantics
}

// PartitioningMetadata is an immutable snapshot of a producer's partitioning
// configuration, constructed from a PropertyAccessor at bind time.
type PartitioningMetadata struct {
	keyExtractorName   string
	keyExpression      string
	selectorName       string
	selectorExpression string
	partitionCount     int
	hasKeyExtractor    bool
	hasKeyExpression   bool
	hasSelectorName    bool
	hasSelectorExpr    bool
}

// NewPartitioningMetadata freezes the partitioning-relevant fields of acc.
func NewPartitioningMetadata(acc *PropertyAccessor, partitionCount int) *PartitioningMetadata {
	m := &PartitioningMetadata{partitionCount: partitionCount}
	if v, ok := acc.PartitionKeyExtractorName(); ok {
		m.keyExtractorName, m.hasKeyExtractor = v, true
	}
	if v, ok := acc.PartitionKeyExpression(); ok {
		m.keyExpression, m.hasKeyExpression = v, true
	}
	if v, ok := acc.PartitionSelectorName(); ok {
		m.selectorName, m.hasSelectorName = v, true
	}
	if v, ok := acc.PartitionSelectorExpression(); ok {
		m.selectorExpression, m.hasSelectorExpr = v, true
	}
	return m
}

// IsPartitioned reports whether a key extractor or key expression is configured.
func (m *PartitioningMetadata) IsPartitioned() bool {
	return m.hasKeyExtractor || m.hasKeyExpression
}

// PartitionCount returns the frozen partition count.
func (m *PartitioningMetadata) PartitionCount() int { return m.partitionCount }

// KeyExtractorName returns the named key-extractor strategy, if configured.
func (m *PartitioningMetadata) KeyExtractorName() (string, bool) {
	return m.keyExtractorName, m.hasKeyExtractor
}

// KeyExpression returns the key expression identifier, if configured.
func (m *PartitioningMetadata) KeyExpression() (string, bool) {
	return m.keyExpression, m.hasKeyExpression
}

// SelectorName returns the named partition-selector strategy, if configured.
func (m *PartitioningMetadata) SelectorName() (string, bool) {
	return m.selectorName, m.hasSelectorName
}

// SelectorExpression returns the selector expression identifier, if configured.
func (m *PartitioningMetadata) SelectorExpression() (string, bool) {
	return m.selectorExpression, m.hasSelectorExpr
}
