package bus

import "context"

// Expression evaluates to an arbitrary value given a message. It is the
// pluggable replacement for the original design's class-name-dispatched key
// expressions.
type Expression interface {
	Evaluate(ctx context.Context, msg *Message) (any, error)
}

// IntExpression evaluates to an integer given a key and the partition count
// in scope. It backs partitionSelectorExpression evaluation.
type IntExpression interface {
	Evaluate(ctx context.Context, key any, partitionCount int) (int, error)
}

// FuncExpression adapts a closure to Expression.
type FuncExpression func(ctx context.Context, msg *Message) (any, error)

// Evaluate implements Expression.
func (f FuncExpression) Evaluate(ctx context.Context, msg *Message) (any, error) {
	return f(ctx, msg)
}

// FuncIntExpression adapts a closure to IntExpression.
type FuncIntExpression func(ctx context.Context, key any, partitionCount int) (int, error)

// Evaluate implements IntExpression.
func (f FuncIntExpression) Evaluate(ctx context.Context, key any, partitionCount int) (int, error) {
	return f(ctx, key, partitionCount)
}

// KeyLocator is a sum type selecting how a named strategy is resolved: by a
// name looked up in a StrategyRegistry, or by a pre-compiled expression
// supplied directly by the caller. It replaces the original's
// class-name-only dispatch.
type KeyLocator struct {
	name string
	expr Expression
}

// ByName builds a KeyLocator that resolves against a StrategyRegistry at bind time.
func ByName(name string) KeyLocator { return KeyLocator{name: name} }

// ByExpression builds a KeyLocator that carries a pre-compiled expression directly.
func ByExpression(expr Expression) KeyLocator { return KeyLocator{expr: expr} }

// Resolve returns the concrete Expression for this locator, consulting reg
// when the locator was built with ByName.
func (k KeyLocator) Resolve(reg *StrategyRegistry) (Expression, error) {
	if k.expr != nil {
		return k.expr, nil
	}
	if reg == nil {
		return nil, &ClassResolutionError{Name: k.name, Err: errStrategyRegistryNil}
	}
	return reg.LookupExpression(k.name)
}

// StrategyRegistry resolves named PartitionSelector and Expression strategies.
// It is the explicit, testable collaborator that replaces the original's
// reflective class-name instantiation: strategies must be registered by name
// before a bind that references them, or resolution fails with
// ClassResolutionError.
type StrategyRegistry struct {
	selectors   map[string]PartitionSelector
	keyExprs    map[string]Expression
	selectorExp map[string]IntExpression
}

// NewStrategyRegistry returns an empty registry.
func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{
		selectors:   map[string]PartitionSelector{},
		keyExprs:    map[string]Expression{},
		selectorExp: map[string]IntExpression{},
	}
}

// RegisterPartitionSelector registers a named PartitionSelector strategy
// (resolved via producer.partitionSelectorClass).
func (r *StrategyRegistry) RegisterPartitionSelector(name string, s PartitionSelector) {
	r.selectors[name] = s
}

// RegisterKeyExpression registers a named key-extraction Expression
// (resolved via producer.partitionKeyExtractorClass or
// producer.partitionKeyExpression).
func (r *StrategyRegistry) RegisterKeyExpression(name string, e Expression) {
	r.keyExprs[name] = e
}

// RegisterSelectorExpression registers a named IntExpression, resolved via
// producer.partitionSelectorExpression, for selectors that need the
// partition count in scope.
func (r *StrategyRegistry) RegisterSelectorExpression(name string, e IntExpression) {
	r.selectorExp[name] = e
}

// LookupPartitionSelector resolves a named PartitionSelector strategy.
func (r *StrategyRegistry) LookupPartitionSelector(name string) (PartitionSelector, error) {
	if s, ok := r.selectors[name]; ok {
		return s, nil
	}
	return nil, &ClassResolutionError{Name: name, Err: errStrategyNotRegistered}
}

// LookupExpression resolves a named key-extraction Expression.
func (r *StrategyRegistry) LookupExpression(name string) (Expression, error) {
	if e, ok := r.keyExprs[name]; ok {
		return e, nil
	}
	return nil, &ClassResolutionError{Name: name, Err: errStrategyNotRegistered}
}

// LookupSelectorExpression resolves a named partition-selector IntExpression.
func (r *StrategyRegistry) LookupSelectorExpression(name string) (IntExpression, error) {
	if e, ok := r.selectorExp[name]; ok {
		return e, nil
	}
	return nil, &ClassResolutionError{Name: name, Err: errStrategyNotRegistered}
}
