package bus

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// producerBaseKeys and consumerBaseKeys are the property keys every bind
// call accepts regardless of role, plus the role-specific keys.
var producerBaseKeys = unprefixedKeySet(
	PropModuleCount, PropModuleConcurrency, PropModuleCriteria,
	PropNextModuleCount, PropNextModuleConcurrency, PropPartitionCount,
	PropPartitionKeyExpression, PropPartitionKeyExtractorName,
	PropPartitionSelectorExpr, PropPartitionSelectorName,
	PropDirectBindingAllowed, PropBatchingEnabled, PropBatchSize,
	PropBatchBufferLimit, PropBatchTimeout, PropCompress,
)

var consumerBaseKeys = unprefixedKeySet(
	PropModuleCount, PropModuleConcurrency, PropModuleCriteria,
	PropCount, PropSequence, PropPartitionIndex, PropConcurrency,
	PropMaxAttempts, PropBackOffInitialInterval, PropBackOffMaxInterval,
	PropBackOffMultiplier,
)

func unprefixedKeySet(keys ...string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// TransportPropertySource lets a Transport implementation declare
// additional supported property keys beyond the core set, so
// transport-specific configuration (e.g. a broker's partition-assignment
// strategy) does not trip unsupported-property validation.
type TransportPropertySource interface {
	SupportedProducerProperties() []string
	SupportedConsumerProperties() []string
}

// BusCore is the binding engine: it turns RuntimeModuleDeploymentProperties
// into live Bindings against a Transport, managing the BindingTable,
// SharedChannelRegistry, direct-binding collapse/revert, partition routing,
// retry policy construction, and optional batching/compression on the
// producer send path.
type BusCore struct {
	table     *BindingTable
	registry  *SharedChannelRegistry
	transport Transport
	monitor   *BindingMonitor

	strategies *StrategyRegistry
	codec      Codec
	clock      Clock

	// bindMu serializes the check-then-act sequences around direct-binding
	// collapse and revert so two concurrent binds for the same name can
	// never both observe the pre-collapse state.
	bindMu sync.Mutex
}

// NewBusCore wires a BusCore from its required collaborators. Optional
// collaborators (strategy registry, codec, clock) default to
// NewStrategyRegistry, NewJSONCodec, and RealClock respectively; override
// them with the With* methods before the core starts handling binds.
func NewBusCore(table *BindingTable, registry *SharedChannelRegistry, transport Transport, monitor *BindingMonitor) *BusCore {
	if monitor == nil {
		monitor = NewBindingMonitor(nil)
	}
	return &BusCore{
		table:      table,
		registry:   registry,
		transport:  transport,
		monitor:    monitor,
		strategies: NewStrategyRegistry(),
		codec:      NewJSONCodec(),
		clock:      RealClock,
	}
}

// WithStrategyRegistry overrides the registry DeterminePartition consults
// for named extractor/selector strategies.
func (c *BusCore) WithStrategyRegistry(reg *StrategyRegistry) *BusCore {
	c.strategies = reg
	return c
}

// WithCodec overrides the codec SerializeIfNecessary/DeserializeIfNecessary
// use for arbitrary payloads.
func (c *BusCore) WithCodec(codec Codec) *BusCore {
	c.codec = codec
	return c
}

// WithClock overrides the clock retry backoff and batching timers run on.
func (c *BusCore) WithClock(clock Clock) *BusCore {
	c.clock = clock
	return c
}

func (c *BusCore) producerSupportedKeys() map[string]bool {
	keys := producerBaseKeys
	if src, ok := c.transport.(TransportPropertySource); ok {
		keys = mergeKeySets(producerBaseKeys, src.SupportedProducerProperties())
	}
	return keys
}

func (c *BusCore) consumerSupportedKeys() map[string]bool {
	keys := consumerBaseKeys
	if src, ok := c.transport.(TransportPropertySource); ok {
		keys = mergeKeySets(consumerBaseKeys, src.SupportedConsumerProperties())
	}
	return keys
}

func mergeKeySets(base map[string]bool, extra []string) map[string]bool {
	out := make(map[string]bool, len(base)+len(extra))
	for k := range base {
		out[k] = true
	}
	for _, k := range extra {
		out[k] = true
	}
	return out
}

func validateProperties(props ModuleDeploymentProperties, supported map[string]bool) error {
	var bad []string
	for k := range props {
		if !supported[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return NewUnsupportedPropertiesError(bad)
}

// BindProducer binds channel as the producer side of the symbolic edge
// name. If name is a bare dynamic pipeline edge (not queue:/topic:/job:
// prefixed) and a CONSUMER binding already exists locally, the producer
// collapses directly into a DIRECT binding instead of going through the
// transport.
func (c *BusCore) BindProducer(ctx context.Context, name string, channel Channel, props ModuleDeploymentProperties) (*Binding, error) {
	if err := validateProperties(props, c.producerSupportedKeys()); err != nil {
		return nil, err
	}

	_, _, named := ParseChannelName(name)
	if !named {
		c.bindMu.Lock()
		if consumer, ok := c.table.FindByName(name, RoleConsumer); ok {
			direct := newDirectBinding(name, channel, consumer.Channel, props)
			direct.Activate()
			c.table.Add(direct)
			c.bindMu.Unlock()
			c.monitor.Observe(EventDirectCollapsed, name, RoleDirect)
			return direct, nil
		}
		c.bindMu.Unlock()
	}

	endpoint, err := c.transport.BindProducer(ctx, name, channel, props)
	if err != nil {
		return nil, &BindingFailure{Name: name, Err: err}
	}
	b := NewBinding(name, RoleProducer, channel, endpoint, props)
	b.Activate()
	c.table.Add(b)
	c.monitor.Observe(EventBound, name, RoleProducer)
	return b, nil
}

// BindConsumer binds channel as the consumer side of name. If name is a bare
// dynamic pipeline edge (not queue:/topic:/job: prefixed), a PRODUCER
// binding for name already exists locally, and direct binding is permitted
// by its properties, it collapses to a DIRECT binding and the original
// PRODUCER binding is stopped.
func (c *BusCore) BindConsumer(ctx context.Context, name string, channel Channel, props ModuleDeploymentProperties) (*Binding, error) {
	if err := validateProperties(props, c.consumerSupportedKeys()); err != nil {
		return nil, err
	}

	endpoint, err := c.transport.BindConsumer(ctx, name, channel, props)
	if err != nil {
		return nil, &BindingFailure{Name: name, Err: err}
	}
	consumer := NewBinding(name, RoleConsumer, channel, endpoint, props)
	consumer.Activate()
	c.table.Add(consumer)
	c.monitor.Observe(EventBound, name, RoleConsumer)

	if _, _, named := ParseChannelName(name); named {
		return consumer, nil
	}

	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if producer, ok := c.table.FindByName(name, RoleProducer); ok {
		if NewPropertyAccessor(producer.Properties).DirectBindingAllowed(nil) {
			direct := newDirectBinding(name, producer.Channel, channel, producer.Properties)
			direct.Activate()
			if stopErr := producer.Stop(); stopErr != nil {
				c.monitor.Error("stop collapsed producer binding failed", stopErr)
			}
			c.table.Remove(producer)
			c.table.Add(direct)
			c.monitor.Observe(EventDirectCollapsed, name, RoleDirect)
		}
	}
	return consumer, nil
}

// BindPubSubProducer binds channel as a producer on the pub-sub edge name.
// Direct binding never applies to pub-sub edges.
func (c *BusCore) BindPubSubProducer(ctx context.Context, name string, channel Channel, props ModuleDeploymentProperties) (*Binding, error) {
	if err := validateProperties(props, c.producerSupportedKeys()); err != nil {
		return nil, err
	}
	endpoint, err := c.transport.BindPubSubProducer(ctx, name, channel, props)
	if err != nil {
		return nil, &BindingFailure{Name: name, Err: err}
	}
	b := NewBinding(name, RoleProducer, channel, endpoint, props)
	b.Activate()
	c.table.Add(b)
	c.monitor.Observe(EventBound, name, RoleProducer)
	return b, nil
}

// BindPubSubConsumer binds channel as a subscriber on the pub-sub edge name.
func (c *BusCore) BindPubSubConsumer(ctx context.Context, name string, channel Channel, props ModuleDeploymentProperties) (*Binding, error) {
	if err := validateProperties(props, c.consumerSupportedKeys()); err != nil {
		return nil, err
	}
	endpoint, err := c.transport.BindPubSubConsumer(ctx, name, channel, props)
	if err != nil {
		return nil, &BindingFailure{Name: name, Err: err}
	}
	b := NewBinding(name, RoleConsumer, channel, endpoint, props)
	b.Activate()
	c.table.Add(b)
	c.monitor.Observe(EventBound, name, RoleConsumer)
	return b, nil
}

// BindDynamicProducer allocates a channel from the SharedChannelRegistry
// under name and binds it as a producer. Idempotent on name. If the
// transport bind fails, the newly registered channel is torn down before
// the error surfaces.
func (c *BusCore) BindDynamicProducer(ctx context.Context, name string, props ModuleDeploymentProperties) (*Binding, error) {
	mode, _, _ := ParseChannelName(name)
	channel := c.registry.LookupOrCreate(name, mode)
	b, err := c.BindProducer(ctx, name, channel, props)
	if err != nil {
		if removeErr := c.registry.Remove(name); removeErr != nil {
			c.monitor.Error("teardown of dynamic channel after failed bind also failed", removeErr)
		}
		return nil, err
	}
	return b, nil
}

// UnbindProducer stops and removes the PRODUCER or DIRECT binding
// registered under name whose producer-side channel is channel. For a
// DIRECT binding that producer-side channel is directSource, not Channel:
// a DIRECT binding's Channel is the consumer's channel (newDirectBinding),
// so the original producer channel only survives in directSource.
func (c *BusCore) UnbindProducer(name string, channel Channel) error {
	for _, b := range c.table.FindAll(name) {
		switch b.Role {
		case RoleProducer:
			if b.Channel == channel {
				return c.stopAndRemove(b)
			}
		case RoleDirect:
			if b.directSource == channel {
				return c.stopAndRemove(b)
			}
		}
	}
	return nil
}

// UnbindConsumer stops and removes the CONSUMER binding registered under
// name whose channel is channel. If a DIRECT binding exists for name, it is
// first reverted: the original producer channel is re-bound through the
// transport as a plain PRODUCER binding (without re-collapsing), then the
// DIRECT binding is stopped and dropped.
func (c *BusCore) UnbindConsumer(ctx context.Context, name string, channel Channel) error {
	c.bindMu.Lock()
	if direct, ok := c.table.FindByName(name, RoleDirect); ok {
		if err := c.revertDirectLocked(ctx, direct); err != nil {
			c.monitor.Error("revert direct binding failed", err)
		}
	}
	c.bindMu.Unlock()

	for _, b := range c.table.FindAllByRole(name, RoleConsumer) {
		if b.Channel == channel {
			return c.stopAndRemove(b)
		}
	}
	return nil
}

// revertDirectLocked restores direct's original producer binding. If the
// transport re-bind fails, direct is stopped and left in the table. Callers
// must hold bindMu.
func (c *BusCore) revertDirectLocked(ctx context.Context, direct *Binding) error {
	endpoint, err := c.transport.BindProducer(ctx, direct.Name, direct.directSource, direct.Properties)
	if err != nil {
		_ = direct.Stop()
		return &BindingFailure{Name: direct.Name, Err: err}
	}
	producer := NewBinding(direct.Name, RoleProducer, direct.directSource, endpoint, direct.Properties)
	producer.Activate()
	c.table.Add(producer)

	if err := direct.Stop(); err != nil {
		c.monitor.Error("stop reverted direct binding failed", err)
	}
	c.table.Remove(direct)
	c.monitor.Observe(EventDirectReverted, direct.Name, RoleProducer)
	return nil
}

// UnbindProducers stops and removes every PRODUCER and DIRECT binding
// registered under name.
func (c *BusCore) UnbindProducers(name string) error {
	var firstErr error
	for _, b := range c.table.FindAll(name) {
		if b.Role == RoleProducer || b.Role == RoleDirect {
			if err := c.stopAndRemove(b); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// UnbindConsumers stops and removes every CONSUMER binding registered under name.
func (c *BusCore) UnbindConsumers(name string) error {
	var firstErr error
	for _, b := range c.table.FindAllByRole(name, RoleConsumer) {
		if err := c.stopAndRemove(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *BusCore) stopAndRemove(b *Binding) error {
	err := b.Stop()
	c.table.Remove(b)
	c.monitor.Observe(EventUnbound, b.Name, b.Role)
	return err
}

// StopAll stops every registered binding. Failures are logged, not
// propagated: shutdown is best-effort.
func (c *BusCore) StopAll() {
	for _, b := range c.table.Snapshot() {
		if err := b.Stop(); err != nil {
			c.monitor.Error("stop binding failed", err, zap.String("name", b.Name), zap.String("role", b.Role.String()))
		}
		c.table.Remove(b)
	}
}

// DeterminePartition computes the partition index for msg given meta,
// consulting a named extractor/selector strategy when configured, falling
// back to the default hash-based PartitionSelector.
func (c *BusCore) DeterminePartition(ctx context.Context, msg *Message, meta *PartitioningMetadata) (int, error) {
	key, err := c.extractKey(ctx, msg, meta)
	if err != nil {
		return 0, err
	}
	if key == nil {
		return 0, errors.New("partition key resolved to nil")
	}

	raw, err := c.selectPartition(ctx, key, meta)
	if err != nil {
		return 0, err
	}

	count := meta.PartitionCount()
	if count <= 0 {
		count = 1
	}
	partition := raw % count
	if partition < 0 {
		partition = -partition
	}
	return partition, nil
}

// extractKey resolves the partition key via the configured extractor name
// or key expression — both are Expression strategies evaluated against the
// message. DeterminePartition's other half, selectPartition, deliberately
// checks PartitionSelector capability only, never this one: the two
// capabilities are never conflated.
func (c *BusCore) extractKey(ctx context.Context, msg *Message, meta *PartitioningMetadata) (any, error) {
	if name, ok := meta.KeyExtractorName(); ok {
		e, err := c.strategies.LookupExpression(name)
		if err != nil {
			return nil, err
		}
		return e.Evaluate(ctx, msg)
	}
	if expr, ok := meta.KeyExpression(); ok {
		e, err := c.strategies.LookupExpression(expr)
		if err != nil {
			return nil, err
		}
		return e.Evaluate(ctx, msg)
	}
	return nil, &ClassResolutionError{Name: "", Err: errStrategyNotRegistered}
}

func (c *BusCore) selectPartition(ctx context.Context, key any, meta *PartitioningMetadata) (int, error) {
	if name, ok := meta.SelectorName(); ok {
		selector, err := c.strategies.LookupPartitionSelector(name)
		if err != nil {
			return 0, err
		}
		return selector.SelectPartition(key, meta.PartitionCount()), nil
	}
	if expr, ok := meta.SelectorExpression(); ok {
		e, err := c.strategies.LookupSelectorExpression(expr)
		if err != nil {
			return 0, err
		}
		return e.Evaluate(ctx, key, meta.PartitionCount())
	}
	return DefaultPartitionSelector{}.SelectPartition(key, meta.PartitionCount()), nil
}

// Send serializes msg for the wire, applying producer.compress if set on
// binding's properties, then delivers it through binding (a direct channel
// write for a DIRECT binding, or the bound transport endpoint otherwise).
func (c *BusCore) Send(ctx context.Context, binding *Binding, msg *Message) error {
	out, err := SerializeIfNecessary(msg, ContentTypeOctetStream, c.codec)
	if err != nil {
		return err
	}
	if NewPropertyAccessor(binding.Properties).Compress() {
		if data, ok := out.Payload.([]byte); ok {
			compressed, err := CompressPayload(data)
			if err != nil {
				return err
			}
			out = out.Clone()
			out.Payload = compressed
		}
	}
	return binding.Send(ctx, out)
}

// Receive reverses Send: decompressing (if binding's properties request
// it) and deserializing msg back to its original payload.
func (c *BusCore) Receive(binding *Binding, msg *Message) (*Message, error) {
	in := msg
	if NewPropertyAccessor(binding.Properties).Compress() {
		if data, ok := in.Payload.([]byte); ok {
			decompressed, err := DecompressPayload(data)
			if err != nil {
				return nil, err
			}
			in = in.Clone()
			in.Payload = decompressed
		}
	}
	return DeserializeIfNecessary(in, c.codec)
}

// SendBatched drains in and sends each message through binding via Send.
// When binding's properties enable producer.batchingEnabled, messages are
// first grouped by a MessageBatcher (batchSize/batchBufferLimit/batchTimeout)
// and each flushed group is sent as a single envelope Message carrying the
// batch as its payload; otherwise every message is sent individually. The
// returned channel buffers one send error; further errors are dropped while
// that one is unread. It is closed once in is drained and flushed.
func (c *BusCore) SendBatched(ctx context.Context, binding *Binding, in <-chan *Message) <-chan error {
	acc := NewPropertyAccessor(binding.Properties)
	errs := make(chan error, 1)

	if !acc.BatchingEnabled() {
		go func() {
			defer close(errs)
			for msg := range in {
				if err := c.Send(ctx, binding, msg); err != nil {
					select {
					case errs <- err:
					default:
					}
				}
			}
		}()
		return errs
	}

	batcher := NewMessageBatcher(NewBatchingConfig(acc), c.clock)
	batches := batcher.Process(ctx, in)
	go func() {
		defer close(errs)
		for batch := range batches {
			envelope := NewMessage(batch)
			envelope.SetHeader("batchSize", strconv.Itoa(len(batch)))
			if err := c.Send(ctx, binding, envelope); err != nil {
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()
	return errs
}

// BuildRetry returns a RetryPolicy derived from props, or nil if
// consumer.maxAttempts is configured at or below 1 (retry disabled, a
// single delivery attempt).
func (c *BusCore) BuildRetry(props ModuleDeploymentProperties) *RetryPolicy {
	acc := NewPropertyAccessor(props)
	if acc.MaxAttempts() <= 1 {
		return nil
	}
	return NewRetryPolicy(acc, c.clock)
}
