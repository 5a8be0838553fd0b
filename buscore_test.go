package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestCore() (*BusCore, *BindingTable) {
	table := NewBindingTable()
	registry := NewSharedChannelRegistry(nil)
	transport := NewLocalTransport()
	core := NewBusCore(table, registry, transport, NewBindingMonitor(nil))
	return core, table
}

func TestBusCore_BindProducerConsumer_NamedEdgeRoundTrip(t *testing.T) {
	core, _ := newTestCore()
	ctx := context.Background()

	producerCh := NewLocalChannel(ModePointToPoint, 1)
	consumerCh := NewLocalChannel(ModePointToPoint, 1)

	if _, err := core.BindProducer(ctx, "queue:orders", producerCh, nil); err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}
	if _, err := core.BindConsumer(ctx, "queue:orders", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}

	if err := producerCh.Send(ctx, NewMessage("hello")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	recv, err := consumerCh.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	select {
	case got := <-recv:
		if got.Payload != "hello" {
			t.Errorf("payload = %v, want \"hello\"", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded message")
	}
}

func TestBusCore_BindProducer_CollapsesToDirect_WhenConsumerArrivesFirst(t *testing.T) {
	core, table := newTestCore()
	ctx := context.Background()

	consumerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindConsumer(ctx, "orders", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}

	producerCh := NewLocalChannel(ModePointToPoint, 1)
	direct, err := core.BindProducer(ctx, "orders", producerCh, nil)
	if err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}
	if direct.Role != RoleDirect {
		t.Fatalf("role = %v, want direct", direct.Role)
	}

	recv, err := consumerCh.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if err := direct.Send(ctx, NewMessage("x")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	select {
	case got := <-recv:
		if got.Payload != "x" {
			t.Errorf("payload = %v, want \"x\"", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for direct delivery")
	}

	if _, ok := table.FindByName("orders", RoleProducer); ok {
		t.Error("no separate PRODUCER binding should remain after direct collapse")
	}
}

func TestBusCore_BindConsumer_CollapsesToDirect_WhenProducerArrivesFirst(t *testing.T) {
	core, table := newTestCore()
	ctx := context.Background()

	producerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindProducer(ctx, "orders", producerCh, nil); err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}
	if _, ok := table.FindByName("orders", RoleProducer); !ok {
		t.Fatal("expected a plain PRODUCER binding before any consumer arrives")
	}

	consumerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindConsumer(ctx, "orders", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}

	direct, ok := table.FindByName("orders", RoleDirect)
	if !ok {
		t.Fatal("expected a DIRECT binding after the consumer arrives")
	}
	if _, ok := table.FindByName("orders", RoleProducer); ok {
		t.Error("original PRODUCER binding should have been stopped and removed")
	}

	recv, err := consumerCh.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if err := direct.Send(ctx, NewMessage("y")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	select {
	case got := <-recv:
		if got.Payload != "y" {
			t.Errorf("payload = %v, want \"y\"", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for direct delivery")
	}
}

func TestBusCore_BindConsumer_DoesNotCollapse_WhenDirectBindingDisallowed(t *testing.T) {
	core, table := newTestCore()
	ctx := context.Background()

	producerCh := NewLocalChannel(ModePointToPoint, 1)
	props := ModuleDeploymentProperties{PropDirectBindingAllowed: "false"}
	if _, err := core.BindProducer(ctx, "orders", producerCh, props); err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}

	consumerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindConsumer(ctx, "orders", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}

	if _, ok := table.FindByName("orders", RoleDirect); ok {
		t.Error("must not collapse to DIRECT when directBindingAllowed=false")
	}
	if _, ok := table.FindByName("orders", RoleProducer); !ok {
		t.Error("original PRODUCER binding should remain")
	}
}

func TestBusCore_UnbindConsumer_RevertsDirectBinding(t *testing.T) {
	core, table := newTestCore()
	ctx := context.Background()

	producerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindProducer(ctx, "orders", producerCh, nil); err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}
	consumerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindConsumer(ctx, "orders", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}
	if _, ok := table.FindByName("orders", RoleDirect); !ok {
		t.Fatal("expected direct collapse before testing revert")
	}

	if err := core.UnbindConsumer(ctx, "orders", consumerCh); err != nil {
		t.Fatalf("UnbindConsumer() error: %v", err)
	}

	if _, ok := table.FindByName("orders", RoleDirect); ok {
		t.Error("DIRECT binding should be gone after revert")
	}
	producer, ok := table.FindByName("orders", RoleProducer)
	if !ok {
		t.Fatal("expected a reverted PRODUCER binding")
	}
	if producer.Channel != producerCh {
		t.Error("reverted producer binding should carry the original producer channel")
	}
}

func TestBusCore_UnbindProducer_RemovesCollapsedDirectBinding(t *testing.T) {
	core, table := newTestCore()
	ctx := context.Background()

	producerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindProducer(ctx, "orders", producerCh, nil); err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}
	consumerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindConsumer(ctx, "orders", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}
	if _, ok := table.FindByName("orders", RoleDirect); !ok {
		t.Fatal("expected direct collapse before testing unbind")
	}

	if err := core.UnbindProducer("orders", producerCh); err != nil {
		t.Fatalf("UnbindProducer() error: %v", err)
	}

	if _, ok := table.FindByName("orders", RoleDirect); ok {
		t.Error("DIRECT binding should be gone after UnbindProducer with the original producer channel")
	}
}

func TestBusCore_UnbindProducersAndConsumers(t *testing.T) {
	core, table := newTestCore()
	ctx := context.Background()

	ch1 := NewLocalChannel(ModePointToPoint, 1)
	ch2 := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindProducer(ctx, "queue:orders", ch1, nil); err != nil {
		t.Fatalf("BindProducer(ch1) error: %v", err)
	}
	if _, err := core.BindProducer(ctx, "queue:orders", ch2, nil); err != nil {
		t.Fatalf("BindProducer(ch2) error: %v", err)
	}
	consumerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindConsumer(ctx, "queue:orders", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}

	if err := core.UnbindProducers("queue:orders"); err != nil {
		t.Fatalf("UnbindProducers() error: %v", err)
	}
	if len(table.FindAllByRole("queue:orders", RoleProducer)) != 0 {
		t.Error("expected all producer bindings removed")
	}

	if err := core.UnbindConsumers("queue:orders"); err != nil {
		t.Fatalf("UnbindConsumers() error: %v", err)
	}
	if len(table.FindAllByRole("queue:orders", RoleConsumer)) != 0 {
		t.Error("expected all consumer bindings removed")
	}
}

func TestBusCore_StopAll(t *testing.T) {
	core, table := newTestCore()
	ctx := context.Background()

	ch := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindProducer(ctx, "queue:orders", ch, nil); err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}

	core.StopAll()

	if len(table.Snapshot()) != 0 {
		t.Error("expected no bindings to remain after StopAll")
	}
}

func TestBusCore_BindDynamicProducer_TeardownOnFailure(t *testing.T) {
	core, _ := newTestCore()
	ctx := context.Background()

	// A first dynamic bind succeeds and registers the shared channel.
	if _, err := core.BindDynamicProducer(ctx, "pipeline-edge", nil); err != nil {
		t.Fatalf("BindDynamicProducer() error: %v", err)
	}

	// Validation failure on a second dynamic bind under a different name
	// must tear down the channel it allocated before returning.
	badProps := ModuleDeploymentProperties{"bogusKey": "x"}
	if _, err := core.BindDynamicProducer(ctx, "other-edge", badProps); err == nil {
		t.Fatal("expected validation error for unsupported property")
	}
	if _, ok := core.registry.LookupSharedChannel("other-edge"); ok {
		t.Error("dynamic channel should have been torn down after failed bind")
	}
}

func TestBusCore_BindProducer_RejectsUnsupportedProperty(t *testing.T) {
	core, _ := newTestCore()
	ch := NewLocalChannel(ModePointToPoint, 1)

	_, err := core.BindProducer(context.Background(), "queue:orders", ch, ModuleDeploymentProperties{"notRealKey": "1"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestBusCore_DeterminePartition_ViaKeyExpression(t *testing.T) {
	core, _ := newTestCore()
	core.strategies.RegisterKeyExpression("byPayload", FuncExpression(func(ctx context.Context, msg *Message) (any, error) {
		return msg.Payload, nil
	}))

	acc := NewPropertyAccessor(ModuleDeploymentProperties{PropPartitionKeyExpression: "byPayload"})
	meta := NewPartitioningMetadata(acc, 4)

	p1, err := core.DeterminePartition(context.Background(), NewMessage("abc"), meta)
	if err != nil {
		t.Fatalf("DeterminePartition() error: %v", err)
	}
	p2, err := core.DeterminePartition(context.Background(), NewMessage("abc"), meta)
	if err != nil {
		t.Fatalf("DeterminePartition() error: %v", err)
	}
	if p1 != p2 {
		t.Errorf("same key produced different partitions: %d vs %d", p1, p2)
	}
	if p1 < 0 || p1 >= 4 {
		t.Errorf("partition %d out of range [0,4)", p1)
	}
}

func TestBusCore_DeterminePartition_UnresolvedStrategyIsClassResolutionError(t *testing.T) {
	core, _ := newTestCore()
	acc := NewPropertyAccessor(ModuleDeploymentProperties{PropPartitionKeyExpression: "missing"})
	meta := NewPartitioningMetadata(acc, 4)

	_, err := core.DeterminePartition(context.Background(), NewMessage("abc"), meta)
	var resErr *ClassResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected *ClassResolutionError, got %T: %v", err, err)
	}
}

func TestBusCore_DeterminePartition_NegativeRawToleratedViaSelector(t *testing.T) {
	core, _ := newTestCore()
	core.strategies.RegisterKeyExpression("byPayload", FuncExpression(func(ctx context.Context, msg *Message) (any, error) {
		return msg.Payload, nil
	}))
	core.strategies.RegisterPartitionSelector("alwaysNegative", negativeSelectorForTest{})

	acc := NewPropertyAccessor(ModuleDeploymentProperties{
		PropPartitionKeyExpression: "byPayload",
		PropPartitionSelectorName:  "alwaysNegative",
	})
	meta := NewPartitioningMetadata(acc, 4)

	p, err := core.DeterminePartition(context.Background(), NewMessage("abc"), meta)
	if err != nil {
		t.Fatalf("DeterminePartition() error: %v", err)
	}
	if p < 0 {
		t.Errorf("partition = %d, want non-negative", p)
	}
}

type negativeSelectorForTest struct{}

func (negativeSelectorForTest) SelectPartition(_ any, _ int) int { return -3 }

func TestBusCore_BuildRetry_NilWhenMaxAttemptsAtMostOne(t *testing.T) {
	core, _ := newTestCore()
	if r := core.BuildRetry(ModuleDeploymentProperties{PropMaxAttempts: "1"}); r != nil {
		t.Error("expected nil RetryPolicy when maxAttempts=1")
	}
	if r := core.BuildRetry(ModuleDeploymentProperties{PropMaxAttempts: "3"}); r == nil {
		t.Error("expected a RetryPolicy when maxAttempts=3")
	}
}

func TestBusCore_SendReceive_WithCompression(t *testing.T) {
	core, _ := newTestCore()
	producerCh := NewLocalChannel(ModePointToPoint, 1)
	ctx := context.Background()

	binding, err := core.BindProducer(ctx, "queue:compressed", producerCh, nil)
	if err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}
	binding.Properties = ModuleDeploymentProperties{PropCompress: "true"}

	// The transport forwards producerCh onto the edge, so the wire message
	// is observed on a consumer bound to the same edge.
	consumerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindConsumer(ctx, "queue:compressed", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}
	recv, err := consumerCh.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}

	payload := "a fairly ordinary string payload for compression round-tripping"
	if err := core.Send(ctx, binding, NewMessage(payload)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var wire *Message
	select {
	case wire = <-recv:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sent message")
	}

	back, err := core.Receive(binding, wire)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if back.Payload != payload {
		t.Errorf("round-tripped payload = %v, want %q", back.Payload, payload)
	}
}

func TestBusCore_SendBatched_Disabled_SendsIndividually(t *testing.T) {
	core, _ := newTestCore()
	producerCh := NewLocalChannel(ModePointToPoint, 2)
	ctx := context.Background()

	binding, err := core.BindProducer(ctx, "queue:plain", producerCh, nil)
	if err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}

	consumerCh := NewLocalChannel(ModePointToPoint, 2)
	if _, err := core.BindConsumer(ctx, "queue:plain", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}
	recv, err := consumerCh.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}

	in := make(chan *Message, 2)
	in <- NewMessage("a")
	in <- NewMessage("b")
	close(in)

	errs := core.SendBatched(ctx, binding, in)

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-recv:
			received++
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for individually-sent messages")
		}
	}
	if received != 2 {
		t.Errorf("received %d messages, want 2", received)
	}
	for err := range errs {
		t.Errorf("unexpected send error: %v", err)
	}
}

func TestBusCore_SendBatched_Enabled_GroupsIntoEnvelope(t *testing.T) {
	core, _ := newTestCore()
	producerCh := NewLocalChannel(ModePointToPoint, 1)
	ctx := context.Background()

	binding, err := core.BindProducer(ctx, "queue:batched", producerCh, nil)
	if err != nil {
		t.Fatalf("BindProducer() error: %v", err)
	}
	binding.Properties = ModuleDeploymentProperties{
		PropBatchingEnabled: "true",
		PropBatchSize:       "2",
	}
	// Send JSON-encodes the envelope; register its type so Receive can decode it.
	codec := NewJSONCodec()
	codec.RegisterType("[]*bus.Message", func() any { return &[]*Message{} })
	core.WithCodec(codec)

	consumerCh := NewLocalChannel(ModePointToPoint, 1)
	if _, err := core.BindConsumer(ctx, "queue:batched", consumerCh, nil); err != nil {
		t.Fatalf("BindConsumer() error: %v", err)
	}
	recv, err := consumerCh.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}

	in := make(chan *Message, 2)
	in <- NewMessage("a")
	in <- NewMessage("b")
	close(in)

	errs := core.SendBatched(ctx, binding, in)

	select {
	case envelope := <-recv:
		back, err := core.Receive(binding, envelope)
		if err != nil {
			t.Fatalf("Receive() error: %v", err)
		}
		batch, ok := back.Payload.(*[]*Message)
		if !ok || len(*batch) != 2 {
			t.Fatalf("envelope payload = %#v, want a 2-message batch", back.Payload)
		}
		if size, _ := envelope.Header("batchSize"); size != "2" {
			t.Errorf("batchSize header = %q, want \"2\"", size)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batched envelope")
	}

	for err := range errs {
		t.Errorf("unexpected send error: %v", err)
	}
}
