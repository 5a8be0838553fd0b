package bus

import (
	"fmt"

	"github.com/linkedin/goavro/v2"
)

// AvroCodec implements Codec using Avro binary encoding, for payloads
// exchanged with systems that speak Avro (e.g. a Kafka sink with a schema
// registry). Payloads must be map[string]interface{} matching the schema
// goavro.NewCodec was given.
//
// Grounded on the schema-to-codec wiring in cdc/sink/schema_registry.go,
// which resolves a named table to a cached *goavro.Codec the same way this
// type resolves a type name to one.
type AvroCodec struct {
	schemas map[string]*goavro.Codec
}

// NewAvroCodec returns an AvroCodec with no registered schemas.
func NewAvroCodec() *AvroCodec {
	return &AvroCodec{schemas: map[string]*goavro.Codec{}}
}

// RegisterSchema parses schemaJSON and registers it under typeName. Encode
// and Decode for typeName will use it thereafter.
func (c *AvroCodec) RegisterSchema(typeName, schemaJSON string) error {
	codec, err := goavro.NewCodec(schemaJSON)
	if err != nil {
		return &SerializationError{TypeName: typeName, Err: err}
	}
	c.schemas[typeName] = codec
	return nil
}

// Encode implements Codec. payload must be map[string]interface{} and
// typeName must have been registered via RegisterSchema.
func (c *AvroCodec) Encode(payload any) ([]byte, string, error) {
	typeName, native, err := c.resolveNative(payload)
	if err != nil {
		return nil, "", err
	}
	codec := c.schemas[typeName]
	data, err := codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, "", &SerializationError{TypeName: typeName, Err: err}
	}
	return data, typeName, nil
}

// Decode implements Codec.
func (c *AvroCodec) Decode(data []byte, typeName string) (any, error) {
	codec, ok := c.schemas[typeName]
	if !ok {
		return nil, &SerializationError{TypeName: typeName, Err: fmt.Errorf("no schema registered")}
	}
	native, _, err := codec.NativeFromBinary(data)
	if err != nil {
		return nil, &SerializationError{TypeName: typeName, Err: err}
	}
	return native, nil
}

// resolveNative validates payload and looks up the schema to encode with.
// AvroTypedPayload lets callers name the schema explicitly; a bare
// map[string]interface{} requires exactly one registered schema.
func (c *AvroCodec) resolveNative(payload any) (string, map[string]any, error) {
	if typed, ok := payload.(AvroTypedPayload); ok {
		if _, ok := c.schemas[typed.TypeName]; !ok {
			return "", nil, &SerializationError{TypeName: typed.TypeName, Err: fmt.Errorf("no schema registered")}
		}
		return typed.TypeName, typed.Fields, nil
	}
	native, ok := payload.(map[string]any)
	if !ok {
		return "", nil, &SerializationError{TypeName: fmt.Sprintf("%T", payload), Err: fmt.Errorf("avro codec requires map[string]any or AvroTypedPayload")}
	}
	if len(c.schemas) != 1 {
		return "", nil, &SerializationError{TypeName: "map[string]any", Err: fmt.Errorf("ambiguous schema: wrap payload in AvroTypedPayload")}
	}
	for name := range c.schemas {
		return name, native, nil
	}
	panic("unreachable")
}

// AvroTypedPayload pairs a registered schema name with its field values,
// disambiguating which schema AvroCodec.Encode should use when more than one
// is registered.
type AvroTypedPayload struct {
	TypeName string
	Fields   map[string]any
}
