package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Codec converts a payload to and from bytes for a registered type name.
// Two implementations ship with the bus: JSONCodec (default, arbitrary Go
// values) and AvroCodec (schema-carrying payloads, avrocodec.go).
type Codec interface {
	// Encode converts payload to bytes, returning the type name to embed in
	// the synthetic content type.
	Encode(payload any) (data []byte, typeName string, err error)
	// Decode converts bytes previously produced for typeName back into a payload.
	Decode(data []byte, typeName string) (any, error)
}

// JSONCodec is the default Codec, using encoding/json. Encode tags each value
// with its Go type name as printed by %T (so a pointer payload is named
// "*pkg.T"), and Decode reconstructs it through a caller-supplied registry
// of zero-value constructors keyed by that name.
//
// No generic arbitrary-object serializer appears in the corpus outside the
// schema-specific protobuf/Avro codecs ticdc uses for typed row-change
// events (cdc/sink/codec); those don't fit a schemaless "any Go value"
// codec, so the default here is the idiomatic stdlib choice — see
// DESIGN.md for the standard-library justification.
type JSONCodec struct {
	constructors map[string]func() any
}

// NewJSONCodec returns a JSONCodec with no registered types; RegisterType
// must be called for every type Decode needs to reconstruct. Decode for an
// unregistered type name returns a SerializationError.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{constructors: map[string]func() any{}}
}

// RegisterType associates typeName with a zero-value constructor used by Decode.
func (c *JSONCodec) RegisterType(typeName string, zero func() any) {
	c.constructors[typeName] = zero
}

// Encode implements Codec.
func (c *JSONCodec) Encode(payload any) ([]byte, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", &SerializationError{TypeName: fmt.Sprintf("%T", payload), Err: err}
	}
	return data, fmt.Sprintf("%T", payload), nil
}

// Decode implements Codec.
func (c *JSONCodec) Decode(data []byte, typeName string) (any, error) {
	ctor, ok := c.constructors[typeName]
	if !ok {
		return nil, &SerializationError{TypeName: typeName, Err: fmt.Errorf("no constructor registered")}
	}
	target := ctor()
	if err := json.Unmarshal(data, target); err != nil {
		return nil, &SerializationError{TypeName: typeName, Err: err}
	}
	return target, nil
}

// javaObjectContentType builds the synthetic content type for an arbitrary
// payload: application/x-bus-object;type=<typeName>, quoting slice/array
// type names so the embedded "[]" doesn't read as two content-type
// parameters.
func javaObjectContentType(typeName string) string {
	if strings.HasPrefix(typeName, "[]") {
		typeName = `"` + typeName + `"`
	}
	return fmt.Sprintf("application/x-bus-object;type=%s", typeName)
}

// parseObjectContentTypeName extracts the type parameter from a synthetic
// content type produced by javaObjectContentType, or ("", false) if ct does
// not carry one.
func parseObjectContentTypeName(ct string) (string, bool) {
	const marker = "type="
	idx := strings.Index(ct, marker)
	if idx < 0 {
		return "", false
	}
	name := ct[idx+len(marker):]
	name = strings.Trim(name, `"`)
	return name, name != ""
}

// SerializeIfNecessary converts msg's payload to bytes unless it is already
// content-type-agnostic. targetContentType must be ContentTypeAll or
// ContentTypeOctetStream.
func SerializeIfNecessary(msg *Message, targetContentType string, codec Codec) (*Message, error) {
	if targetContentType == ContentTypeAll {
		return msg, nil
	}
	if targetContentType != ContentTypeOctetStream {
		return nil, fmt.Errorf("unsupported target content type %q", targetContentType)
	}

	out := msg.Clone()
	originalCT, _ := out.Header(HeaderContentType)

	switch payload := out.Payload.(type) {
	case []byte:
		if originalCT != "" {
			out.SetHeader(HeaderOriginalContentType, originalCT)
		}
		out.SetHeader(HeaderContentType, ContentTypeOctetStream)
		return out, nil
	case string:
		out.Payload = []byte(payload)
		if originalCT != "" {
			out.SetHeader(HeaderOriginalContentType, originalCT)
		}
		out.SetHeader(HeaderContentType, ContentTypeTextPlain)
		return out, nil
	default:
		data, typeName, err := codec.Encode(payload)
		if err != nil {
			return nil, err
		}
		out.Payload = data
		if originalCT != "" {
			out.SetHeader(HeaderOriginalContentType, originalCT)
		}
		out.SetHeader(HeaderContentType, javaObjectContentType(typeName))
		return out, nil
	}
}

// DeserializeIfNecessary reverses SerializeIfNecessary, reconstructing the
// original payload from its wire bytes and content type.
func DeserializeIfNecessary(msg *Message, codec Codec) (*Message, error) {
	data, isBytes := msg.Payload.([]byte)
	ct, _ := msg.Header(HeaderContentType)
	if !isBytes || ct == ContentTypeOctetStream {
		return msg, nil
	}

	out := msg.Clone()

	if ct == ContentTypeTextPlain {
		out.Payload = string(data)
	} else {
		typeName, ok := parseObjectContentTypeName(ct)
		if !ok {
			return nil, &SerializationError{TypeName: ct, Err: fmt.Errorf("content type carries no type parameter")}
		}
		decoded, err := codec.Decode(data, typeName)
		if err != nil {
			return nil, err
		}
		out.Payload = decoded
	}

	if original, ok := out.Header(HeaderOriginalContentType); ok {
		out.SetHeader(HeaderContentType, original)
		out.RemoveHeader(HeaderOriginalContentType)
	}
	return out, nil
}
