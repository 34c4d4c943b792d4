// Package serialization provides the body codecs transports use to put envelopes on the wire.
//
// The envelope header is mapped by each transport onto its native metadata;
// only the body goes through a Codec. JSONCodec is the default. ProtoCodec
// encodes protobuf bodies in binary form and falls back to JSON for any other
// body type so error replies keep working.
package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Codec encodes and decodes message bodies
type Codec interface {
	// Marshal encodes v
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into the pointer v
	Unmarshal(data []byte, v any) error

	// ContentType names the encoding, e.g. "application/json"
	ContentType() string
}

// JSONCodec encodes bodies as JSON
type JSONCodec struct{}

// Marshal implements Codec
func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json body: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal json body: %w", err)
	}
	return nil
}

// ContentType implements Codec
func (JSONCodec) ContentType() string {
	return "application/json"
}

// ProtoCodec encodes protobuf bodies with the binary wire format
type ProtoCodec struct {
	fallback JSONCodec
}

// Marshal implements Codec
func (c ProtoCodec) Marshal(v any) ([]byte, error) {
	pm, ok := v.(proto.Message)
	if !ok {
		return c.fallback.Marshal(v)
	}
	data, err := proto.Marshal(pm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf body: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec. v may be a proto.Message or a pointer to a
// proto.Message pointer, which is allocated when nil.
func (c ProtoCodec) Unmarshal(data []byte, v any) error {
	pm, ok := protoTarget(v)
	if !ok {
		return c.fallback.Unmarshal(data, v)
	}
	if err := proto.Unmarshal(data, pm); err != nil {
		return fmt.Errorf("failed to unmarshal protobuf body: %w", err)
	}
	return nil
}

// ContentType implements Codec
func (ProtoCodec) ContentType() string {
	return "application/x-protobuf"
}

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

func protoTarget(v any) (proto.Message, bool) {
	if pm, ok := v.(proto.Message); ok {
		return pm, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, false
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Ptr || !elem.Type().Implements(protoMessageType) {
		return nil, false
	}
	if elem.IsNil() {
		elem.Set(reflect.New(elem.Type().Elem()))
	}
	return elem.Interface().(proto.Message), true
}

// ByName returns the codec registered under a configuration name
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
