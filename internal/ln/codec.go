package ln

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// rawMessage is a pre-framed protobuf payload. The grpc codec passes it
// through untouched, so messages can be framed with protowire instead of
// generated stubs.
type rawMessage []byte

// rawCodec implements grpc encoding.Codec over rawMessage values.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("raw codec cannot marshal %T", v)
	}
	return *msg, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*msg = append((*msg)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

// fields iterates the top-level fields of a protobuf message, calling fn
// with each field number, wire type, and value bytes. Varint and fixed
// values are passed in their encoded form; length-delimited values are the
// payload.
func fields(msg []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]

		var value []byte
		switch typ {
		case protowire.VarintType:
			_, n = protowire.ConsumeVarint(msg)
		case protowire.Fixed32Type:
			_, n = protowire.ConsumeFixed32(msg)
		case protowire.Fixed64Type:
			_, n = protowire.ConsumeFixed64(msg)
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(msg)
		default:
			return fmt.Errorf("unsupported wire type %v for field %d", typ, num)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		if value == nil {
			value = msg[:n]
		}
		if err := fn(num, typ, value); err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}

// varintField decodes a varint value produced by fields.
func varintField(value []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}
