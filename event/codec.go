package event

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/tally/id"
)

// Codec encodes envelopes for the channel. Decode reads every codec's
// output, so instances configured with different codecs still relay to
// each other.
type Codec interface {
	Encode(source id.InstanceID, e Event) ([]byte, error)

	// Name returns the codec identifier ("json" or "msgpack").
	Name() string
}

// Codec names accepted by GetCodec.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns the codec called name. The empty name is JSON.
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("event: unknown codec %q", name)
	}
}

// JSONCodec writes the JSON Envelope.
type JSONCodec struct{}

func (JSONCodec) Encode(source id.InstanceID, e Event) ([]byte, error) { return Encode(source, e) }
func (JSONCodec) Name() string                                         { return CodecNameJSON }

// MsgpackCodec writes a MessagePack envelope. Payload fields keep their
// JSON names.
type MsgpackCodec struct{}

type packedEnvelope struct {
	SourceID string             `msgpack:"s"`
	Type     Type               `msgpack:"t"`
	Payload  msgpack.RawMessage `msgpack:"p"`
}

func (MsgpackCodec) Encode(source id.InstanceID, e Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", e.Type(), err)
	}
	return msgpack.Marshal(packedEnvelope{
		SourceID: source.String(),
		Type:     e.Type(),
		Payload:  buf.Bytes(),
	})
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }

// packed reports whether data starts with a MessagePack map header. A
// JSON envelope always starts with '{' or whitespace.
func packed(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	b := data[0]
	return b&0xf0 == 0x80 || b == 0xde || b == 0xdf
}

func decodePacked(data []byte) (id.InstanceID, Event, error) {
	var env packedEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return id.Nil, nil, fmt.Errorf("event: decode envelope: %w", err)
	}
	source := id.Nil
	if env.SourceID != "" {
		var err error
		if source, err = id.ParseInstanceID(env.SourceID); err != nil {
			return id.Nil, nil, fmt.Errorf("event: decode envelope: %w", err)
		}
	}
	return build(source, env.Type, func(v any) error {
		dec := msgpack.NewDecoder(bytes.NewReader(env.Payload))
		dec.SetCustomStructTag("json")
		return dec.Decode(v)
	})
}
