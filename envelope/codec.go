package envelope

import (
	"fmt"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	errs "github.com/c360/cellmate/errors"
)

// Codec marshals framed envelopes for transports that carry a single
// opaque payload per message.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Codec names accepted by Lookup.
const (
	CodecCBOR    = "cbor"
	CodecMsgPack = "msgpack"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec with the core profile.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type msgpackCodec struct{}

// MsgPack returns a MessagePack codec.
func MsgPack() Codec { return msgpackCodec{} }

func (msgpackCodec) ContentType() string                { return "application/msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// Lookup returns the codec registered under name or content type.
// An empty name selects CBOR.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecCBOR, "application/cbor":
		return CBOR()
	case CodecMsgPack, "application/msgpack", "application/x-msgpack":
		return MsgPack(), nil
	default:
		return nil, fmt.Errorf("unknown envelope codec %q", name)
	}
}

const wireVersion = 1

type wireEnvelope struct {
	Version int        `cbor:"v" msgpack:"v"`
	Parts   []wirePart `cbor:"p" msgpack:"p"`
}

type wirePart struct {
	Type []byte `cbor:"t" msgpack:"t"`
	Data []byte `cbor:"d" msgpack:"d"`
}

// ErrFrame is returned when a payload is not a framed envelope.
var ErrFrame = fmt.Errorf("invalid envelope frame: %w", errs.ErrParsingFailed)

// Frame encodes env into a single payload.
func Frame(c Codec, env Envelope) ([]byte, error) {
	w := wireEnvelope{Version: wireVersion, Parts: make([]wirePart, len(env.Parts))}
	for i, p := range env.Parts {
		t := p.Type
		w.Parts[i] = wirePart{Type: t[:], Data: p.Data}
	}
	return c.Marshal(w)
}

// Unframe decodes a payload produced by Frame.
func Unframe(c Codec, data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := c.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrFrame, err)
	}
	if w.Version != wireVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported version %d", ErrFrame, w.Version)
	}

	env := Envelope{Parts: make([]Part, len(w.Parts))}
	for i, p := range w.Parts {
		if len(p.Type) != len(PartType{}) {
			return Envelope{}, fmt.Errorf("%w: part %d type tag has %d bytes", ErrFrame, i, len(p.Type))
		}
		var t PartType
		copy(t[:], p.Type)
		env.Parts[i] = Part{Type: t, Data: p.Data}
	}
	return env, nil
}

// UnframeOrRaw decodes a framed payload, or wraps data as a single part when
// it is not one. Replies published by foreign tools arrive as plain bytes.
func UnframeOrRaw(c Codec, data []byte) Envelope {
	env, err := Unframe(c, data)
	if err != nil {
		return Envelope{Parts: []Part{{Type: DefaultPartType, Data: data}}}
	}
	return env
}
