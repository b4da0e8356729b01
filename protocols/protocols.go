// Package protocols defines the wire formats spoken by Sapphire devices:
// message registries for the gateway services, device command and
// notification protocols, the self describing key/value containers they
// carry, and the fixed binary records served from device info files.
//
// All multi byte integers are little-endian unless a record explicitly
// says otherwise.
package protocols

import (
	"encoding/binary"
	"fmt"

	"github.com/giapdangle/sapphire-tools/fields"
)

// Width in bytes of a protocol's message type tag.
const (
	TypeWidth8  = 1
	TypeWidth16 = 2
)

// UnknownMessageError reports a type tag with no registered payload.
type UnknownMessageError struct {
	Protocol string
	MsgType  uint16
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("protocols: %s: unknown message type %d", e.Protocol, e.MsgType)
}

// Payload is a single protocol message: a numeric type tag followed by an
// ordered field list. The tag width is fixed by the owning protocol.
type Payload struct {
	*fields.Struct

	msgType   uint16
	typeWidth int
}

func newPayload(msgType uint16, typeWidth int, name string, fs ...fields.Field) *Payload {
	return &Payload{
		Struct:    fields.NewStruct(name, fs...),
		msgType:   msgType,
		typeWidth: typeWidth,
	}
}

// MsgType returns the message type tag.
func (p *Payload) MsgType() uint16 { return p.msgType }

// Size returns the packed length in bytes, type tag included.
func (p *Payload) Size() int { return p.typeWidth + p.Struct.Size() }

// Pack prepends the little-endian type tag to the packed field list.
func (p *Payload) Pack() ([]byte, error) {
	body, err := p.Struct.Pack()
	if err != nil {
		return nil, fmt.Errorf("protocols: pack %s: %w", p.Name(), err)
	}

	buf := make([]byte, 0, p.typeWidth+len(body))
	if p.typeWidth == TypeWidth8 {
		buf = append(buf, byte(p.msgType))
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, p.msgType)
	}
	return append(buf, body...), nil
}

// Unpack skips the type tag and fills the field list from what follows.
// Dispatching on the tag is the protocol's job, see Protocol.Unpack.
func (p *Payload) Unpack(buf []byte) (int, error) {
	if len(buf) < p.typeWidth {
		return 0, fields.ErrShortBuffer
	}
	n, err := p.Struct.Unpack(buf[p.typeWidth:])
	if err != nil {
		return 0, fmt.Errorf("protocols: unpack %s: %w", p.Name(), err)
	}
	return p.typeWidth + n, nil
}

// Protocol maps message type tags to payload constructors.
type Protocol struct {
	name      string
	typeWidth int
	ctors     map[uint16]func() *Payload
}

// NewProtocol returns an empty registry. Message definitions are added
// with register; the stock protocols are package level variables.
func NewProtocol(name string, typeWidth int) *Protocol {
	return &Protocol{
		name:      name,
		typeWidth: typeWidth,
		ctors:     make(map[uint16]func() *Payload),
	}
}

// Name returns the protocol name.
func (p *Protocol) Name() string { return p.name }

func (p *Protocol) register(msgType uint16, ctor func() *Payload) {
	if _, dup := p.ctors[msgType]; dup {
		panic(fmt.Sprintf("protocols: %s: duplicate message type %d", p.name, msgType))
	}
	p.ctors[msgType] = ctor
}

// New returns a zero valued payload for the given type tag.
func (p *Protocol) New(msgType uint16) (*Payload, error) {
	ctor, ok := p.ctors[msgType]
	if !ok {
		return nil, &UnknownMessageError{Protocol: p.name, MsgType: msgType}
	}
	return ctor(), nil
}

// Unpack reads the type tag from buf, constructs the matching payload and
// fills it from the remainder.
func (p *Protocol) Unpack(buf []byte) (*Payload, error) {
	if len(buf) < p.typeWidth {
		return nil, fields.ErrShortBuffer
	}

	var tag uint16
	if p.typeWidth == TypeWidth8 {
		tag = uint16(buf[0])
	} else {
		tag = binary.LittleEndian.Uint16(buf)
	}

	pl, err := p.New(tag)
	if err != nil {
		return nil, err
	}
	if _, err := pl.Unpack(buf); err != nil {
		return nil, err
	}
	return pl, nil
}
