// Package udpx implements acknowledged datagram delivery over UDP: every
// datagram carries a two byte header with a version, role flags and an
// exchange id, and the client retransmits until the matching ack arrives.
package udpx

import "errors"

// Version is the only protocol version in the field. Packets with any
// other version are discarded.
const Version uint8 = 0

// HeaderLen is the fixed header size in bytes.
const HeaderLen = 2

// Header byte 0, most significant bit first:
// version (2 bits), server (1), ack_request (1), ack (1), reserved (3).
// Byte 1 is the exchange id.
const (
	versionShift   = 6
	versionMask    = 0xC0
	flagServer     = 0x20
	flagAckRequest = 0x10
	flagAck        = 0x08
)

// ErrShortPacket reports a datagram smaller than the header.
var ErrShortPacket = errors.New("udpx: short packet")

// Packet is one datagram, header fields decoded.
type Packet struct {
	Version    uint8
	Server     bool
	AckRequest bool
	Ack        bool
	ID         uint8
	Payload    []byte
}

// Pack serializes the header and appends the payload.
func (p *Packet) Pack() []byte {
	b0 := (p.Version << versionShift) & versionMask
	if p.Server {
		b0 |= flagServer
	}
	if p.AckRequest {
		b0 |= flagAckRequest
	}
	if p.Ack {
		b0 |= flagAck
	}

	out := make([]byte, HeaderLen+len(p.Payload))
	out[0] = b0
	out[1] = p.ID
	copy(out[HeaderLen:], p.Payload)
	return out
}

// Parse decodes a datagram. The payload aliases data.
func Parse(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, ErrShortPacket
	}
	return &Packet{
		Version:    (data[0] & versionMask) >> versionShift,
		Server:     data[0]&flagServer != 0,
		AckRequest: data[0]&flagAckRequest != 0,
		Ack:        data[0]&flagAck != 0,
		ID:         data[1],
		Payload:    data[HeaderLen:],
	}, nil
}
