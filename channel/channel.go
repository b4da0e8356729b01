// Package channel provides request/reply transports to a device: UDP
// with acknowledged delivery for networked devices, and a framed serial
// link for devices on a local port.
package channel

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/udpx"
)

var (
	// ErrInvalidPeer reports a reply from an address other than the
	// device the request targeted.
	ErrInvalidPeer = errors.New("channel: reply from unexpected peer")

	// ErrHandshake reports that the serial peer never acknowledged a
	// frame within the retry budget.
	ErrHandshake = errors.New("channel: serial handshake failed")

	// ErrChecksum reports a serial frame whose CRC did not match.
	ErrChecksum = errors.New("channel: bad frame checksum")
)

// Channel is one bidirectional transport to a device. Exchange performs
// a full request/reply round trip.
type Channel interface {
	Exchange(data []byte) ([]byte, error)
	SetTimeout(d time.Duration)
	Close() error
}

// New opens a channel to host. An IPv4 literal selects the pooled UDP
// transport on the given port; anything else is treated as a serial
// port name.
func New(host string, port int, pool *udpx.Pool, logger *zap.Logger) (Channel, error) {
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return NewUDPX(host, port, pool, logger), nil
	}

	sp, err := serial.Open(host, &serial.Mode{BaudRate: SerialBaudRate})
	if err != nil {
		return nil, fmt.Errorf("channel: open serial port %s: %w", host, err)
	}
	ch := NewSerial(sp, logger)
	ch.SetTimeout(time.Second)
	return ch, nil
}
