package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/sigurn/crc16"
	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/protocols"
)

// Serial line protocol. Every frame is negotiated byte by byte: a start
// byte, then the length header, then the payload with a trailing CRC,
// each step acknowledged by the device.
const (
	SerialSOF = 0xFD
	SerialACK = 0xA1
	SerialNAK = 0x1B

	SerialBaudRate = 115200

	serialTries = 4
)

// The CRC trailer is big endian, unlike everything else on the wire.
var serialCRC = crc16.MakeTable(crc16.CRC16_AUG_CCITT)

// SerialChannel frames request/reply traffic over a serial port. It
// also accepts any ReadWriteCloser, which tests use.
type SerialChannel struct {
	port io.ReadWriteCloser
	log  *zap.Logger
}

// NewSerial wraps an open port.
func NewSerial(port io.ReadWriteCloser, logger *zap.Logger) *SerialChannel {
	return &SerialChannel{port: port, log: logger}
}

// SetTimeout bounds reads when the underlying port supports it.
func (c *SerialChannel) SetTimeout(d time.Duration) {
	if rt, ok := c.port.(interface{ SetReadTimeout(time.Duration) error }); ok {
		if err := rt.SetReadTimeout(d); err != nil {
			c.log.Warn("set serial read timeout", zap.Error(err))
		}
	}
}

// Exchange writes one framed request and reads back one framed reply.
func (c *SerialChannel) Exchange(data []byte) ([]byte, error) {
	if err := c.write(data); err != nil {
		return nil, err
	}
	return c.read()
}

// Close releases the port.
func (c *SerialChannel) Close() error { return c.port.Close() }

// write sends one frame, restarting the handshake when the device does
// not acknowledge a step.
func (c *SerialChannel) write(data []byte) error {
	if len(data) > 0xFFFF {
		return fmt.Errorf("channel: frame too large: %d bytes", len(data))
	}

	header, err := protocols.NewSerialFrameHeader(uint16(len(data))).Pack()
	if err != nil {
		return err
	}

	var crc [2]byte
	binary.BigEndian.PutUint16(crc[:], crc16.Checksum(data, serialCRC))

	for try := 0; try < serialTries; try++ {
		if _, err := c.port.Write([]byte{SerialSOF}); err != nil {
			return fmt.Errorf("channel: serial write: %w", err)
		}
		if b, err := c.readByte(); err != nil || b != SerialACK {
			continue
		}

		if _, err := c.port.Write(header); err != nil {
			return fmt.Errorf("channel: serial write: %w", err)
		}
		if b, err := c.readByte(); err != nil || b != SerialACK {
			continue
		}

		if _, err := c.port.Write(data); err != nil {
			return fmt.Errorf("channel: serial write: %w", err)
		}
		if _, err := c.port.Write(crc[:]); err != nil {
			return fmt.Errorf("channel: serial write: %w", err)
		}

		b, err := c.readByte()
		if err != nil {
			return fmt.Errorf("channel: serial read: %w", err)
		}
		if b == SerialACK {
			return nil
		}
	}

	return ErrHandshake
}

// read receives one frame. A corrupt header restarts the wait; a CRC
// mismatch on the payload is fatal.
func (c *SerialChannel) read() ([]byte, error) {
	hdrBuf := make([]byte, protocols.NewSerialFrameHeader(0).Size())

	for try := 0; try < serialTries; try++ {
		if _, err := io.ReadFull(c.port, hdrBuf); err != nil {
			return nil, fmt.Errorf("channel: serial read: %w", err)
		}

		header := protocols.NewSerialFrameHeader(0)
		if _, err := header.Unpack(hdrBuf); err != nil {
			return nil, err
		}
		length := header.Uint16("len")
		if length != ^header.Uint16("inverted_len") {
			c.log.Debug("corrupt frame header, retrying",
				zap.Uint16("len", length),
				zap.Uint16("inverted_len", header.Uint16("inverted_len")))
			continue
		}

		data := make([]byte, int(length))
		if _, err := io.ReadFull(c.port, data); err != nil {
			return nil, fmt.Errorf("channel: serial read: %w", err)
		}

		var crc [2]byte
		if _, err := io.ReadFull(c.port, crc[:]); err != nil {
			return nil, fmt.Errorf("channel: serial read: %w", err)
		}

		if crc16.Checksum(data, serialCRC) != binary.BigEndian.Uint16(crc[:]) {
			return nil, ErrChecksum
		}
		return data, nil
	}

	return nil, ErrHandshake
}

func (c *SerialChannel) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.port, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
