// Package fwimage reads firmware images for over the air loading. Images
// are Intel HEX files carrying a firmware info record at a fixed address
// and a CRC trailer appended after the last data byte.
package fwimage

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sigurn/crc16"

	"github.com/giapdangle/sapphire-tools/protocols"
)

var (
	// ErrBadChecksum reports a HEX record whose checksum does not add up.
	ErrBadChecksum = errors.New("fwimage: record checksum mismatch")

	// ErrBadCRC reports an image whose CRC trailer does not match its
	// contents.
	ErrBadCRC = errors.New("fwimage: image crc mismatch")

	// ErrNoInfo reports an image too small to hold the info record.
	ErrNoInfo = errors.New("fwimage: no firmware info record")
)

// crcTable matches the CRC the build tools append to every image.
var crcTable = crc16.MakeTable(crc16.CRC16_AUG_CCITT)

// Intel HEX record types.
const (
	recData          = 0x00
	recEOF           = 0x01
	recExtSegment    = 0x02
	recStartSegment  = 0x03
	recExtLinear     = 0x04
	recStartLinear   = 0x05
	crcTrailerLength = 2
)

// Info is the decoded firmware info record.
type Info struct {
	Length     uint32
	FirmwareID string
	OSName     string
	OSVersion  string
	AppName    string
	AppVersion string
}

// Image is a sparse firmware image keyed by absolute address.
type Image struct {
	name string

	data     map[uint32]byte
	min, max uint32
}

// ParseHex decodes an Intel HEX stream. Data, EOF, extended segment and
// extended linear address records are honored; start address records are
// metadata and skipped.
func ParseHex(name string, r io.Reader) (*Image, error) {
	img := &Image{name: name, data: make(map[uint32]byte)}

	var base uint32
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text[0] != ':' {
			return nil, fmt.Errorf("fwimage: %s:%d: record does not start with ':'", name, line)
		}

		rec, err := hex.DecodeString(text[1:])
		if err != nil {
			return nil, fmt.Errorf("fwimage: %s:%d: %w", name, line, err)
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("fwimage: %s:%d: record too short", name, line)
		}

		count := int(rec[0])
		if len(rec) != 5+count {
			return nil, fmt.Errorf("fwimage: %s:%d: record length %d, header says %d", name, line, len(rec)-5, count)
		}

		var sum byte
		for _, b := range rec {
			sum += b
		}
		if sum != 0 {
			return nil, fmt.Errorf("%w: %s:%d", ErrBadChecksum, name, line)
		}

		addr := uint32(rec[1])<<8 | uint32(rec[2])
		typ := rec[3]
		data := rec[4 : 4+count]

		switch typ {
		case recData:
			for i, b := range data {
				img.put(base+addr+uint32(i), b)
			}
		case recEOF:
			return img, nil
		case recExtSegment:
			if count != 2 {
				return nil, fmt.Errorf("fwimage: %s:%d: bad segment record", name, line)
			}
			base = uint32(binary.BigEndian.Uint16(data)) << 4
		case recExtLinear:
			if count != 2 {
				return nil, fmt.Errorf("fwimage: %s:%d: bad linear address record", name, line)
			}
			base = uint32(binary.BigEndian.Uint16(data)) << 16
		case recStartSegment, recStartLinear:
			// Entry point records, not part of the image.
		default:
			return nil, fmt.Errorf("fwimage: %s:%d: unsupported record type %#02x", name, line, typ)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fwimage: %s: %w", name, err)
	}
	return nil, fmt.Errorf("fwimage: %s: missing EOF record", name)
}

func (img *Image) put(addr uint32, b byte) {
	if len(img.data) == 0 || addr < img.min {
		img.min = addr
	}
	if len(img.data) == 0 || addr > img.max {
		img.max = addr
	}
	img.data[addr] = b
}

// Name returns the source file name the image was parsed from.
func (img *Image) Name() string { return img.name }

// Bytes renders the image as a contiguous binary from the lowest to the
// highest address. Gaps read as erased flash, 0xFF.
func (img *Image) Bytes() []byte {
	if len(img.data) == 0 {
		return nil
	}
	out := make([]byte, img.max-img.min+1)
	for i := range out {
		out[i] = 0xFF
	}
	for addr, b := range img.data {
		out[addr-img.min] = b
	}
	return out
}

// Info decodes the firmware info record at FirmwareInfoOffset.
func (img *Image) Info() (*Info, error) {
	rec := protocols.NewFirmwareInfo()
	buf := make([]byte, rec.Size())
	for i := range buf {
		b, ok := img.data[protocols.FirmwareInfoOffset+uint32(i)]
		if !ok {
			return nil, ErrNoInfo
		}
		buf[i] = b
	}
	if _, err := rec.Unpack(buf); err != nil {
		return nil, fmt.Errorf("fwimage: %s: %w", img.name, err)
	}
	return &Info{
		Length:     rec.Uint32("firmware_length"),
		FirmwareID: rec.String("firmware_id"),
		OSName:     rec.String("os_name"),
		OSVersion:  rec.String("os_version"),
		AppName:    rec.String("app_name"),
		AppVersion: rec.String("app_version"),
	}, nil
}

// VerifyCRC checks the big endian CRC trailer against the rest of the
// binary.
func (img *Image) VerifyCRC() error {
	bin := img.Bytes()
	if len(bin) < crcTrailerLength+1 {
		return ErrBadCRC
	}
	body := bin[:len(bin)-crcTrailerLength]
	want := binary.BigEndian.Uint16(bin[len(bin)-crcTrailerLength:])
	if crc16.Checksum(body, crcTable) != want {
		return ErrBadCRC
	}
	return nil
}
