package fwimage

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/giapdangle/sapphire-tools/protocols"
)

const testFWID = "3112f4bd-1a92-4dac-a871-1b16d2e3d3a2"

// buildBinary assembles a firmware binary: filler, the info record at its
// fixed offset, an app section and the CRC trailer.
func buildBinary(t *testing.T, fwid string) []byte {
	t.Helper()

	info := protocols.NewFirmwareInfo()
	require.NoError(t, info.Set("firmware_length", 1024))
	require.NoError(t, info.Set("firmware_id", fwid))
	require.NoError(t, info.Set("os_name", "sapphire"))
	require.NoError(t, info.Set("os_version", "v2.0"))
	require.NoError(t, info.Set("app_name", "testapp"))
	require.NoError(t, info.Set("app_version", "1.0"))
	packed, err := info.Pack()
	require.NoError(t, err)

	bin := make([]byte, protocols.FirmwareInfoOffset)
	for i := range bin {
		bin[i] = byte(i)
	}
	bin = append(bin, packed...)
	bin = append(bin, []byte("application code goes here")...)

	crc := crc16.Checksum(bin, crcTable)
	return binary.BigEndian.AppendUint16(bin, crc)
}

func record(typ byte, addr uint16, data []byte) string {
	rec := []byte{byte(len(data)), byte(addr >> 8), byte(addr), typ}
	rec = append(rec, data...)
	var sum byte
	for _, b := range rec {
		sum += b
	}
	rec = append(rec, -sum)
	return ":" + strings.ToUpper(hex.EncodeToString(rec))
}

// toHex renders a binary that starts at address 0 as Intel HEX text.
func toHex(bin []byte) string {
	var lines []string
	for off := 0; off < len(bin); off += 16 {
		end := off + 16
		if end > len(bin) {
			end = len(bin)
		}
		lines = append(lines, record(recData, uint16(off), bin[off:end]))
	}
	lines = append(lines, record(recEOF, 0, nil))
	return strings.Join(lines, "\n") + "\n"
}

func TestParseHex_RoundTrip(t *testing.T) {
	bin := buildBinary(t, testFWID)

	img, err := ParseHex("test.hex", strings.NewReader(toHex(bin)))
	require.NoError(t, err)
	assert.Equal(t, bin, img.Bytes())
	require.NoError(t, img.VerifyCRC())

	info, err := img.Info()
	require.NoError(t, err)
	assert.Equal(t, testFWID, info.FirmwareID)
	assert.Equal(t, "sapphire", info.OSName)
	assert.Equal(t, "testapp", info.AppName)
	assert.Equal(t, uint32(1024), info.Length)
}

func TestParseHex_ExtendedLinearAddress(t *testing.T) {
	lines := []string{
		record(recExtLinear, 0, []byte{0x00, 0x01}),
		record(recData, 0x0010, []byte{0xDE, 0xAD}),
		record(recEOF, 0, nil),
	}
	img, err := ParseHex("high.hex", strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)

	assert.Equal(t, []byte{0xDE, 0xAD}, img.Bytes())
	assert.Equal(t, uint32(0x010010), img.min)
}

func TestParseHex_FillsGapsWithErasedFlash(t *testing.T) {
	lines := []string{
		record(recData, 0, []byte{0x01}),
		record(recData, 4, []byte{0x02}),
		record(recEOF, 0, nil),
	}
	img, err := ParseHex("gap.hex", strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xFF, 0xFF, 0xFF, 0x02}, img.Bytes())
}

func TestParseHex_RejectsBadChecksum(t *testing.T) {
	line := record(recData, 0, []byte{0x01, 0x02})
	corrupt := line[:len(line)-2] + "00"

	_, err := ParseHex("bad.hex", strings.NewReader(corrupt+"\n"+record(recEOF, 0, nil)))
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestParseHex_RequiresEOFRecord(t *testing.T) {
	_, err := ParseHex("trunc.hex", strings.NewReader(record(recData, 0, []byte{0x01})))
	require.Error(t, err)
}

func TestVerifyCRC_Corrupted(t *testing.T) {
	bin := buildBinary(t, testFWID)
	bin[protocols.FirmwareInfoOffset+3] ^= 0xFF

	img, err := ParseHex("test.hex", strings.NewReader(toHex(bin)))
	require.NoError(t, err)
	require.ErrorIs(t, img.VerifyCRC(), ErrBadCRC)
}

func TestStore_LoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "testapp.hex"), []byte(toHex(buildBinary(t, testFWID))), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.hex"), []byte(":garbage\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o644))

	store := NewStore(dir, zaptest.NewLogger(t))
	require.NoError(t, store.Load())

	img, err := store.Lookup(testFWID)
	require.NoError(t, err)
	assert.Equal(t, "testapp.hex", img.Name())

	_, err = store.Lookup("00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)

	require.Len(t, store.Infos(), 1)
}

func TestStore_MissingDirectoryIsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope"), zaptest.NewLogger(t))
	require.NoError(t, store.Load())

	_, err := store.Lookup(testFWID)
	require.ErrorIs(t, err, ErrNotFound)
}
