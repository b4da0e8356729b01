package fields

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Ipv4 is four wire bytes in address order with a dotted-quad textual value.
type Ipv4 struct {
	name string
	addr [4]byte
}

func NewIpv4(name string, v string) *Ipv4 {
	f := &Ipv4{name: name}
	if v != "" {
		_ = f.SetValue(v)
	}
	return f
}

func (f *Ipv4) Name() string { return f.name }
func (f *Ipv4) Size() int    { return 4 }

func (f *Ipv4) Pack() ([]byte, error) {
	out := make([]byte, 4)
	copy(out, f.addr[:])
	return out, nil
}

func (f *Ipv4) Unpack(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrShortBuffer
	}
	copy(f.addr[:], buf[:4])
	return 4, nil
}

func (f *Ipv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", f.addr[0], f.addr[1], f.addr[2], f.addr[3])
}

func (f *Ipv4) Value() any { return f.String() }

func (f *Ipv4) SetValue(v any) error {
	s, err := toString(v)
	if err != nil {
		return err
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return fmt.Errorf("fields: bad ipv4 address %q", s)
	}
	var addr [4]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return fmt.Errorf("fields: bad ipv4 address %q", s)
		}
		addr[i] = byte(n)
	}
	f.addr = addr
	return nil
}

// Mac is a hardware address of 6 or 8 bytes rendered as colon-separated
// lowercase hex without zero padding.
type Mac struct {
	name  string
	width int
	hw    []byte
}

func NewMac48(name string, v string) *Mac { return newMac(name, 6, v) }
func NewMac64(name string, v string) *Mac { return newMac(name, 8, v) }

func newMac(name string, width int, v string) *Mac {
	f := &Mac{name: name, width: width, hw: make([]byte, width)}
	if v != "" {
		_ = f.SetValue(v)
	}
	return f
}

func (f *Mac) Name() string { return f.name }
func (f *Mac) Size() int    { return f.width }

func (f *Mac) Pack() ([]byte, error) {
	out := make([]byte, f.width)
	copy(out, f.hw)
	return out, nil
}

func (f *Mac) Unpack(buf []byte) (int, error) {
	if len(buf) < f.width {
		return 0, ErrShortBuffer
	}
	f.hw = append(f.hw[:0], buf[:f.width]...)
	return f.width, nil
}

func (f *Mac) String() string {
	parts := make([]string, len(f.hw))
	for i, b := range f.hw {
		parts[i] = strconv.FormatUint(uint64(b), 16)
	}
	return strings.Join(parts, ":")
}

func (f *Mac) Value() any { return f.String() }

func (f *Mac) SetValue(v any) error {
	s, err := toString(v)
	if err != nil {
		return err
	}
	parts := strings.Split(s, ":")
	if len(parts) != f.width {
		return fmt.Errorf("fields: bad mac address %q: want %d octets", s, f.width)
	}
	hw := make([]byte, f.width)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return fmt.Errorf("fields: bad mac address %q", s)
		}
		hw[i] = byte(n)
	}
	f.hw = hw
	return nil
}

// Key128 is a 16-byte key with a 32-character hex textual value. The
// setter rejects any other length.
type Key128 struct {
	name string
	key  [16]byte
}

func NewKey128(name string, v string) (*Key128, error) {
	f := &Key128{name: name}
	if v != "" {
		if err := f.SetValue(v); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Key128) Name() string { return f.name }
func (f *Key128) Size() int    { return 16 }

func (f *Key128) Pack() ([]byte, error) {
	out := make([]byte, 16)
	copy(out, f.key[:])
	return out, nil
}

func (f *Key128) Unpack(buf []byte) (int, error) {
	if len(buf) < 16 {
		return 0, ErrShortBuffer
	}
	copy(f.key[:], buf[:16])
	return 16, nil
}

func (f *Key128) Value() any { return hex.EncodeToString(f.key[:]) }

func (f *Key128) SetValue(v any) error {
	switch k := v.(type) {
	case string:
		if len(k) != 32 {
			return fmt.Errorf("fields: key size must be 16 bytes")
		}
		raw, err := hex.DecodeString(k)
		if err != nil {
			return fmt.Errorf("fields: bad key %q: %w", k, err)
		}
		copy(f.key[:], raw)
		return nil
	case []byte:
		if len(k) != 16 {
			return fmt.Errorf("fields: key size must be 16 bytes")
		}
		copy(f.key[:], k)
		return nil
	default:
		return fmt.Errorf("fields: cannot convert %T to key", v)
	}
}

// Raw is an opaque byte run whose length is decided by the enclosing
// container; unpack consumes the remainder of the buffer.
type Raw struct {
	name string
	Data []byte
}

func NewRaw(name string, data []byte) *Raw { return &Raw{name: name, Data: data} }

func (f *Raw) Name() string { return f.name }
func (f *Raw) Size() int    { return len(f.Data) }

func (f *Raw) Pack() ([]byte, error) {
	out := make([]byte, len(f.Data))
	copy(out, f.Data)
	return out, nil
}

func (f *Raw) Unpack(buf []byte) (int, error) {
	f.Data = append(f.Data[:0], buf...)
	return len(buf), nil
}

func (f *Raw) Value() any { return f.Data }

func (f *Raw) SetValue(v any) error {
	switch d := v.(type) {
	case []byte:
		f.Data = append([]byte(nil), d...)
		return nil
	case string:
		f.Data = []byte(d)
		return nil
	case nil:
		f.Data = nil
		return nil
	default:
		return fmt.Errorf("fields: cannot convert %T to raw bytes", v)
	}
}
