package fields

import (
	"fmt"

	"github.com/google/uuid"
)

// String is a fixed-width NUL-padded string. A width of zero means the
// field scans to the first NUL on unpack and packs as value + NUL.
type String struct {
	name   string
	length int
	Val    string
}

func NewString(name string, length int, v string) *String {
	return &String{name: name, length: length, Val: v}
}

func NewString128(name string, v string) *String { return NewString(name, 128, v) }
func NewString512(name string, v string) *String { return NewString(name, 512, v) }

func (f *String) Name() string { return f.name }

func (f *String) Size() int {
	if f.length > 0 {
		return f.length
	}
	return len(f.Val) + 1
}

func (f *String) Pack() ([]byte, error) {
	if f.length == 0 {
		out := make([]byte, len(f.Val)+1)
		copy(out, f.Val)
		return out, nil
	}
	out := make([]byte, f.length)
	copy(out, f.Val)
	return out, nil
}

func (f *String) Unpack(buf []byte) (int, error) {
	if f.length == 0 {
		n := len(buf)
		for i, c := range buf {
			if c == 0 {
				n = i
				break
			}
		}
		f.Val = filterPrintable(buf[:n])
		if n < len(buf) {
			return n + 1, nil
		}
		return n, nil
	}
	if len(buf) < f.length {
		return 0, ErrShortBuffer
	}
	f.Val = filterPrintable(buf[:f.length])
	return f.length, nil
}

func (f *String) Value() any { return f.Val }

func (f *String) SetValue(v any) error {
	s, err := toString(v)
	if err != nil {
		return err
	}
	f.Val = s
	return nil
}

// filterPrintable keeps printable ASCII, dropping padding and line noise
// that devices leave in fixed-width name fields.
func filterPrintable(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if (c >= 0x20 && c <= 0x7e) || c == '\t' || c == '\n' || c == '\r' {
			out = append(out, c)
		}
	}
	return string(out)
}

// Uuid is a 16-byte UUID with a canonical textual value.
type Uuid struct {
	name string
	Val  uuid.UUID
}

func NewUuid(name string, v uuid.UUID) *Uuid { return &Uuid{name: name, Val: v} }

func (f *Uuid) Name() string { return f.name }
func (f *Uuid) Size() int    { return 16 }

func (f *Uuid) Pack() ([]byte, error) {
	out := make([]byte, 16)
	copy(out, f.Val[:])
	return out, nil
}

func (f *Uuid) Unpack(buf []byte) (int, error) {
	if len(buf) < 16 {
		return 0, ErrShortBuffer
	}
	u, err := uuid.FromBytes(buf[:16])
	if err != nil {
		return 0, err
	}
	f.Val = u
	return 16, nil
}

func (f *Uuid) Value() any { return f.Val.String() }

func (f *Uuid) SetValue(v any) error {
	switch u := v.(type) {
	case uuid.UUID:
		f.Val = u
		return nil
	case string:
		parsed, err := uuid.Parse(u)
		if err != nil {
			return fmt.Errorf("fields: bad uuid %q: %w", u, err)
		}
		f.Val = parsed
		return nil
	case []byte:
		parsed, err := uuid.FromBytes(u)
		if err != nil {
			return err
		}
		f.Val = parsed
		return nil
	default:
		return fmt.Errorf("fields: cannot convert %T to uuid", v)
	}
}
