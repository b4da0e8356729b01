package fields

import (
	"errors"
	"fmt"
)

// Array is a homogeneous field sequence. A fixed count pre-populates the
// elements; a count of zero means unpack consumes the buffer to exhaustion,
// one element per iteration.
type Array struct {
	name  string
	elem  func() Field
	count int
	items []Field
}

func NewArray(name string, count int, elem func() Field) *Array {
	a := &Array{name: name, elem: elem, count: count}
	for i := 0; i < count; i++ {
		a.items = append(a.items, elem())
	}
	return a
}

func (a *Array) Name() string { return a.name }

func (a *Array) Len() int { return len(a.items) }

func (a *Array) At(i int) Field { return a.items[i] }

func (a *Array) Items() []Field { return a.items }

func (a *Array) Append(f Field) { a.items = append(a.items, f) }

func (a *Array) Size() int {
	n := 0
	for _, f := range a.items {
		n += f.Size()
	}
	return n
}

func (a *Array) Pack() ([]byte, error) {
	out := make([]byte, 0, a.Size())
	for i, f := range a.items {
		b, err := f.Pack()
		if err != nil {
			return nil, fmt.Errorf("fields: packing %s[%d]: %w", a.name, i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func (a *Array) Unpack(buf []byte) (int, error) {
	a.items = a.items[:0]
	off := 0
	for off < len(buf) {
		f := a.elem()
		n, err := f.Unpack(buf[off:])
		if err != nil {
			return off, fmt.Errorf("fields: unpacking %s[%d]: %w", a.name, len(a.items), err)
		}
		if n == 0 {
			return off, errors.New("fields: array element consumed no bytes")
		}
		off += n
		a.items = append(a.items, f)
		if a.count > 0 && len(a.items) >= a.count {
			break
		}
	}
	return off, nil
}

// Value returns the element values as a slice.
func (a *Array) Value() any {
	vals := make([]any, len(a.items))
	for i, f := range a.items {
		vals[i] = f.Value()
	}
	return vals
}

func (a *Array) SetValue(v any) error {
	vals, ok := v.([]any)
	if !ok {
		return fmt.Errorf("fields: cannot convert %T to array %q", v, a.name)
	}
	a.items = a.items[:0]
	for _, val := range vals {
		f := a.elem()
		if err := f.SetValue(val); err != nil {
			return err
		}
		a.items = append(a.items, f)
	}
	return nil
}
