package fields

import (
	"encoding/binary"
	"math"
)

// Bool is a single byte holding 0 or 1.
type Bool struct {
	name string
	Val  bool
}

func NewBool(name string, v bool) *Bool { return &Bool{name: name, Val: v} }

func (f *Bool) Name() string { return f.name }
func (f *Bool) Size() int    { return 1 }

func (f *Bool) Pack() ([]byte, error) {
	if f.Val {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (f *Bool) Unpack(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrShortBuffer
	}
	f.Val = buf[0] != 0
	return 1, nil
}

func (f *Bool) Value() any { return f.Val }

func (f *Bool) SetValue(v any) error {
	b, err := toBool(v)
	if err != nil {
		return err
	}
	f.Val = b
	return nil
}

// Int8 is a signed 8-bit integer.
type Int8 struct {
	name string
	Val  int8
}

func NewInt8(name string, v int8) *Int8 { return &Int8{name: name, Val: v} }

func (f *Int8) Name() string { return f.name }
func (f *Int8) Size() int    { return 1 }

func (f *Int8) Pack() ([]byte, error) { return []byte{byte(f.Val)}, nil }

func (f *Int8) Unpack(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrShortBuffer
	}
	f.Val = int8(buf[0])
	return 1, nil
}

func (f *Int8) Value() any { return int64(f.Val) }

func (f *Int8) SetValue(v any) error {
	i, err := toInt64(v)
	if err != nil {
		return err
	}
	f.Val = int8(i)
	return nil
}

// Uint8 is an unsigned 8-bit integer.
type Uint8 struct {
	name string
	Val  uint8
}

func NewUint8(name string, v uint8) *Uint8 { return &Uint8{name: name, Val: v} }

func (f *Uint8) Name() string { return f.name }
func (f *Uint8) Size() int    { return 1 }

func (f *Uint8) Pack() ([]byte, error) { return []byte{f.Val}, nil }

func (f *Uint8) Unpack(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrShortBuffer
	}
	f.Val = buf[0]
	return 1, nil
}

func (f *Uint8) Value() any { return uint64(f.Val) }

func (f *Uint8) SetValue(v any) error {
	u, err := toUint64(v)
	if err != nil {
		return err
	}
	f.Val = uint8(u)
	return nil
}

// Int16 is a signed little-endian 16-bit integer.
type Int16 struct {
	name string
	Val  int16
}

func NewInt16(name string, v int16) *Int16 { return &Int16{name: name, Val: v} }

func (f *Int16) Name() string { return f.name }
func (f *Int16) Size() int    { return 2 }

func (f *Int16) Pack() ([]byte, error) {
	return binary.LittleEndian.AppendUint16(nil, uint16(f.Val)), nil
}

func (f *Int16) Unpack(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, ErrShortBuffer
	}
	f.Val = int16(binary.LittleEndian.Uint16(buf))
	return 2, nil
}

func (f *Int16) Value() any { return int64(f.Val) }

func (f *Int16) SetValue(v any) error {
	i, err := toInt64(v)
	if err != nil {
		return err
	}
	f.Val = int16(i)
	return nil
}

// Uint16 is an unsigned little-endian 16-bit integer.
type Uint16 struct {
	name string
	Val  uint16
}

func NewUint16(name string, v uint16) *Uint16 { return &Uint16{name: name, Val: v} }

func (f *Uint16) Name() string { return f.name }
func (f *Uint16) Size() int    { return 2 }

func (f *Uint16) Pack() ([]byte, error) {
	return binary.LittleEndian.AppendUint16(nil, f.Val), nil
}

func (f *Uint16) Unpack(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, ErrShortBuffer
	}
	f.Val = binary.LittleEndian.Uint16(buf)
	return 2, nil
}

func (f *Uint16) Value() any { return uint64(f.Val) }

func (f *Uint16) SetValue(v any) error {
	u, err := toUint64(v)
	if err != nil {
		return err
	}
	f.Val = uint16(u)
	return nil
}

// Int32 is a signed little-endian 32-bit integer.
type Int32 struct {
	name string
	Val  int32
}

func NewInt32(name string, v int32) *Int32 { return &Int32{name: name, Val: v} }

func (f *Int32) Name() string { return f.name }
func (f *Int32) Size() int    { return 4 }

func (f *Int32) Pack() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, uint32(f.Val)), nil
}

func (f *Int32) Unpack(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrShortBuffer
	}
	f.Val = int32(binary.LittleEndian.Uint32(buf))
	return 4, nil
}

func (f *Int32) Value() any { return int64(f.Val) }

func (f *Int32) SetValue(v any) error {
	i, err := toInt64(v)
	if err != nil {
		return err
	}
	f.Val = int32(i)
	return nil
}

// Uint32 is an unsigned little-endian 32-bit integer.
type Uint32 struct {
	name string
	Val  uint32
}

func NewUint32(name string, v uint32) *Uint32 { return &Uint32{name: name, Val: v} }

func (f *Uint32) Name() string { return f.name }
func (f *Uint32) Size() int    { return 4 }

func (f *Uint32) Pack() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, f.Val), nil
}

func (f *Uint32) Unpack(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrShortBuffer
	}
	f.Val = binary.LittleEndian.Uint32(buf)
	return 4, nil
}

func (f *Uint32) Value() any { return uint64(f.Val) }

func (f *Uint32) SetValue(v any) error {
	u, err := toUint64(v)
	if err != nil {
		return err
	}
	f.Val = uint32(u)
	return nil
}

// Int64 is a signed little-endian 64-bit integer.
type Int64 struct {
	name string
	Val  int64
}

func NewInt64(name string, v int64) *Int64 { return &Int64{name: name, Val: v} }

func (f *Int64) Name() string { return f.name }
func (f *Int64) Size() int    { return 8 }

func (f *Int64) Pack() ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, uint64(f.Val)), nil
}

func (f *Int64) Unpack(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, ErrShortBuffer
	}
	f.Val = int64(binary.LittleEndian.Uint64(buf))
	return 8, nil
}

func (f *Int64) Value() any { return f.Val }

func (f *Int64) SetValue(v any) error {
	i, err := toInt64(v)
	if err != nil {
		return err
	}
	f.Val = i
	return nil
}

// Uint64 is an unsigned little-endian 64-bit integer.
type Uint64 struct {
	name string
	Val  uint64
}

func NewUint64(name string, v uint64) *Uint64 { return &Uint64{name: name, Val: v} }

func (f *Uint64) Name() string { return f.name }
func (f *Uint64) Size() int    { return 8 }

func (f *Uint64) Pack() ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, f.Val), nil
}

func (f *Uint64) Unpack(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, ErrShortBuffer
	}
	f.Val = binary.LittleEndian.Uint64(buf)
	return 8, nil
}

func (f *Uint64) Value() any { return f.Val }

func (f *Uint64) SetValue(v any) error {
	u, err := toUint64(v)
	if err != nil {
		return err
	}
	f.Val = u
	return nil
}

// Float32 is a little-endian IEEE 754 single.
type Float32 struct {
	name string
	Val  float32
}

func NewFloat32(name string, v float32) *Float32 { return &Float32{name: name, Val: v} }

func (f *Float32) Name() string { return f.name }
func (f *Float32) Size() int    { return 4 }

func (f *Float32) Pack() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(f.Val)), nil
}

func (f *Float32) Unpack(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrShortBuffer
	}
	f.Val = math.Float32frombits(binary.LittleEndian.Uint32(buf))
	return 4, nil
}

func (f *Float32) Value() any { return float64(f.Val) }

func (f *Float32) SetValue(v any) error {
	fl, err := toFloat64(v)
	if err != nil {
		return err
	}
	f.Val = float32(fl)
	return nil
}
