package fields

import "fmt"

// Struct is an ordered sequence of named child fields. Size is the sum of
// the children and unpack hands each child the unconsumed tail.
type Struct struct {
	name   string
	fields []Field
	index  map[string]Field
}

func NewStruct(name string, fs ...Field) *Struct {
	s := &Struct{name: name, index: make(map[string]Field, len(fs))}
	for _, f := range fs {
		s.Append(f)
	}
	return s
}

func (s *Struct) Name() string { return s.name }

// Append adds a child field. Used by self-describing containers that only
// learn their value layout while unpacking.
func (s *Struct) Append(f Field) {
	s.fields = append(s.fields, f)
	s.index[f.Name()] = f
}

func (s *Struct) Fields() []Field { return s.fields }

func (s *Struct) FieldByName(name string) (Field, bool) {
	f, ok := s.index[name]
	return f, ok
}

func (s *Struct) Get(name string) any {
	if f, ok := s.index[name]; ok {
		return f.Value()
	}
	return nil
}

func (s *Struct) Set(name string, v any) error {
	f, ok := s.index[name]
	if !ok {
		return fmt.Errorf("fields: struct %q has no field %q", s.name, name)
	}
	return f.SetValue(v)
}

// Typed accessors. They return the zero value when the field is missing or
// of another kind; command handlers know their layouts.

func (s *Struct) Uint8(name string) uint8 {
	if f, ok := s.index[name].(*Uint8); ok {
		return f.Val
	}
	return 0
}

func (s *Struct) Uint16(name string) uint16 {
	if f, ok := s.index[name].(*Uint16); ok {
		return f.Val
	}
	return 0
}

func (s *Struct) Uint32(name string) uint32 {
	if f, ok := s.index[name].(*Uint32); ok {
		return f.Val
	}
	return 0
}

func (s *Struct) Uint64(name string) uint64 {
	if f, ok := s.index[name].(*Uint64); ok {
		return f.Val
	}
	return 0
}

func (s *Struct) Int8(name string) int8 {
	if f, ok := s.index[name].(*Int8); ok {
		return f.Val
	}
	return 0
}

func (s *Struct) Int16(name string) int16 {
	if f, ok := s.index[name].(*Int16); ok {
		return f.Val
	}
	return 0
}

func (s *Struct) Int32(name string) int32 {
	if f, ok := s.index[name].(*Int32); ok {
		return f.Val
	}
	return 0
}

func (s *Struct) String(name string) string {
	switch f := s.index[name].(type) {
	case *String:
		return f.Val
	case *Ipv4:
		return f.String()
	case *Mac:
		return f.String()
	}
	if f, ok := s.index[name]; ok {
		if v, err := toString(f.Value()); err == nil {
			return v
		}
	}
	return ""
}

func (s *Struct) Bytes(name string) []byte {
	if f, ok := s.index[name].(*Raw); ok {
		return f.Data
	}
	return nil
}

func (s *Struct) Sub(name string) *Struct {
	if f, ok := s.index[name].(*Struct); ok {
		return f
	}
	return nil
}

func (s *Struct) Array(name string) *Array {
	if f, ok := s.index[name].(*Array); ok {
		return f
	}
	return nil
}

func (s *Struct) Size() int {
	n := 0
	for _, f := range s.fields {
		n += f.Size()
	}
	return n
}

func (s *Struct) Pack() ([]byte, error) {
	out := make([]byte, 0, s.Size())
	for _, f := range s.fields {
		b, err := f.Pack()
		if err != nil {
			return nil, fmt.Errorf("fields: packing %s.%s: %w", s.name, f.Name(), err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func (s *Struct) Unpack(buf []byte) (int, error) {
	off := 0
	for _, f := range s.fields {
		n, err := f.Unpack(buf[off:])
		if err != nil {
			return off, fmt.Errorf("fields: unpacking %s.%s: %w", s.name, f.Name(), err)
		}
		off += n
	}
	return off, nil
}

// Value returns the struct as a name-to-value map.
func (s *Struct) Value() any {
	m := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		m[f.Name()] = f.Value()
	}
	return m
}

func (s *Struct) SetValue(v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("fields: cannot convert %T to struct %q", v, s.name)
	}
	for k, val := range m {
		if err := s.Set(k, val); err != nil {
			return err
		}
	}
	return nil
}
