// Package fields implements the binary field codec used on the device wire.
// A field tree packs to and unpacks from a contiguous little-endian buffer;
// structs consume a prefix per child and arrays of unknown length consume
// the buffer to exhaustion.
package fields

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrShortBuffer is returned when a buffer ends before a field is complete.
var ErrShortBuffer = errors.New("fields: buffer too short")

// Field is one node of the codec tree.
type Field interface {
	Name() string
	// Size reports the number of bytes the field occupies when packed.
	Size() int
	Pack() ([]byte, error)
	// Unpack reads the field from the start of buf and returns the number
	// of bytes consumed, leaving the tail to the caller.
	Unpack(buf []byte) (int, error)
	Value() any
	SetValue(v any) error
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("fields: %q is not numeric", n.String())
		}
		return int64(f), nil
	case string:
		i, err := strconv.ParseInt(n, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("fields: %q is not numeric", n)
		}
		return i, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("fields: cannot convert %T to integer", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case string:
		u, err := strconv.ParseUint(n, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("fields: %q is not numeric", n)
		}
		return u, nil
	case json.Number:
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u, nil
		}
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return uint64(i), nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("fields: %q is not numeric", n.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("fields: %q is not numeric", n)
		}
		return f, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch b {
		case "false", "False", "0", "":
			return false, nil
		default:
			return true, nil
		}
	}
	i, err := toInt64(v)
	if err != nil {
		return false, err
	}
	return i != 0, nil
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
