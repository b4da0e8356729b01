package protocols

import (
	"encoding/binary"
	"fmt"

	"github.com/giapdangle/sapphire-tools/fields"
)

// KVType identifies the value codec of a key/value parameter. Negative
// values are error markers reported by the device.
type KVType int8

// Wire type ids.
const (
	TypeNone      KVType = 0
	TypeBool      KVType = 1
	TypeUint8     KVType = 2
	TypeInt8      KVType = 3
	TypeUint16    KVType = 4
	TypeInt16     KVType = 5
	TypeUint32    KVType = 6
	TypeInt32     KVType = 7
	TypeUint64    KVType = 8
	TypeInt64     KVType = 9
	TypeFloat     KVType = 10
	TypeString128 KVType = 40
	TypeMac48     KVType = 41
	TypeMac64     KVType = 42
	TypeKey128    KVType = 43
	TypeIPv4      KVType = 44
	TypeString512 KVType = 45

	// Reported by a device when a request's declared type does not match
	// the parameter's actual type.
	TypeMismatch KVType = -6
)

// Key/value parameter groups.
const (
	GroupNull     uint8 = 0
	GroupSysCfg   uint8 = 1
	GroupSysInfo  uint8 = 2
	GroupSysStats uint8 = 3
	GroupAppBase  uint8 = 32
	GroupNull1    uint8 = 254
	GroupAll      uint8 = 255
)

// IDAll in a notification's id byte means the message refers to a whole
// group rather than a single parameter.
const IDAll uint8 = 255

// KVMeta flag bits.
const (
	FlagReadOnly uint16 = 0x0001
	FlagPersist  uint16 = 0x0004
)

// GroupNames maps the symbolic group keys used by whole group
// notifications to group ids.
var GroupNames = map[string]uint8{
	"kv_group_null":      GroupNull,
	"kv_group_null_1":    GroupNull1,
	"kv_group_sys_cfg":   GroupSysCfg,
	"kv_group_sys_info":  GroupSysInfo,
	"kv_group_sys_stats": GroupSysStats,
	"kv_group_all":       GroupAll,
}

// GroupName is the reverse lookup of GroupNames.
func GroupName(group uint8) (string, bool) {
	for name, g := range GroupNames {
		if g == group {
			return name, true
		}
	}
	return "", false
}

// UnknownTypeError reports a type id with no value codec.
type UnknownTypeError struct {
	Type KVType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocols: no value codec for type %d", e.Type)
}

// NewKVValue returns a zero valued field that packs and unpacks values of
// the given wire type.
func NewKVValue(t KVType, name string) (fields.Field, error) {
	switch t {
	case TypeBool:
		return fields.NewBool(name, false), nil
	case TypeUint8:
		return fields.NewUint8(name, 0), nil
	case TypeInt8:
		return fields.NewInt8(name, 0), nil
	case TypeUint16:
		return fields.NewUint16(name, 0), nil
	case TypeInt16:
		return fields.NewInt16(name, 0), nil
	case TypeUint32:
		return fields.NewUint32(name, 0), nil
	case TypeInt32:
		return fields.NewInt32(name, 0), nil
	case TypeUint64:
		return fields.NewUint64(name, 0), nil
	case TypeInt64:
		return fields.NewInt64(name, 0), nil
	case TypeFloat:
		return fields.NewFloat32(name, 0), nil
	case TypeString128:
		return fields.NewString128(name, ""), nil
	case TypeString512:
		return fields.NewString512(name, ""), nil
	case TypeMac48:
		return fields.NewMac48(name, ""), nil
	case TypeMac64:
		return fields.NewMac64(name, ""), nil
	case TypeKey128:
		k, err := fields.NewKey128(name, "")
		if err != nil {
			return nil, err
		}
		return k, nil
	case TypeIPv4:
		return fields.NewIpv4(name, ""), nil
	default:
		return nil, &UnknownTypeError{Type: t}
	}
}

// KVTypeWidth returns the packed width of a value of the given type, or 0
// for types without a codec.
func KVTypeWidth(t KVType) int {
	v, err := NewKVValue(t, "")
	if err != nil {
		return 0
	}
	return v.Size()
}

// kvHeaderLen is the {group, id, type} prefix shared by the containers.
const kvHeaderLen = 3

// KVParam is one key/value parameter on the wire. The value is self
// describing: its codec comes from the type byte.
type KVParam struct {
	Group uint8
	ID    uint8
	Type  KVType

	value fields.Field
}

// NewKVParam builds a parameter with a zero value of the given type.
func NewKVParam(group, id uint8, t KVType) (*KVParam, error) {
	v, err := NewKVValue(t, "param_value")
	if err != nil {
		return nil, err
	}
	return &KVParam{Group: group, ID: id, Type: t, value: v}, nil
}

// Value returns the decoded parameter value.
func (p *KVParam) Value() any {
	if p.value == nil {
		return nil
	}
	return p.value.Value()
}

// SetValue coerces v into the parameter's wire type.
func (p *KVParam) SetValue(v any) error {
	if p.value == nil {
		return &UnknownTypeError{Type: p.Type}
	}
	return p.value.SetValue(v)
}

// Size returns the packed length: 3 header bytes plus the value width.
func (p *KVParam) Size() int {
	if p.value == nil {
		return kvHeaderLen
	}
	return kvHeaderLen + p.value.Size()
}

func (p *KVParam) Pack() ([]byte, error) {
	if p.value == nil {
		return nil, &UnknownTypeError{Type: p.Type}
	}
	body, err := p.value.Pack()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, kvHeaderLen+len(body))
	buf = append(buf, p.Group, p.ID, byte(p.Type))
	return append(buf, body...), nil
}

// Unpack reads the header, constructs a value codec from the type byte
// and decodes the value that follows.
func (p *KVParam) Unpack(buf []byte) (int, error) {
	if len(buf) < kvHeaderLen {
		return 0, fields.ErrShortBuffer
	}
	p.Group = buf[0]
	p.ID = buf[1]
	p.Type = KVType(int8(buf[2]))

	v, err := NewKVValue(p.Type, "param_value")
	if err != nil {
		return 0, err
	}
	n, err := v.Unpack(buf[kvHeaderLen:])
	if err != nil {
		return 0, err
	}
	p.value = v
	return kvHeaderLen + n, nil
}

// KVRequest asks a device for one parameter.
type KVRequest struct {
	Group uint8
	ID    uint8
	Type  KVType
}

// Size returns the packed request length.
func (r *KVRequest) Size() int { return kvHeaderLen }

// ParamSize returns the length of the KVParam the device will send back
// for this request. Batching for reads is constrained by this, not by the
// request's own size.
func (r *KVRequest) ParamSize() int { return kvHeaderLen + KVTypeWidth(r.Type) }

// StatusSize returns the length of the KVStatus the device sends back for
// a write of this parameter.
func (r *KVRequest) StatusSize() int { return kvStatusLen }

func (r *KVRequest) Pack() ([]byte, error) {
	return []byte{r.Group, r.ID, byte(r.Type)}, nil
}

func (r *KVRequest) Unpack(buf []byte) (int, error) {
	if len(buf) < kvHeaderLen {
		return 0, fields.ErrShortBuffer
	}
	r.Group = buf[0]
	r.ID = buf[1]
	r.Type = KVType(int8(buf[2]))
	return kvHeaderLen, nil
}

const kvStatusLen = 3

// KVStatus is the per parameter result of a write. Negative status means
// the write was rejected.
type KVStatus struct {
	Group  uint8
	ID     uint8
	Status int8
}

func (s *KVStatus) Size() int { return kvStatusLen }

func (s *KVStatus) Pack() ([]byte, error) {
	return []byte{s.Group, s.ID, byte(s.Status)}, nil
}

func (s *KVStatus) Unpack(buf []byte) (int, error) {
	if len(buf) < kvStatusLen {
		return 0, fields.ErrShortBuffer
	}
	s.Group = buf[0]
	s.ID = buf[1]
	s.Status = int8(buf[2])
	return kvStatusLen, nil
}

// kvMetaNameLen is the fixed width of the parameter name in a meta row.
const kvMetaNameLen = 32

// KVMetaSize is the packed length of one KV meta row.
const KVMetaSize = 9 + kvMetaNameLen

// KVMeta is one row of a device's "kvmeta" file: the identity, type and
// flags of a published parameter. The pointer fields are firmware internal
// addresses and are opaque to the server.
type KVMeta struct {
	Group       uint8
	ID          uint8
	Type        KVType
	Flags       uint16
	VarPtr      uint16
	NotifierPtr uint16
	Name        string
}

// ReadOnly reports whether writes to the parameter are rejected.
func (m *KVMeta) ReadOnly() bool { return m.Flags&FlagReadOnly != 0 }

// Persist reports whether the device stores the parameter across reboots.
func (m *KVMeta) Persist() bool { return m.Flags&FlagPersist != 0 }

func (m *KVMeta) Size() int { return KVMetaSize }

func (m *KVMeta) Pack() ([]byte, error) {
	buf := make([]byte, 0, KVMetaSize)
	buf = append(buf, m.Group, m.ID, byte(m.Type))
	buf = binary.LittleEndian.AppendUint16(buf, m.Flags)
	buf = binary.LittleEndian.AppendUint16(buf, m.VarPtr)
	buf = binary.LittleEndian.AppendUint16(buf, m.NotifierPtr)
	name, err := fields.NewString("param_name", kvMetaNameLen, m.Name).Pack()
	if err != nil {
		return nil, err
	}
	return append(buf, name...), nil
}

func (m *KVMeta) Unpack(buf []byte) (int, error) {
	if len(buf) < KVMetaSize {
		return 0, fields.ErrShortBuffer
	}
	m.Group = buf[0]
	m.ID = buf[1]
	m.Type = KVType(int8(buf[2]))
	m.Flags = binary.LittleEndian.Uint16(buf[3:])
	m.VarPtr = binary.LittleEndian.Uint16(buf[5:])
	m.NotifierPtr = binary.LittleEndian.Uint16(buf[7:])

	name := fields.NewString("param_name", kvMetaNameLen, "")
	if _, err := name.Unpack(buf[9:]); err != nil {
		return 0, err
	}
	m.Name = name.Val
	return KVMetaSize, nil
}

// PackKVParams concatenates parameters into one request buffer.
func PackKVParams(params []*KVParam) ([]byte, error) {
	var buf []byte
	for _, p := range params {
		b, err := p.Pack()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// PackKVRequests concatenates read requests into one request buffer.
func PackKVRequests(reqs []*KVRequest) ([]byte, error) {
	var buf []byte
	for _, r := range reqs {
		b, err := r.Pack()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// ParseKVRequests decodes a buffer of read requests.
func ParseKVRequests(data []byte) ([]*KVRequest, error) {
	var reqs []*KVRequest
	for len(data) > 0 {
		r := &KVRequest{}
		n, err := r.Unpack(data)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
		data = data[n:]
	}
	return reqs, nil
}

// ParseKVParams decodes a buffer of self describing parameters.
func ParseKVParams(data []byte) ([]*KVParam, error) {
	var params []*KVParam
	for len(data) > 0 {
		p := &KVParam{}
		n, err := p.Unpack(data)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
		data = data[n:]
	}
	return params, nil
}

// ParseKVStatuses decodes a buffer of write statuses.
func ParseKVStatuses(data []byte) ([]*KVStatus, error) {
	var statuses []*KVStatus
	for len(data) > 0 {
		s := &KVStatus{}
		n, err := s.Unpack(data)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
		data = data[n:]
	}
	return statuses, nil
}

// ParseKVMeta decodes a device's whole kvmeta file.
func ParseKVMeta(data []byte) ([]*KVMeta, error) {
	var rows []*KVMeta
	for len(data) > 0 {
		m := &KVMeta{}
		n, err := m.Unpack(data)
		if err != nil {
			return nil, err
		}
		rows = append(rows, m)
		data = data[n:]
	}
	return rows, nil
}
