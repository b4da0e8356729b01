package protocols

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVParam_SelfDescribingRoundTrip(t *testing.T) {
	p, err := NewKVParam(GroupSysStats, 4, TypeUint32)
	require.NoError(t, err)
	require.NoError(t, p.SetValue(uint32(0xCAFE)))

	packed, err := p.Pack()
	require.NoError(t, err)
	require.Equal(t, 7, len(packed))
	assert.Equal(t, []byte{GroupSysStats, 4, byte(TypeUint32)}, packed[:3])

	out := &KVParam{}
	n, err := out.Unpack(packed)
	require.NoError(t, err)

	assert.Equal(t, 7, n)
	assert.Equal(t, TypeUint32, out.Type)
	assert.Equal(t, uint64(0xCAFE), out.Value())
}

func TestKVParam_UnpackRejectsUnknownType(t *testing.T) {
	buf := []byte{1, 2, byte(int8(TypeMismatch)), 0, 0}

	out := &KVParam{}
	_, err := out.Unpack(buf)
	require.Error(t, err)

	var unknown *UnknownTypeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, TypeMismatch, unknown.Type)
}

func TestKVRequest_ResponseSizes(t *testing.T) {
	tests := []struct {
		name      string
		kvType    KVType
		paramSize int
	}{
		{"bool", TypeBool, 4},
		{"uint32", TypeUint32, 7},
		{"uint64", TypeUint64, 11},
		{"float", TypeFloat, 7},
		{"string128", TypeString128, 131},
		{"string512", TypeString512, 515},
		{"ipv4", TypeIPv4, 7},
		{"key128", TypeKey128, 19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &KVRequest{Group: GroupSysCfg, ID: 1, Type: tt.kvType}
			assert.Equal(t, tt.paramSize, r.ParamSize())
			assert.Equal(t, 3, r.Size())
			assert.Equal(t, 3, r.StatusSize())
		})
	}
}

func TestPackKVRequests_ParseKVStatuses(t *testing.T) {
	reqs := []*KVRequest{
		{Group: GroupSysCfg, ID: 1, Type: TypeUint16},
		{Group: GroupSysCfg, ID: 2, Type: TypeBool},
	}

	packed, err := PackKVRequests(reqs)
	require.NoError(t, err)
	assert.Equal(t, 6, len(packed))

	statuses, err := ParseKVStatuses([]byte{
		GroupSysCfg, 1, 0x00,
		GroupSysCfg, 2, 0xFF, // -1
	})
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, int8(0), statuses[0].Status)
	assert.Equal(t, int8(-1), statuses[1].Status)
}

func TestParseKVParams_MultipleTypes(t *testing.T) {
	p1, err := NewKVParam(1, 1, TypeUint8)
	require.NoError(t, err)
	require.NoError(t, p1.SetValue(uint8(9)))

	p2, err := NewKVParam(1, 2, TypeString128)
	require.NoError(t, err)
	require.NoError(t, p2.SetValue("gateway"))

	buf, err := PackKVParams([]*KVParam{p1, p2})
	require.NoError(t, err)

	params, err := ParseKVParams(buf)
	require.NoError(t, err)
	require.Len(t, params, 2)

	assert.Equal(t, uint64(9), params[0].Value())
	assert.Equal(t, "gateway", params[1].Value())
}

func TestKVMeta_ParseFile(t *testing.T) {
	rowA := &KVMeta{
		Group: GroupSysInfo,
		ID:    3,
		Type:  TypeString128,
		Flags: FlagReadOnly,
		Name:  "os_name",
	}
	rowB := &KVMeta{
		Group: GroupSysCfg,
		ID:    1,
		Type:  TypeUint16,
		Flags: FlagPersist,
		Name:  "max_log_size",
	}

	bufA, err := rowA.Pack()
	require.NoError(t, err)
	require.Equal(t, KVMetaSize, len(bufA))
	bufB, err := rowB.Pack()
	require.NoError(t, err)

	rows, err := ParseKVMeta(append(bufA, bufB...))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "os_name", rows[0].Name)
	assert.True(t, rows[0].ReadOnly())
	assert.False(t, rows[0].Persist())

	assert.Equal(t, "max_log_size", rows[1].Name)
	assert.True(t, rows[1].Persist())
	assert.False(t, rows[1].ReadOnly())
}

func TestGroupName_ReverseLookup(t *testing.T) {
	name, ok := GroupName(GroupSysStats)
	require.True(t, ok)
	assert.Equal(t, "kv_group_sys_stats", name)

	_, ok = GroupName(77)
	assert.False(t, ok)
}

func TestKVTypeWidth(t *testing.T) {
	assert.Equal(t, 1, KVTypeWidth(TypeBool))
	assert.Equal(t, 8, KVTypeWidth(TypeMac64))
	assert.Equal(t, 16, KVTypeWidth(TypeKey128))
	assert.Equal(t, 0, KVTypeWidth(TypeNone))
	assert.Equal(t, 0, KVTypeWidth(TypeMismatch))
}
