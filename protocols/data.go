package protocols

import (
	"time"

	"github.com/google/uuid"

	"github.com/giapdangle/sapphire-tools/fields"
)

// NTPEpoch is the zero point of the 32-bit NTP timestamps devices report.
var NTPEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// FirmwareInfoOffset is the absolute address of the firmware info record
// inside a firmware image.
const FirmwareInfoOffset = 0x120

// NTPToTime converts an NTP seconds/fraction pair to wall time.
func NTPToTime(seconds, fraction uint32) time.Time {
	frac := time.Duration(uint64(fraction) * uint64(time.Second) >> 32)
	return NTPEpoch.Add(time.Duration(seconds)*time.Second + frac)
}

// NewNTPTimestamp is a 64-bit NTP timestamp record.
func NewNTPTimestamp(name string, seconds, fraction uint32) *fields.Struct {
	return fields.NewStruct(name,
		fields.NewUint32("seconds", seconds),
		fields.NewUint32("fraction", fraction))
}

// NewFileInfo is one row of the "fileinfo" file. Negative sizes mark
// unused slots.
func NewFileInfo() *fields.Struct {
	return fields.NewStruct("file_info",
		fields.NewInt32("filesize", 0),
		fields.NewString("filename", 64, ""),
		fields.NewUint8("flags", 0),
		fields.NewArray("reserved", 15, func() fields.Field { return fields.NewUint8("", 0) }))
}

func NewFileInfoArray() *fields.Array {
	return fields.NewArray("file_info", 0, func() fields.Field { return NewFileInfo() })
}

// NewFirmwareInfo is the "fwinfo" file and the record embedded in firmware
// images at FirmwareInfoOffset.
func NewFirmwareInfo() *fields.Struct {
	return fields.NewStruct("firmware_info",
		fields.NewUint32("firmware_length", 0),
		fields.NewUuid("firmware_id", uuid.Nil),
		fields.NewString("os_name", 128, ""),
		fields.NewString("os_version", 16, ""),
		fields.NewString("app_name", 128, ""),
		fields.NewString("app_version", 16, ""))
}

// NewDeviceDBEntry is one row of a gateway's "devicedb" file.
func NewDeviceDBEntry() *fields.Struct {
	return fields.NewStruct("devicedb",
		fields.NewUint16("short_addr", 0),
		fields.NewUint64("device_id", 0),
		fields.NewIpv4("ip", ""))
}

func NewDeviceDBArray() *fields.Array {
	return fields.NewArray("devicedb", 0, func() fields.Field { return NewDeviceDBEntry() })
}

// NewSerialFrameHeader frames one packet on the serial channel. The
// inverted length guards against line noise.
func NewSerialFrameHeader(length uint16) *fields.Struct {
	return fields.NewStruct("frame_header",
		fields.NewUint16("len", length),
		fields.NewUint16("inverted_len", ^length))
}

// NewDnsCacheEntry is one row of the "dns_cache" file. The query string
// runs to the record's terminating NUL.
func NewDnsCacheEntry() *fields.Struct {
	return fields.NewStruct("dns_cache",
		fields.NewUint8("status", 0),
		fields.NewIpv4("ip", ""),
		fields.NewUint32("ttl", 0),
		fields.NewString("query", 0, ""))
}

func NewDnsCacheArray() *fields.Array {
	return fields.NewArray("dns_cache", 0, func() fields.Field { return NewDnsCacheEntry() })
}

// NewRouteQuery addresses a route request.
func NewRouteQuery() *fields.Struct {
	return fields.NewStruct("route_query",
		fields.NewIpv4("dest_ip", ""),
		fields.NewUint16("dest_short", 0),
		fields.NewUint8("dest_flags", 0))
}

// NewRoute is one row of the "routes" file.
func NewRoute() *fields.Struct {
	return fields.NewStruct("route",
		fields.NewIpv4("dest_ip", ""),
		fields.NewUint16("dest_short", 0),
		fields.NewUint8("dest_flags", 0),
		fields.NewUint16("cost", 0),
		fields.NewUint8("age", 0),
		fields.NewUint8("hop_count", 0),
		fields.NewArray("hops", 8, func() fields.Field { return fields.NewUint16("", 0) }))
}

func NewRouteArray() *fields.Array {
	return fields.NewArray("routes", 0, func() fields.Field { return NewRoute() })
}

// NewNeighbor is one row of the "neighbors" file.
func NewNeighbor() *fields.Struct {
	return fields.NewStruct("neighbor",
		fields.NewUint16("flags", 0),
		fields.NewIpv4("ip", ""),
		fields.NewUint16("short_addr", 0),
		fields.NewArray("iv", 16, func() fields.Field { return fields.NewUint8("", 0) }),
		fields.NewUint32("replay_counter", 0),
		fields.NewUint8("lqi", 0),
		fields.NewUint8("rssi", 0),
		fields.NewUint8("prr", 0),
		fields.NewUint8("etx", 0),
		fields.NewUint8("delay", 0),
		fields.NewUint8("traffic_accumulator", 0),
		fields.NewUint8("traffic", 0),
		fields.NewUint8("age", 0))
}

func NewNeighborArray() *fields.Array {
	return fields.NewArray("neighbors", 0, func() fields.Field { return NewNeighbor() })
}

// NewThreadInfo is one row of the "threadinfo" file.
func NewThreadInfo() *fields.Struct {
	return fields.NewStruct("thread_info",
		fields.NewString("name", 64, ""),
		fields.NewUint16("flags", 0),
		fields.NewUint16("addr", 0),
		fields.NewUint16("data_size", 0),
		fields.NewUint32("run_time", 0),
		fields.NewUint32("runs", 0),
		fields.NewUint16("line", 0),
		fields.NewArray("reserved", 32, func() fields.Field { return fields.NewUint8("", 0) }))
}

func NewThreadInfoArray() *fields.Array {
	return fields.NewArray("threadinfo", 0, func() fields.Field { return NewThreadInfo() })
}

// NewBridgeEntry is one row of a gateway's "bridge" file.
func NewBridgeEntry() *fields.Struct {
	return fields.NewStruct("bridge",
		fields.NewUint16("short_addr", 0),
		fields.NewIpv4("ip", ""),
		fields.NewUint32("lease", 0),
		fields.NewUint32("time_left", 0),
		fields.NewUint8("flags", 0))
}

func NewBridgeArray() *fields.Array {
	return fields.NewArray("bridge", 0, func() fields.Field { return NewBridgeEntry() })
}

// NewArpEntry is one row of a gateway's "arp_cache" file.
func NewArpEntry() *fields.Struct {
	return fields.NewStruct("arp",
		fields.NewMac48("eth_mac", ""),
		fields.NewIpv4("ip", ""),
		fields.NewUint8("age", 0))
}

func NewArpArray() *fields.Array {
	return fields.NewArray("arp_cache", 0, func() fields.Field { return NewArpEntry() })
}

// NewGcDataArray is the "gc_data" file: per sector erase counts.
func NewGcDataArray() *fields.Array {
	return fields.NewArray("gc_data", 0, func() fields.Field { return fields.NewUint32("", 0) })
}
