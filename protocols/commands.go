package protocols

import "github.com/giapdangle/sapphire-tools/fields"

// Device command message types. Requests and responses share the tag;
// the payloads differ per direction.
const (
	CmdEcho              uint16 = 1
	CmdReboot            uint16 = 2
	CmdSafeMode          uint16 = 3
	CmdLoadFirmware      uint16 = 4
	CmdFormatFS          uint16 = 10
	CmdGetFileID         uint16 = 20
	CmdCreateFile        uint16 = 21
	CmdReadFileData      uint16 = 22
	CmdWriteFileData     uint16 = 23
	CmdRemoveFile        uint16 = 24
	CmdResetCfg          uint16 = 32
	CmdRequestRoute      uint16 = 50
	CmdResetWcomTimeSync uint16 = 70
	CmdSetKV             uint16 = 80
	CmdGetKV             uint16 = 81
	CmdSetKVServer       uint16 = 85
	CmdSetSecurityKey    uint16 = 90

	// Application defined commands start here.
	AppCmdBase uint16 = 32768
)

// DeviceCommands is the request side of the command protocol, spoken to
// the device command port over acknowledged datagrams.
var DeviceCommands = newDeviceCommands()

// CommandResponses is the reply side. Every response reuses its request's
// type tag.
var CommandResponses = newCommandResponses()

func newDeviceCommands() *Protocol {
	p := NewProtocol("device_commands", TypeWidth16)
	p.register(CmdEcho, func() *Payload { return NewEcho("") })
	p.register(CmdReboot, func() *Payload { return NewReboot() })
	p.register(CmdSafeMode, func() *Payload { return NewSafeMode() })
	p.register(CmdLoadFirmware, func() *Payload { return NewLoadFirmware() })
	p.register(CmdFormatFS, func() *Payload { return NewFormatFS() })
	p.register(CmdGetFileID, func() *Payload { return NewGetFileID("") })
	p.register(CmdCreateFile, func() *Payload { return NewCreateFile("") })
	p.register(CmdReadFileData, func() *Payload { return NewReadFileData(0, 0, 0) })
	p.register(CmdWriteFileData, func() *Payload { return NewWriteFileData(0, 0, nil) })
	p.register(CmdRemoveFile, func() *Payload { return NewRemoveFile(0) })
	p.register(CmdResetCfg, func() *Payload { return NewResetCfg() })
	p.register(CmdRequestRoute, func() *Payload { return NewRequestRoute("", 0, 0) })
	p.register(CmdResetWcomTimeSync, func() *Payload { return NewResetWcomTimeSync() })
	p.register(CmdSetKV, func() *Payload { return NewSetKV(nil) })
	p.register(CmdGetKV, func() *Payload { return NewGetKV(nil) })
	p.register(CmdSetKVServer, func() *Payload { return NewSetKVServer("", 0) })
	p.register(CmdSetSecurityKey, func() *Payload { return NewSetSecurityKey(0) })
	return p
}

func newCommandResponses() *Protocol {
	p := NewProtocol("command_responses", TypeWidth16)
	p.register(CmdEcho, func() *Payload { return NewEchoResponse("") })
	p.register(CmdReboot, func() *Payload { return newEmptyResponse(CmdReboot, "reboot") })
	p.register(CmdSafeMode, func() *Payload { return newEmptyResponse(CmdSafeMode, "safe_mode") })
	p.register(CmdLoadFirmware, func() *Payload { return newEmptyResponse(CmdLoadFirmware, "load_firmware") })
	p.register(CmdFormatFS, func() *Payload { return newEmptyResponse(CmdFormatFS, "format_fs") })
	p.register(CmdGetFileID, func() *Payload { return NewGetFileIDResponse(0) })
	p.register(CmdCreateFile, func() *Payload { return NewCreateFileResponse(0) })
	p.register(CmdReadFileData, func() *Payload { return NewReadFileDataResponse(nil) })
	p.register(CmdWriteFileData, func() *Payload { return NewWriteFileDataResponse(0) })
	p.register(CmdRemoveFile, func() *Payload { return NewRemoveFileResponse(0) })
	p.register(CmdResetCfg, func() *Payload { return newEmptyResponse(CmdResetCfg, "reset_cfg") })
	p.register(CmdRequestRoute, func() *Payload { return newEmptyResponse(CmdRequestRoute, "request_route") })
	p.register(CmdResetWcomTimeSync, func() *Payload { return newEmptyResponse(CmdResetWcomTimeSync, "reset_wcom_time_sync") })
	p.register(CmdSetKV, func() *Payload { return NewSetKVResponse(nil) })
	p.register(CmdGetKV, func() *Payload { return NewGetKVResponse(nil) })
	p.register(CmdSetKVServer, func() *Payload { return newEmptyResponse(CmdSetKVServer, "set_kv_server") })
	p.register(CmdSetSecurityKey, func() *Payload { return newEmptyResponse(CmdSetSecurityKey, "set_security_key") })
	return p
}

func newEmptyResponse(msgType uint16, name string) *Payload {
	return newPayload(msgType, TypeWidth16, name)
}

// ── requests ────────────────────────────────────────────────────────────────

func NewEcho(data string) *Payload {
	return newPayload(CmdEcho, TypeWidth16, "echo",
		fields.NewString128("echo_data", data))
}

func NewReboot() *Payload { return newPayload(CmdReboot, TypeWidth16, "reboot") }

func NewSafeMode() *Payload { return newPayload(CmdSafeMode, TypeWidth16, "safe_mode") }

func NewLoadFirmware() *Payload { return newPayload(CmdLoadFirmware, TypeWidth16, "load_firmware") }

func NewFormatFS() *Payload { return newPayload(CmdFormatFS, TypeWidth16, "format_fs") }

func NewGetFileID(name string) *Payload {
	return newPayload(CmdGetFileID, TypeWidth16, "get_file_id",
		fields.NewString("name", 64, name))
}

func NewCreateFile(name string) *Payload {
	return newPayload(CmdCreateFile, TypeWidth16, "create_file",
		fields.NewString("name", 64, name))
}

func NewReadFileData(fileID uint8, position, length uint32) *Payload {
	return newPayload(CmdReadFileData, TypeWidth16, "read_file_data",
		fields.NewUint8("file_id", fileID),
		fields.NewUint32("position", position),
		fields.NewUint32("length", length))
}

func NewWriteFileData(fileID uint8, position uint32, data []byte) *Payload {
	return newPayload(CmdWriteFileData, TypeWidth16, "write_file_data",
		fields.NewUint8("file_id", fileID),
		fields.NewUint32("position", position),
		fields.NewUint32("length", uint32(len(data))),
		fields.NewRaw("data", data))
}

func NewRemoveFile(fileID uint8) *Payload {
	return newPayload(CmdRemoveFile, TypeWidth16, "remove_file",
		fields.NewUint8("file_id", fileID))
}

func NewResetCfg() *Payload { return newPayload(CmdResetCfg, TypeWidth16, "reset_cfg") }

func NewRequestRoute(destIP string, destShort uint16, destFlags uint8) *Payload {
	return newPayload(CmdRequestRoute, TypeWidth16, "request_route",
		fields.NewIpv4("dest_ip", destIP),
		fields.NewUint16("dest_short", destShort),
		fields.NewUint8("dest_flags", destFlags))
}

func NewResetWcomTimeSync() *Payload {
	return newPayload(CmdResetWcomTimeSync, TypeWidth16, "reset_wcom_time_sync")
}

// NewSetKV carries a packed KVParam run, see PackKVParams.
func NewSetKV(data []byte) *Payload {
	return newPayload(CmdSetKV, TypeWidth16, "set_kv",
		fields.NewRaw("data", data))
}

// NewGetKV carries a packed KVRequest run, see PackKVRequests.
func NewGetKV(data []byte) *Payload {
	return newPayload(CmdGetKV, TypeWidth16, "get_kv",
		fields.NewRaw("data", data))
}

func NewSetKVServer(ip string, port uint16) *Payload {
	return newPayload(CmdSetKVServer, TypeWidth16, "set_kv_server",
		fields.NewIpv4("ip", ip),
		fields.NewUint16("port", port))
}

// NewSetSecurityKey carries the key slot; the key itself is set on the
// "key" field afterwards so a bad hex string surfaces as a field error.
func NewSetSecurityKey(keyID uint8) *Payload {
	key, _ := fields.NewKey128("key", "")
	return newPayload(CmdSetSecurityKey, TypeWidth16, "set_security_key",
		fields.NewUint8("key_id", keyID),
		key)
}

// ── responses ───────────────────────────────────────────────────────────────

func NewEchoResponse(data string) *Payload {
	return newPayload(CmdEcho, TypeWidth16, "echo",
		fields.NewString128("echo_data", data))
}

func NewGetFileIDResponse(fileID int8) *Payload {
	return newPayload(CmdGetFileID, TypeWidth16, "get_file_id",
		fields.NewInt8("file_id", fileID))
}

func NewCreateFileResponse(fileID int8) *Payload {
	return newPayload(CmdCreateFile, TypeWidth16, "create_file",
		fields.NewInt8("file_id", fileID))
}

func NewReadFileDataResponse(data []byte) *Payload {
	return newPayload(CmdReadFileData, TypeWidth16, "read_file_data",
		fields.NewRaw("data", data))
}

func NewWriteFileDataResponse(writeLength uint16) *Payload {
	return newPayload(CmdWriteFileData, TypeWidth16, "write_file_data",
		fields.NewUint16("write_length", writeLength))
}

// NewRemoveFileResponse carries a status where negative values report
// failure.
func NewRemoveFileResponse(status int8) *Payload {
	return newPayload(CmdRemoveFile, TypeWidth16, "remove_file",
		fields.NewInt8("status", status))
}

// NewSetKVResponse carries a packed KVStatus run, see ParseKVStatuses.
func NewSetKVResponse(data []byte) *Payload {
	return newPayload(CmdSetKV, TypeWidth16, "set_kv",
		fields.NewRaw("data", data))
}

// NewGetKVResponse carries a packed KVParam run, see ParseKVParams.
func NewGetKVResponse(data []byte) *Payload {
	return newPayload(CmdGetKV, TypeWidth16, "get_kv",
		fields.NewRaw("data", data))
}
