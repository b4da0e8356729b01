package device

import (
	"errors"
	"fmt"
	"io"

	"github.com/giapdangle/sapphire-tools/fields"
	"github.com/giapdangle/sapphire-tools/protocols"
)

// GetFileID resolves a file name to the device's numeric file id. A
// negative id means the file does not exist.
func (d *Device) GetFileID(name string) (int8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getFileID(name)
}

func (d *Device) getFileID(name string) (int8, error) {
	resp, err := d.sendCommand(protocols.NewGetFileID(name))
	if err != nil {
		return 0, err
	}
	return resp.Int8("file_id"), nil
}

func (d *Device) createFile(name string) (int8, error) {
	resp, err := d.sendCommand(protocols.NewCreateFile(name))
	if err != nil {
		return 0, err
	}
	id := resp.Int8("file_id")
	if id < 0 {
		return 0, fmt.Errorf("device: creating %q failed with id %d", name, id)
	}
	return id, nil
}

func (d *Device) readFileData(fileID int8, position, length uint32) ([]byte, error) {
	resp, err := d.sendCommand(protocols.NewReadFileData(uint8(fileID), position, length))
	if err != nil {
		return nil, err
	}
	return resp.Bytes("data"), nil
}

func (d *Device) writeFileData(fileID int8, position uint32, chunk []byte) error {
	resp, err := d.sendCommand(protocols.NewWriteFileData(uint8(fileID), position, chunk))
	if err != nil {
		return err
	}
	if int(resp.Uint16("write_length")) != len(chunk) {
		return fmt.Errorf("device: write at %d: %w", position, io.ErrShortWrite)
	}
	return nil
}

// GetFile reads a whole file in FileTransferLen chunks. A chunk shorter
// than the transfer length marks the end of the file.
func (d *Device) GetFile(name string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getFile(name)
}

func (d *Device) getFile(name string) ([]byte, error) {
	id, err := d.getFileID(name)
	if err != nil {
		return nil, err
	}
	if id < 0 {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}

	var data []byte
	for {
		chunk, err := d.readFileData(id, uint32(len(data)), FileTransferLen)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		if len(chunk) < FileTransferLen {
			return data, nil
		}
	}
}

// PutFile writes a whole file, creating it when the device does not
// have it yet.
func (d *Device) PutFile(name string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.putFile(name, data)
}

func (d *Device) putFile(name string, data []byte) error {
	id, err := d.getFileID(name)
	if err != nil {
		return err
	}
	if id < 0 {
		if id, err = d.createFile(name); err != nil {
			return err
		}
	}

	for off := 0; off < len(data); off += FileTransferLen {
		end := off + FileTransferLen
		if end > len(data) {
			end = len(data)
		}
		if err := d.writeFileData(id, uint32(off), data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFile deletes a file by name.
func (d *Device) RemoveFile(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeFile(name)
}

func (d *Device) removeFile(name string) error {
	id, err := d.getFileID(name)
	if err != nil {
		return err
	}
	if id < 0 {
		return fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}

	resp, err := d.sendCommand(protocols.NewRemoveFile(uint8(id)))
	if err != nil {
		return err
	}
	if status := resp.Int8("status"); status < 0 {
		return fmt.Errorf("device: removing %q failed with status %d", name, status)
	}
	return nil
}

// ListFiles reads the device's file table. Slots with negative sizes
// are unused and skipped.
func (d *Device) ListFiles() ([]map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := d.getFile("fileinfo")
	if err != nil {
		return nil, err
	}
	arr := protocols.NewFileInfoArray()
	if _, err := arr.Unpack(data); err != nil {
		return nil, err
	}

	var out []map[string]any
	for _, row := range arrayMaps(arr) {
		if size, ok := row["filesize"].(int64); ok && size < 0 {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// LoadFirmware streams a firmware image to the device and reboots it
// into the loader. An empty firmware id reloads whatever the device
// reports running.
func (d *Device) LoadFirmware(firmwareID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if firmwareID == "" {
		if err := d.fetchFirmwareInfo(); err != nil {
			return err
		}
		v, _ := d.obj.Get("firmware_id")
		firmwareID = fmt.Sprint(v)
	}

	img, err := d.firmware.Lookup(firmwareID)
	if err != nil {
		return err
	}

	// A leftover image from an interrupted load would fragment the file
	// system, so clear it first. Nothing to clear is fine.
	if err := d.removeFile(firmwareBinName); err != nil && !errors.Is(err, ErrFileNotFound) {
		return err
	}
	if err := d.putFile(firmwareBinName, img.Bytes()); err != nil {
		return err
	}
	return d.rebootCmd(protocols.NewLoadFirmware())
}

// firmwareBinName is where the loader expects the staged image.
const firmwareBinName = "firmware.bin"

// GetRoutes reads the device's mesh routing table.
func (d *Device) GetRoutes() ([]map[string]any, error) {
	return d.fileRecords("routes", protocols.NewRouteArray)
}

// GetNeighbors reads the device's mesh neighbor table.
func (d *Device) GetNeighbors() ([]map[string]any, error) {
	return d.fileRecords("neighbors", protocols.NewNeighborArray)
}

// GetDNSInfo reads the device's DNS cache.
func (d *Device) GetDNSInfo() ([]map[string]any, error) {
	return d.fileRecords("dns_cache", protocols.NewDnsCacheArray)
}

// GetThreadInfo reads the device's thread accounting table.
func (d *Device) GetThreadInfo() ([]map[string]any, error) {
	return d.fileRecords("threadinfo", protocols.NewThreadInfoArray)
}

// GetGCData reads the flash garbage collector's per sector erase
// counts.
func (d *Device) GetGCData() ([]uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := d.getFile("gc_data")
	if err != nil {
		return nil, err
	}
	arr := protocols.NewGcDataArray()
	if _, err := arr.Unpack(data); err != nil {
		return nil, err
	}

	counts := make([]uint64, 0, arr.Len())
	for _, f := range arr.Items() {
		if v, ok := f.Value().(uint64); ok {
			counts = append(counts, v)
		}
	}
	return counts, nil
}

// fileRecords reads a file and decodes it as a record array.
func (d *Device) fileRecords(name string, newArray func() *fields.Array) ([]map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := d.getFile(name)
	if err != nil {
		return nil, err
	}
	arr := newArray()
	if _, err := arr.Unpack(data); err != nil {
		return nil, err
	}
	return arrayMaps(arr), nil
}

func arrayMaps(arr *fields.Array) []map[string]any {
	out := make([]map[string]any, 0, arr.Len())
	for _, f := range arr.Items() {
		if m, ok := f.Value().(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
