package device

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/kvstore"
	"github.com/giapdangle/sapphire-tools/protocols"
)

// GetKV reads the named parameters in as few round trips as the
// response sizes allow. Values land in the result map, the catalog's
// value cache and the exchange object.
func (d *Device) GetKV(names ...string) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getKV(names...)
}

// GetAllKV reads every parameter the catalog knows.
func (d *Device) GetAllKV() (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getKV(d.Catalog().Names()...)
}

// GetKey reads a single parameter.
func (d *Device) GetKey(name string) (any, error) {
	values, err := d.GetKV(name)
	if err != nil {
		return nil, err
	}
	return values[name], nil
}

// SetKey writes a single parameter.
func (d *Device) SetKey(name string, value any) error {
	return d.SetKV(map[string]any{name: value})
}

func (d *Device) getKV(names ...string) (map[string]any, error) {
	results := make(map[string]any, len(names))
	if len(names) == 0 {
		return results, nil
	}
	catalog := d.Catalog()

	reqs := make([]*protocols.KVRequest, 0, len(names))
	for _, name := range names {
		k, ok := catalog.Get(name)
		if !ok {
			return nil, &UnknownKeyError{Key: name}
		}
		reqs = append(reqs, &protocols.KVRequest{Group: k.Group, ID: k.ID, Type: k.Type})
	}

	for _, batch := range batchKVRequests(reqs) {
		data, err := protocols.PackKVRequests(batch)
		if err != nil {
			return nil, err
		}
		resp, err := d.sendCommand(protocols.NewGetKV(data))
		if err != nil {
			return nil, err
		}
		params, err := protocols.ParseKVParams(resp.Bytes("data"))
		if err != nil {
			return nil, err
		}

		for _, p := range params {
			k, ok := catalog.FindByRef(p.Group, p.ID)
			if !ok {
				return nil, &UnknownKeyError{Key: fmt.Sprintf("%d.%d", p.Group, p.ID)}
			}
			v := p.Value()
			results[k.Name] = v
			catalog.SetValue(k.Name, v)
			// device_id is the object's identity, never an attribute
			// update.
			if k.Name != "device_id" {
				_ = d.obj.Set(k.Name, v)
			}
		}
	}
	return results, nil
}

// SetKV writes the given parameters. Unknown and read only keys fail
// before any traffic. A negative per key status in the response aborts
// with a KVStatusError; parameters already acknowledged keep their new
// values.
func (d *Device) SetKV(values map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setKV(values)
}

func (d *Device) setKV(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	catalog := d.Catalog()

	for name := range values {
		k, ok := catalog.Get(name)
		if !ok {
			return &UnknownKeyError{Key: name}
		}
		if k.ReadOnly() {
			return &ReadOnlyKeyError{Key: name}
		}
	}

	// Build in catalog order so the wire traffic is deterministic.
	var params []*protocols.KVParam
	for _, name := range catalog.Names() {
		v, ok := values[name]
		if !ok {
			continue
		}
		k, _ := catalog.Get(name)
		p, err := protocols.NewKVParam(k.Group, k.ID, k.Type)
		if err != nil {
			return err
		}
		if err := p.SetValue(v); err != nil {
			return fmt.Errorf("device: set %q: %w", name, err)
		}
		params = append(params, p)
	}

	for _, batch := range batchKVParams(params) {
		data, err := protocols.PackKVParams(batch)
		if err != nil {
			return err
		}
		resp, err := d.sendCommand(protocols.NewSetKV(data))
		if err != nil {
			return err
		}
		statuses, err := protocols.ParseKVStatuses(resp.Bytes("data"))
		if err != nil {
			return err
		}

		for _, st := range statuses {
			k, ok := catalog.FindByRef(st.Group, st.ID)
			if !ok {
				return &UnknownKeyError{Key: fmt.Sprintf("%d.%d", st.Group, st.ID)}
			}
			if st.Status < 0 {
				return &KVStatusError{Key: k.Name, Status: st.Status}
			}
			v := values[k.Name]
			catalog.SetValue(k.Name, v)
			d.obj.UpdateAttr(k.Name, v)
		}
	}
	return nil
}

// translateRef resolves a group/id pair to a parameter name. Id 255
// refers to a whole group and resolves through the fixed group name
// table instead of the catalog.
func (d *Device) translateRef(group, id uint8) (string, error) {
	if id == protocols.IDAll {
		name, ok := protocols.GroupName(group)
		if !ok {
			return "", &UnknownKeyError{Key: fmt.Sprintf("group %d", group)}
		}
		return name, nil
	}
	k, ok := d.Catalog().FindByRef(group, id)
	if !ok {
		return "", &UnknownKeyError{Key: fmt.Sprintf("%d.%d", group, id)}
	}
	return k.Name, nil
}

// fetchKVMeta rebuilds the parameter catalog, from the meta cache when
// the firmware hash has been seen before and from the device's kvmeta
// file otherwise. Callers hold mu.
func (d *Device) fetchKVMeta() error {
	d.stateMu.Lock()
	hash := d.fwHash
	d.stateMu.Unlock()

	var raw []byte
	if d.metaCache != nil && hash != "" {
		cached, err := d.metaCache.Get(hash)
		switch {
		case err == nil:
			raw = cached
			d.log.Debug("kv meta cache hit", zap.String("fwinfo_hash", hash))
		case errors.Is(err, kvstore.ErrNotFound):
		default:
			return err
		}
	}

	if raw == nil {
		data, err := d.getFile("kvmeta")
		if err != nil {
			return err
		}
		raw = data
		if d.metaCache != nil && hash != "" {
			if err := d.metaCache.Put(hash, raw); err != nil {
				d.log.Warn("unable to cache kv meta", zap.Error(err))
			}
		}
	}

	rows, err := protocols.ParseKVMeta(raw)
	if err != nil {
		return err
	}
	catalog, err := NewCatalog(rows)
	if err != nil {
		return err
	}

	d.stateMu.Lock()
	d.catalog = catalog
	d.stateMu.Unlock()
	return nil
}

// fetchFirmwareInfo reads and decodes the fwinfo file, keeping its hash
// for the meta cache and mirroring the identity fields into the
// exchange object. Callers hold mu.
func (d *Device) fetchFirmwareInfo() error {
	data, err := d.getFile("fwinfo")
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	rec := protocols.NewFirmwareInfo()
	if _, err := rec.Unpack(data); err != nil {
		return err
	}

	d.stateMu.Lock()
	d.fwHash = hex.EncodeToString(sum[:])
	d.stateMu.Unlock()

	_ = d.obj.Set("firmware_id", rec.String("firmware_id"))
	_ = d.obj.Set("firmware_name", rec.String("app_name"))
	_ = d.obj.Set("firmware_version", rec.String("app_version"))
	_ = d.obj.Set("os_name", rec.String("os_name"))
	_ = d.obj.Set("os_version", rec.String("os_version"))
	return nil
}

// batchKVRequests packs read requests into batches whose response stays
// strictly under MaxKVDataLen. Each pass fills one batch with whatever
// still fits.
func batchKVRequests(reqs []*protocols.KVRequest) [][]*protocols.KVRequest {
	var batches [][]*protocols.KVRequest
	remaining := reqs
	for len(remaining) > 0 {
		var batch, rest []*protocols.KVRequest
		size := 0
		for _, r := range remaining {
			if size+r.ParamSize() < MaxKVDataLen {
				batch = append(batch, r)
				size += r.ParamSize()
			} else {
				rest = append(rest, r)
			}
		}
		batches = append(batches, batch)
		remaining = rest
	}
	return batches
}

// batchKVParams packs write parameters into batches whose request stays
// strictly under MaxKVDataLen.
func batchKVParams(params []*protocols.KVParam) [][]*protocols.KVParam {
	var batches [][]*protocols.KVParam
	remaining := params
	for len(remaining) > 0 {
		var batch, rest []*protocols.KVParam
		size := 0
		for _, p := range remaining {
			if size+p.Size() < MaxKVDataLen {
				batch = append(batch, p)
				size += p.Size()
			} else {
				rest = append(rest, p)
			}
		}
		batches = append(batches, batch)
		remaining = rest
	}
	return batches
}
