package device

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/protocols"
)

// Notification is one parameter change pushed by a device.
type Notification struct {
	Flags    uint8
	DeviceID uint64
	Seconds  uint32
	Fraction uint32
	Group    uint8
	ID       uint8
	DataType protocols.KVType
	Data     []byte
}

// ParseNotification pulls the fields out of a decoded notification
// payload.
func ParseNotification(p *protocols.Payload) *Notification {
	ts := p.Sub("timestamp")
	return &Notification{
		Flags:    p.Uint8("flags"),
		DeviceID: p.Uint64("device_id"),
		Seconds:  ts.Uint32("seconds"),
		Fraction: ts.Uint32("fraction"),
		Group:    p.Uint8("group"),
		ID:       p.Uint8("id"),
		DataType: protocols.KVType(int8(p.Uint8("data_type"))),
		Data:     p.Bytes("data"),
	}
}

// ReceiveNotification applies a pushed parameter change: the value is
// decoded per its wire type, stamped with the device's NTP timestamp
// and published. A notification is also proof of life, so the status
// flips online, unless the device announced a pending reboot via
// boot_mode. A data type disagreeing with the catalog is dropped: the
// device is running different firmware than the catalog was built from
// and the value cannot be trusted.
func (d *Device) ReceiveNotification(n *Notification) error {
	if n.DeviceID != d.deviceID {
		return fmt.Errorf("device: notification for %d delivered to session %d", n.DeviceID, d.deviceID)
	}

	key, err := d.translateRef(n.Group, n.ID)
	if err != nil {
		return err
	}

	if k, ok := d.Catalog().Get(key); ok && k.Type != n.DataType {
		d.log.Debug("notification type mismatch",
			zap.String("key", key),
			zap.Int8("data_type", int8(n.DataType)),
			zap.Int8("meta_type", int8(k.Type)))
		return nil
	}

	field, err := protocols.NewKVValue(n.DataType, "value")
	if err != nil {
		return err
	}
	if _, err := field.Unpack(n.Data); err != nil {
		return err
	}
	value := field.Value()

	d.Catalog().SetValue(key, value)
	if err := d.obj.SetAt(key, value, protocols.NTPToTime(n.Seconds, n.Fraction)); err != nil {
		return err
	}
	d.StampNotification()

	if key == "boot_mode" {
		d.SetOffline()
	} else {
		d.MarkOnline()
	}
	d.Publish()
	return nil
}
