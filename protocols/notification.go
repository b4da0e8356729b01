package protocols

import "github.com/giapdangle/sapphire-tools/fields"

// MsgNotification is the only message in the notification protocol.
const MsgNotification uint16 = 1

// Notifications is spoken by devices pushing parameter changes to the
// notification port.
var Notifications = newNotifications()

func newNotifications() *Protocol {
	p := NewProtocol("notifications", TypeWidth8)
	p.register(MsgNotification, func() *Payload {
		return NewNotification(0, 0, 0, 0, 0, 0, TypeNone, nil)
	})
	return p
}

// NewNotification builds a parameter change push. The data run is encoded
// per dataType; id 255 refers to a whole group.
func NewNotification(flags uint8, deviceID uint64, ntpSeconds, ntpFraction uint32, group, id uint8, dataType KVType, data []byte) *Payload {
	return newPayload(MsgNotification, TypeWidth8, "notification",
		fields.NewUint8("flags", flags),
		fields.NewUint64("device_id", deviceID),
		NewNTPTimestamp("timestamp", ntpSeconds, ntpFraction),
		fields.NewUint8("group", group),
		fields.NewUint8("id", id),
		fields.NewUint8("data_type", uint8(dataType)),
		fields.NewRaw("data", data))
}
