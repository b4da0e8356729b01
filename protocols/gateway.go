package protocols

import "github.com/giapdangle/sapphire-tools/fields"

// Gateway services message types.
const (
	GwPollGateway    uint16 = 1
	GwGatewayToken   uint16 = 2
	GwGetNetworkTime uint16 = 9
	GwNetworkTime    uint16 = 10
)

// Well known UDP ports.
const (
	DeviceCommandPort   = 16385
	GatewayServicesPort = 25002
	GatewayTimePort     = 25003
	NotificationPort    = 59999
)

// Flag bits in a NetworkTime reply.
const (
	NetTimeFlagWcomSync uint8 = 0x01
	NetTimeFlagNTPSync  uint8 = 0x02
	NetTimeFlagValid    uint8 = 0x04
)

// GatewayServices is spoken on the gateway services port. PollGateway is
// broadcast by scanners; gateways answer with a GatewayToken. The network
// time pair runs over the acknowledged datagram port instead.
var GatewayServices = newGatewayServices()

func newGatewayServices() *Protocol {
	p := NewProtocol("gateway_services", TypeWidth8)
	p.register(GwPollGateway, func() *Payload { return NewPollGateway(0) })
	p.register(GwGatewayToken, func() *Payload { return NewGatewayToken(0, 0, 0) })
	p.register(GwGetNetworkTime, func() *Payload { return NewGetNetworkTime() })
	p.register(GwNetworkTime, func() *Payload { return NewNetworkTime(0, 0, 0, 0) })
	return p
}

func NewPollGateway(shortAddr uint16) *Payload {
	return newPayload(GwPollGateway, TypeWidth8, "poll_gateway",
		fields.NewUint16("short_addr", shortAddr))
}

func NewGatewayToken(token uint32, shortAddr uint16, deviceID uint64) *Payload {
	return newPayload(GwGatewayToken, TypeWidth8, "gateway_token",
		fields.NewUint32("token", token),
		fields.NewUint16("short_addr", shortAddr),
		fields.NewUint64("device_id", deviceID))
}

func NewGetNetworkTime() *Payload {
	return newPayload(GwGetNetworkTime, TypeWidth8, "get_network_time")
}

func NewNetworkTime(flags uint8, ntpSeconds, ntpFraction, wcomTime uint32) *Payload {
	return newPayload(GwNetworkTime, TypeWidth8, "network_time",
		fields.NewUint8("flags", flags),
		fields.NewUint32("ntp_time_seconds", ntpSeconds),
		fields.NewUint32("ntp_time_fractional", ntpFraction),
		fields.NewUint32("wcom_network_time", wcomTime))
}
