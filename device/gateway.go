package device

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/giapdangle/sapphire-tools/fields"
	"github.com/giapdangle/sapphire-tools/protocols"
)

// GatewayFirmwareID identifies gateway nodes by the firmware they run.
const GatewayFirmwareID = "e966b682-ce7c-4c80-8373-2f1ee344e39d"

// networkTimeValidity is how long a fetched time base pair is trusted
// before a conversion refreshes it.
const networkTimeValidity = 5 * time.Minute

// timeClient is the slice of udpx.Client the network time fetch needs,
// injectable in tests.
type timeClient interface {
	Exchange(payload []byte, addr *net.UDPAddr) ([]byte, *net.UDPAddr, error)
	SetTimeout(d time.Duration)
	Close() error
}

// Gateway is the session for a node bridging the wireless mesh. On top
// of the plain device surface it serves the mesh's device database,
// bridge and ARP tables, and network time.
type Gateway struct {
	*Device

	newTimeClient func() (timeClient, error)

	// tmu guards the network time base pair.
	tmu         sync.Mutex
	wcomBase    uint32
	ntpBase     time.Time
	baseFetched time.Time
}

// DeviceDBEntry is one row of the gateway's device database.
type DeviceDBEntry struct {
	ShortAddr uint16
	DeviceID  uint64
	IP        string
}

// DeviceDB reads the mesh's device database.
func (g *Gateway) DeviceDB() ([]DeviceDBEntry, error) {
	data, err := g.GetFile("devicedb")
	if err != nil {
		return nil, err
	}
	arr := protocols.NewDeviceDBArray()
	if _, err := arr.Unpack(data); err != nil {
		return nil, err
	}

	out := make([]DeviceDBEntry, 0, arr.Len())
	for _, f := range arr.Items() {
		row, ok := f.(*fields.Struct)
		if !ok {
			continue
		}
		out = append(out, DeviceDBEntry{
			ShortAddr: row.Uint16("short_addr"),
			DeviceID:  row.Uint64("device_id"),
			IP:        row.String("ip"),
		})
	}
	return out, nil
}

// BridgeInfo reads the gateway's mesh to LAN bridge table.
func (g *Gateway) BridgeInfo() ([]map[string]any, error) {
	return g.fileRecords("bridge", protocols.NewBridgeArray)
}

// ARPInfo reads the gateway's ARP cache.
func (g *Gateway) ARPInfo() ([]map[string]any, error) {
	return g.fileRecords("arp_cache", protocols.NewArpArray)
}

// SyncNetworkTime asks the gateway for its network time pairing: the
// mesh's microsecond counter and the NTP wall time it corresponds to.
// The exchange runs on a fresh client against the time port, outside
// the command session. A reply without the valid flag clears the base
// pair.
func (g *Gateway) SyncNetworkTime() error {
	c, err := g.newTimeClient()
	if err != nil {
		return err
	}
	defer c.Close()

	packed, err := protocols.NewGetNetworkTime().Pack()
	if err != nil {
		return err
	}
	ip := net.ParseIP(g.host)
	if ip == nil {
		return fmt.Errorf("device: gateway host %q is not an IP address", g.host)
	}

	reply, _, err := c.Exchange(packed, &net.UDPAddr{IP: ip, Port: protocols.GatewayTimePort})
	if err != nil {
		return fmt.Errorf("%w: network time: %v", ErrUnreachable, err)
	}

	msg, err := protocols.GatewayServices.Unpack(reply)
	if err != nil {
		return err
	}
	if msg.MsgType() != protocols.GwNetworkTime {
		return fmt.Errorf("device: network time: unexpected message type %d", msg.MsgType())
	}

	g.tmu.Lock()
	defer g.tmu.Unlock()
	if msg.Uint8("flags")&protocols.NetTimeFlagValid == 0 {
		g.wcomBase = 0
		g.ntpBase = time.Time{}
		g.baseFetched = time.Time{}
		return nil
	}
	g.wcomBase = msg.Uint32("wcom_network_time")
	g.ntpBase = protocols.NTPToTime(msg.Uint32("ntp_time_seconds"), msg.Uint32("ntp_time_fractional"))
	g.baseFetched = time.Now()
	return nil
}

func (g *Gateway) timeBase() (uint32, time.Time, time.Time) {
	g.tmu.Lock()
	defer g.tmu.Unlock()
	return g.wcomBase, g.ntpBase, g.baseFetched
}

// ConvertNetworkTime maps a mesh timestamp to wall time using the
// cached base pair, refreshing it when missing, stale or when the
// 32-bit microsecond counter wrapped since it was fetched.
func (g *Gateway) ConvertNetworkTime(networkTime uint32) (time.Time, error) {
	wcom, ntp, fetched := g.timeBase()

	if ntp.IsZero() || time.Since(fetched) > networkTimeValidity {
		if err := g.SyncNetworkTime(); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrTimeNotSynced, err)
		}
		wcom, ntp, _ = g.timeBase()
		if ntp.IsZero() {
			return time.Time{}, ErrTimeNotSynced
		}
	}

	elapsed := int64(networkTime) - int64(wcom)
	if elapsed >= 1<<31 || -elapsed >= 1<<31 {
		if err := g.SyncNetworkTime(); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrTimeNotSynced, err)
		}
		wcom, ntp, _ = g.timeBase()
		if ntp.IsZero() {
			return time.Time{}, ErrTimeNotSynced
		}
		elapsed = int64(networkTime) - int64(wcom)
	}

	return ntp.Add(time.Duration(elapsed) * time.Microsecond), nil
}
