package netscan

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/giapdangle/sapphire-tools/broker"
	"github.com/giapdangle/sapphire-tools/channel"
	"github.com/giapdangle/sapphire-tools/device"
	"github.com/giapdangle/sapphire-tools/exchange"
	"github.com/giapdangle/sapphire-tools/protocols"
)

// fileChannel answers just enough of the command protocol to serve
// files, which is all a scan cycle asks of a gateway.
type fileChannel struct {
	mu      sync.Mutex
	fail    error
	files   map[string][]byte
	fileIDs map[string]int8
	nextID  int8
}

func newFileChannel() *fileChannel {
	return &fileChannel{
		files:   make(map[string][]byte),
		fileIDs: make(map[string]int8),
	}
}

func (c *fileChannel) setFile(name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fileIDs[name]; !ok {
		c.fileIDs[name] = c.nextID
		c.nextID++
	}
	c.files[name] = data
}

func (c *fileChannel) Exchange(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail != nil {
		return nil, c.fail
	}
	cmd, err := protocols.DeviceCommands.Unpack(data)
	if err != nil {
		return nil, err
	}

	switch cmd.MsgType() {
	case protocols.CmdGetFileID:
		id, ok := c.fileIDs[cmd.String("name")]
		if !ok {
			id = -1
		}
		return protocols.NewGetFileIDResponse(id).Pack()

	case protocols.CmdReadFileData:
		var content []byte
		for name, fid := range c.fileIDs {
			if fid == int8(cmd.Uint8("file_id")) {
				content = c.files[name]
			}
		}
		pos := int(cmd.Uint32("position"))
		end := pos + int(cmd.Uint32("length"))
		if pos > len(content) {
			pos = len(content)
		}
		if end > len(content) {
			end = len(content)
		}
		return protocols.NewReadFileDataResponse(content[pos:end]).Pack()

	default:
		return nil, fmt.Errorf("unexpected command %d", cmd.MsgType())
	}
}

func (c *fileChannel) SetTimeout(time.Duration) {}
func (c *fileChannel) Close() error             { return nil }

// fakeGateway answers each poll with one token per id.
func fakeGateway(t *testing.T, ids ...uint64) *net.UDPAddr {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := protocols.GatewayServices.Unpack(buf[:n])
			if err != nil || msg.MsgType() != protocols.GwPollGateway {
				continue
			}
			for i, id := range ids {
				token, err := protocols.NewGatewayToken(uint32(id), uint16(i+1), id).Pack()
				if err != nil {
					return
				}
				_, _ = conn.WriteToUDP(token, raddr)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

type scanRig struct {
	mgr  *exchange.Manager
	disp *exchange.Dispatcher
	reg  *device.Registry
}

func newScanRig(t *testing.T, newChannel func(string, int) (channel.Channel, error)) *scanRig {
	log := zaptest.NewLogger(t)
	disp := exchange.NewDispatcher(log)
	mgr := exchange.NewManager(broker.NewMemory(log), disp, log)
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)

	factory := device.NewFactory(device.FactoryConfig{
		Exchange:   mgr,
		Logger:     log,
		NewChannel: newChannel,
	})
	return &scanRig{mgr: mgr, disp: disp, reg: device.NewRegistry(factory, log)}
}

func deviceDB(t *testing.T, rows ...device.DeviceDBEntry) []byte {
	t.Helper()
	arr := protocols.NewDeviceDBArray()
	for _, r := range rows {
		row := protocols.NewDeviceDBEntry()
		require.NoError(t, row.Set("short_addr", r.ShortAddr))
		require.NoError(t, row.Set("device_id", r.DeviceID))
		require.NoError(t, row.Set("ip", r.IP))
		arr.Append(row)
	}
	packed, err := arr.Pack()
	require.NoError(t, err)
	return packed
}

func TestScanner_DiscoversMesh(t *testing.T) {
	addr := fakeGateway(t, 100)

	ch := newFileChannel()
	ch.setFile("devicedb", deviceDB(t,
		device.DeviceDBEntry{ShortAddr: 2, DeviceID: 200, IP: "127.0.0.1"}))

	rig := newScanRig(t, func(string, int) (channel.Channel, error) { return ch, nil })

	var mu sync.Mutex
	var signaled []uint64
	rig.disp.Connect(exchange.SignalFoundDevice, func(p any) {
		if d, ok := p.(*device.Device); ok {
			mu.Lock()
			signaled = append(signaled, d.DeviceID())
			mu.Unlock()
		}
	})

	s := New(Config{
		Registry:      rig.reg,
		Exchange:      rig.mgr,
		Logger:        zaptest.NewLogger(t),
		Window:        200 * time.Millisecond,
		BroadcastAddr: addr.String(),
	})

	require.NoError(t, s.ScanOnce())

	gwDev, ok := rig.reg.Find(100)
	require.True(t, ok)
	assert.NotNil(t, gwDev.Gateway())

	dev, ok := rig.reg.Find(200)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", dev.Host())
	assert.Len(t, rig.reg.Gateways(), 1)

	mu.Lock()
	assert.ElementsMatch(t, []uint64{100, 200}, signaled)
	mu.Unlock()

	// Both sessions are published on the exchange.
	q := exchange.Query{Match: map[string]any{"device_id": uint64(200)}}
	assert.Len(t, rig.mgr.Query(q), 1)

	// A second cycle reuses the sessions and repeats the signal.
	require.NoError(t, s.ScanOnce())
	assert.Len(t, rig.reg.Devices(), 2)
	assert.Len(t, rig.mgr.Query(q), 1)
	mu.Lock()
	assert.Len(t, signaled, 4)
	mu.Unlock()
}

func TestScanner_GatewayFailureIsolated(t *testing.T) {
	addr := fakeGateway(t, 100, 101)

	bad := newFileChannel()
	bad.fail = errors.New("radio dead")
	good := newFileChannel()
	good.setFile("devicedb", deviceDB(t,
		device.DeviceDBEntry{ShortAddr: 2, DeviceID: 200, IP: "127.0.0.1"}))

	// The first gateway session gets the dead channel, whichever token
	// arrives first.
	var calls int32
	rig := newScanRig(t, func(string, int) (channel.Channel, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return bad, nil
		}
		return good, nil
	})

	s := New(Config{
		Registry:      rig.reg,
		Exchange:      rig.mgr,
		Logger:        zaptest.NewLogger(t),
		Window:        200 * time.Millisecond,
		BroadcastAddr: addr.String(),
	})

	require.NoError(t, s.ScanOnce())

	assert.Len(t, rig.reg.Gateways(), 2)
	_, ok := rig.reg.Find(200)
	assert.True(t, ok, "the healthy gateway's mesh must still fold in")
}

func TestScanner_NoGateways(t *testing.T) {
	// A silent listener: the poll goes out, nothing answers.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	rig := newScanRig(t, func(string, int) (channel.Channel, error) {
		return newFileChannel(), nil
	})
	s := New(Config{
		Registry:      rig.reg,
		Exchange:      rig.mgr,
		Logger:        zaptest.NewLogger(t),
		Window:        100 * time.Millisecond,
		BroadcastAddr: conn.LocalAddr().String(),
	})

	require.NoError(t, s.ScanOnce())
	assert.Empty(t, rig.reg.Devices())
}

func TestScanner_StartStop(t *testing.T) {
	addr := fakeGateway(t, 100)

	ch := newFileChannel()
	ch.setFile("devicedb", deviceDB(t))

	rig := newScanRig(t, func(string, int) (channel.Channel, error) { return ch, nil })
	s := New(Config{
		Registry:      rig.reg,
		Exchange:      rig.mgr,
		Logger:        zaptest.NewLogger(t),
		Interval:      50 * time.Millisecond,
		Window:        50 * time.Millisecond,
		BroadcastAddr: addr.String(),
	})

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rig.reg.Find(100); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	_, ok := rig.reg.Find(100)
	assert.True(t, ok)
}
