package monitor

import (
	"errors"
	"fmt"
	"sync"
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

const simDeviceID = uint64(7001)

type simParam struct {
	typ   protocols.KVType
	name  string
	value any
}

// simNode answers the command subset a supervisor exercises: kv server
// installation, file reads for the scan and parameter reads.
type simNode struct {
	mu     sync.Mutex
	fail   error
	files  map[string][]byte
	ids    map[string]int8
	nextID int8
	params map[[2]uint8]simParam
	order  [][2]uint8

	kvServerIP   string
	kvServerPort uint16
	kvServerSets int
}

func newSimNode(t *testing.T) *simNode {
	n := &simNode{
		files:  make(map[string][]byte),
		ids:    make(map[string]int8),
		params: make(map[[2]uint8]simParam),
	}
	n.addParam(2, 1, protocols.TypeString128, "name", "pulse-node")
	n.addParam(2, 2, protocols.TypeUint16, "short_addr", uint64(0x31))
	n.addParam(2, 3, protocols.TypeUint64, "device_id", simDeviceID)
	n.addParam(32, 1, protocols.TypeUint32, "counter", uint64(12))

	rec := protocols.NewFirmwareInfo()
	require.NoError(t, rec.Set("firmware_length", uint32(2048)))
	require.NoError(t, rec.Set("firmware_id", "5d1c2a3b-1111-2222-3333-444455556666"))
	require.NoError(t, rec.Set("os_name", "sapphire"))
	require.NoError(t, rec.Set("os_version", "v3.1"))
	require.NoError(t, rec.Set("app_name", "pulse"))
	require.NoError(t, rec.Set("app_version", "2.0"))
	fwinfo, err := rec.Pack()
	require.NoError(t, err)
	n.setFile("fwinfo", fwinfo)

	var kvmeta []byte
	for _, key := range n.order {
		p := n.params[key]
		row, err := (&protocols.KVMeta{Group: key[0], ID: key[1], Type: p.typ, Name: p.name}).Pack()
		require.NoError(t, err)
		kvmeta = append(kvmeta, row...)
	}
	n.setFile("kvmeta", kvmeta)
	return n
}

func (n *simNode) addParam(group, id uint8, typ protocols.KVType, name string, value any) {
	key := [2]uint8{group, id}
	n.params[key] = simParam{typ: typ, name: name, value: value}
	n.order = append(n.order, key)
}

func (n *simNode) setFile(name string, data []byte) {
	if _, ok := n.ids[name]; !ok {
		n.ids[name] = n.nextID
		n.nextID++
	}
	n.files[name] = data
}

func (n *simNode) setFail(err error) {
	n.mu.Lock()
	n.fail = err
	n.mu.Unlock()
}

func (n *simNode) kvServer() (string, uint16, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.kvServerIP, n.kvServerPort, n.kvServerSets
}

func (n *simNode) Exchange(data []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.fail != nil {
		return nil, n.fail
	}
	cmd, err := protocols.DeviceCommands.Unpack(data)
	if err != nil {
		return nil, err
	}

	switch cmd.MsgType() {
	case protocols.CmdSetKVServer:
		n.kvServerIP = cmd.String("ip")
		n.kvServerPort = cmd.Uint16("port")
		n.kvServerSets++

	case protocols.CmdGetFileID:
		id, ok := n.ids[cmd.String("name")]
		if !ok {
			id = -1
		}
		return protocols.NewGetFileIDResponse(id).Pack()

	case protocols.CmdReadFileData:
		var content []byte
		for name, fid := range n.ids {
			if fid == int8(cmd.Uint8("file_id")) {
				content = n.files[name]
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

	case protocols.CmdGetKV:
		reqs, err := protocols.ParseKVRequests(cmd.Bytes("data"))
		if err != nil {
			return nil, err
		}
		var params []*protocols.KVParam
		for _, r := range reqs {
			sp, ok := n.params[[2]uint8{r.Group, r.ID}]
			if !ok {
				return nil, fmt.Errorf("no parameter %d.%d", r.Group, r.ID)
			}
			p, err := protocols.NewKVParam(r.Group, r.ID, sp.typ)
			if err != nil {
				return nil, err
			}
			if err := p.SetValue(sp.value); err != nil {
				return nil, err
			}
			params = append(params, p)
		}
		packed, err := protocols.PackKVParams(params)
		if err != nil {
			return nil, err
		}
		return protocols.NewGetKVResponse(packed).Pack()
	}

	resp, err := protocols.CommandResponses.New(cmd.MsgType())
	if err != nil {
		return nil, err
	}
	return resp.Pack()
}

func (n *simNode) SetTimeout(time.Duration) {}
func (n *simNode) Close() error             { return nil }

type monitorRig struct {
	mgr  *exchange.Manager
	disp *exchange.Dispatcher
	sim  *simNode
	dev  *device.Device
	mon  *Monitor
}

func newMonitorRig(t *testing.T, host string, tweak func(*Config)) *monitorRig {
	log := zaptest.NewLogger(t)
	disp := exchange.NewDispatcher(log)
	mgr := exchange.NewManager(broker.NewMemory(log), disp, log)
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)

	sim := newSimNode(t)
	factory := device.NewFactory(device.FactoryConfig{
		Exchange: mgr,
		Logger:   log,
		NewChannel: func(string, int) (channel.Channel, error) {
			return sim, nil
		},
	})
	dev, err := factory.Device(host, 0x31, simDeviceID, nil)
	require.NoError(t, err)

	cfg := Config{
		Dispatcher:  disp,
		Logger:      log,
		NotifyIP:    "198.51.100.1",
		Tick:        2 * time.Millisecond,
		StaleAfter:  40 * time.Millisecond,
		RetryPeriod: 10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	mon := New(cfg)
	mon.Start()
	t.Cleanup(mon.Stop)

	return &monitorRig{mgr: mgr, disp: disp, sim: sim, dev: dev, mon: mon}
}

func (r *monitorRig) found() {
	r.disp.Send(exchange.SignalFoundDevice, r.dev)
}

func (r *monitorRig) online() bool {
	return r.dev.Status() == device.StatusOnline
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMonitor_BringsDeviceOnline(t *testing.T) {
	rig := newMonitorRig(t, "203.0.113.40", nil)

	rig.found()
	waitFor(t, rig.online)

	ip, port, sets := rig.sim.kvServer()
	assert.Equal(t, "198.51.100.1", ip)
	assert.EqualValues(t, protocols.NotificationPort, port)
	assert.GreaterOrEqual(t, sets, 1)

	assert.Equal(t, "pulse-node", rig.dev.Name())
	v, ok := rig.dev.Object().Get("firmware_name")
	require.True(t, ok)
	assert.Equal(t, "pulse", v)
	v, ok = rig.dev.Object().Get("counter")
	require.True(t, ok)
	assert.EqualValues(t, 12, v)
	assert.WithinDuration(t, time.Now(), rig.dev.LastNotification(), 2*time.Second)

	q := exchange.Query{Match: map[string]any{"device_id": simDeviceID}}
	assert.Len(t, rig.mgr.Query(q), 1)
}

func TestMonitor_WatchdogTripsWhenNotificationsStop(t *testing.T) {
	rig := newMonitorRig(t, "203.0.113.40", nil)

	rig.found()
	waitFor(t, rig.online)

	// No notifications arrive and the link drops, so the immediate
	// rescan after the watchdog fires fails too.
	rig.sim.setFail(errors.New("link lost"))
	waitFor(t, func() bool { return rig.dev.Status() == device.StatusOffline })

	// The link heals and a heartbeat flips the device online; the
	// supervisor wakes early and rescans.
	rig.sim.setFail(nil)
	rig.dev.MarkOnline()
	waitFor(t, rig.online)

	_, _, sets := rig.sim.kvServer()
	assert.GreaterOrEqual(t, sets, 2)
}

func TestMonitor_UnreachableRetriesUntilUp(t *testing.T) {
	rig := newMonitorRig(t, "203.0.113.40", nil)

	rig.sim.setFail(errors.New("powered off"))
	rig.found()
	time.Sleep(30 * time.Millisecond)
	assert.NotEqual(t, device.StatusOnline, rig.dev.Status())

	rig.sim.setFail(nil)
	waitFor(t, rig.online)
}

func TestMonitor_DedupesFoundSignals(t *testing.T) {
	rig := newMonitorRig(t, "203.0.113.40", nil)

	rig.found()
	rig.found()
	waitFor(t, rig.online)

	rig.mon.mu.Lock()
	watched := len(rig.mon.watched)
	rig.mon.mu.Unlock()
	assert.Equal(t, 1, watched)
}

func TestMonitor_DerivesNotifyAddress(t *testing.T) {
	rig := newMonitorRig(t, "127.0.0.1", func(c *Config) { c.NotifyIP = "" })

	rig.found()
	waitFor(t, rig.online)

	ip, port, _ := rig.sim.kvServer()
	assert.Equal(t, "127.0.0.1", ip)
	assert.EqualValues(t, protocols.NotificationPort, port)
}

func TestMonitor_StopReturnsPromptly(t *testing.T) {
	rig := newMonitorRig(t, "203.0.113.40", nil)

	rig.found()
	waitFor(t, rig.online)

	done := make(chan struct{})
	go func() {
		rig.mon.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
