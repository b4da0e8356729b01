// Package device drives a single Sapphire node over its command channel.
// A session scans the node's identity and parameter metadata, moves
// key/value parameters and files, and mirrors what it learns into the
// object exchange so every peer process sees the fleet.
package device

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/channel"
	"github.com/giapdangle/sapphire-tools/exchange"
	"github.com/giapdangle/sapphire-tools/fwimage"
	"github.com/giapdangle/sapphire-tools/kvstore"
	"github.com/giapdangle/sapphire-tools/protocols"
	"github.com/giapdangle/sapphire-tools/udpx"
)

const (
	// FileTransferLen is the chunk size for file reads and writes. A read
	// that returns fewer bytes marks the end of the file.
	FileTransferLen = 512

	// MaxKVDataLen caps the packed key/value run carried in one datagram.
	MaxKVDataLen = 548

	defaultRebootDelay = time.Second
)

// FactoryConfig wires the shared resources device sessions draw on.
type FactoryConfig struct {
	Pool      *udpx.Pool
	Exchange  *exchange.Manager
	MetaCache *kvstore.Store
	Firmware  *fwimage.Store
	Logger    *zap.Logger

	// RebootDelay is how long a session lingers in the reboot state
	// before reporting offline. Zero means one second.
	RebootDelay time.Duration

	// NewChannel overrides command channel construction, for tests.
	NewChannel func(host string, port int) (channel.Channel, error)
}

// Factory builds device sessions bound to the process wide pool, caches
// and exchange.
type Factory struct {
	pool        *udpx.Pool
	exchange    *exchange.Manager
	metaCache   *kvstore.Store
	firmware    *fwimage.Store
	log         *zap.Logger
	rebootDelay time.Duration
	newChannel  func(host string, port int) (channel.Channel, error)
}

// NewFactory validates the wiring and returns a session factory.
func NewFactory(cfg FactoryConfig) *Factory {
	f := &Factory{
		pool:        cfg.Pool,
		exchange:    cfg.Exchange,
		metaCache:   cfg.MetaCache,
		firmware:    cfg.Firmware,
		log:         cfg.Logger,
		rebootDelay: cfg.RebootDelay,
		newChannel:  cfg.NewChannel,
	}
	if f.rebootDelay <= 0 {
		f.rebootDelay = defaultRebootDelay
	}
	if f.newChannel == nil {
		f.newChannel = func(host string, port int) (channel.Channel, error) {
			return channel.New(host, port, cfg.Pool, cfg.Logger)
		}
	}
	return f
}

// Device creates a session for a node reachable at host, typically a row
// of a gateway's device database.
func (f *Factory) Device(host string, shortAddr uint16, deviceID uint64, gw *Gateway) (*Device, error) {
	return f.newDevice(host, shortAddr, deviceID, gw)
}

// Gateway creates a session for a gateway node, which additionally
// bridges the wireless mesh and serves network time.
func (f *Factory) Gateway(host string, shortAddr uint16, deviceID uint64) (*Gateway, error) {
	d, err := f.newDevice(host, shortAddr, deviceID, nil)
	if err != nil {
		return nil, err
	}
	g := &Gateway{Device: d}
	g.newTimeClient = func() (timeClient, error) { return udpx.NewClient(f.log) }
	d.gw = g
	return g, nil
}

func (f *Factory) newDevice(host string, shortAddr uint16, deviceID uint64, gw *Gateway) (*Device, error) {
	ch, err := f.newChannel(host, protocols.DeviceCommandPort)
	if err != nil {
		return nil, err
	}

	catalog, _ := NewCatalog(nil)
	d := &Device{
		log:              f.log.With(zap.Uint64("device_id", deviceID)),
		metaCache:        f.metaCache,
		firmware:         f.firmware,
		rebootDelay:      f.rebootDelay,
		ch:               ch,
		gw:               gw,
		deviceID:         deviceID,
		shortAddr:        shortAddr,
		host:             host,
		catalog:          catalog,
		lastNotification: protocols.NTPEpoch,
	}

	d.obj = f.exchange.NewObjectWithID(strconv.FormatUint(deviceID, 10), "devices")
	_ = d.obj.Set("host", host)
	_ = d.obj.Set("device_id", deviceID)
	_ = d.obj.Set("short_addr", shortAddr)
	_ = d.obj.Set("name", fmt.Sprintf("<anon@%d>", shortAddr))
	_ = d.obj.Set("device_status", string(StatusOffline))
	_ = d.obj.Set("firmware_id", "")
	_ = d.obj.Set("firmware_name", "")
	_ = d.obj.Set("firmware_version", "")
	_ = d.obj.Set("os_name", "")
	_ = d.obj.Set("os_version", "")
	return d, nil
}

// Device is one node's command session. All command traffic is
// serialized by the session mutex, so a single exchange is outstanding
// per device at any time.
type Device struct {
	log         *zap.Logger
	metaCache   *kvstore.Store
	firmware    *fwimage.Store
	rebootDelay time.Duration

	obj *exchange.Object
	ch  channel.Channel
	gw  *Gateway

	deviceID  uint64
	shortAddr uint16
	host      string

	// mu serializes command exchanges.
	mu sync.Mutex

	// stateMu guards the catalog swap and notification bookkeeping,
	// which the notification path touches without holding mu.
	stateMu          sync.Mutex
	catalog          *Catalog
	fwHash           string
	lastNotification time.Time
}

// DeviceID returns the node's hardware id.
func (d *Device) DeviceID() uint64 { return d.deviceID }

// ShortAddr returns the node's mesh short address.
func (d *Device) ShortAddr() uint16 { return d.shortAddr }

// Host returns the address the session talks to.
func (d *Device) Host() string { return d.host }

// Object returns the exchange object mirroring this device.
func (d *Device) Object() *exchange.Object { return d.obj }

// Gateway returns the gateway session this device hangs off, or nil.
func (d *Device) Gateway() *Gateway { return d.gw }

// Catalog returns the current parameter catalog.
func (d *Device) Catalog() *Catalog {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.catalog
}

// LastNotification returns when the device last pushed a notification.
func (d *Device) LastNotification() time.Time {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.lastNotification
}

// StampNotification records a notification arrival at now.
func (d *Device) StampNotification() {
	d.stateMu.Lock()
	d.lastNotification = time.Now()
	d.stateMu.Unlock()
}

// Name returns the device's reported name.
func (d *Device) Name() string {
	v, _ := d.obj.Get("name")
	return fmt.Sprint(v)
}

// Status returns the session's reachability state.
func (d *Device) Status() Status {
	v, ok := d.obj.Get("device_status")
	if !ok {
		return StatusUnknown
	}
	return Status(fmt.Sprint(v))
}

func (d *Device) setStatus(s Status) {
	_ = d.obj.Set("device_status", string(s))
}

// MarkOnline flips the status to online if it differed.
func (d *Device) MarkOnline() {
	if d.Status() != StatusOnline {
		d.setStatus(StatusOnline)
	}
}

func (d *Device) markOffline() {
	if d.Status() == StatusOnline {
		d.setStatus(StatusOffline)
	}
}

// SetOffline forces the status to offline regardless of the previous
// state.
func (d *Device) SetOffline() {
	d.setStatus(StatusOffline)
}

// Publish pushes the device's object and any pending events to the
// exchange.
func (d *Device) Publish() {
	d.obj.Publish()
}

// Close releases the command channel.
func (d *Device) Close() error {
	return d.ch.Close()
}

// sendCommand packs and exchanges one command; callers hold mu. A
// channel failure flips an online device offline; a reply flips it
// online. Replies must carry the command's type tag and decode to
// exactly their wire length.
func (d *Device) sendCommand(cmd *protocols.Payload) (*protocols.Payload, error) {
	packed, err := cmd.Pack()
	if err != nil {
		return nil, err
	}

	reply, err := d.ch.Exchange(packed)
	if err != nil {
		d.markOffline()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, cmd.Name(), err)
	}
	d.MarkOnline()

	resp, err := protocols.CommandResponses.Unpack(reply)
	if err != nil {
		return nil, fmt.Errorf("device: %s: %w", cmd.Name(), err)
	}
	if resp.MsgType() != cmd.MsgType() {
		return nil, fmt.Errorf("device: %s: response type %d does not match command", cmd.Name(), resp.MsgType())
	}
	if resp.Size() != len(reply) {
		return nil, fmt.Errorf("device: %s: response is %d bytes, decoded %d", cmd.Name(), len(reply), resp.Size())
	}
	return resp, nil
}

// Echo round trips a string through the device.
func (d *Device) Echo(s string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp, err := d.sendCommand(protocols.NewEcho(s))
	if err != nil {
		return "", err
	}
	return resp.String("echo_data"), nil
}

// Scan refreshes the device's identity: firmware info, the parameter
// catalog and the name and short address parameters.
func (d *Device) Scan() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fetchFirmwareInfo(); err != nil {
		return err
	}
	if err := d.fetchKVMeta(); err != nil {
		return err
	}
	if _, err := d.getKV("name", "short_addr"); err != nil {
		return err
	}
	return nil
}

// Reboot restarts the device into its application firmware.
func (d *Device) Reboot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rebootCmd(protocols.NewReboot())
}

// SafeMode restarts the device into its loader without starting the
// application.
func (d *Device) SafeMode() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rebootCmd(protocols.NewSafeMode())
}

// rebootCmd sends a restart class command and walks the status through
// reboot to offline once the device has had time to go down.
func (d *Device) rebootCmd(cmd *protocols.Payload) error {
	if _, err := d.sendCommand(cmd); err != nil {
		return err
	}
	d.setStatus(StatusReboot)
	time.Sleep(d.rebootDelay)
	d.setStatus(StatusOffline)
	return nil
}

// FormatFS erases the device's file system.
func (d *Device) FormatFS() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sendCommand(protocols.NewFormatFS())
	return err
}

// ResetConfig restores the device's configuration section to defaults.
func (d *Device) ResetConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sendCommand(protocols.NewResetCfg())
	return err
}

// ResetWcomTimeSync forces the device to re-acquire network time.
func (d *Device) ResetWcomTimeSync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sendCommand(protocols.NewResetWcomTimeSync())
	return err
}

// RequestRoute asks the device to discover a mesh route to the target.
func (d *Device) RequestRoute(ip string, shortAddr uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sendCommand(protocols.NewRequestRoute(ip, shortAddr, 0))
	return err
}

// SetKVServer points the device's notification stream at a server.
func (d *Device) SetKVServer(ip string, port uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sendCommand(protocols.NewSetKVServer(ip, port))
	return err
}

// SetSecurityKey installs a 128-bit key, given as hex, into a key slot.
func (d *Device) SetSecurityKey(keyID uint8, key string) error {
	cmd := protocols.NewSetSecurityKey(keyID)
	if err := cmd.Set("key", key); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sendCommand(cmd)
	return err
}
