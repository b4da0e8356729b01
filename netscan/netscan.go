// Package netscan discovers gateways by broadcasting on the gateway
// services port and folds the mesh behind each one into the device
// registry.
package netscan

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/device"
	"github.com/giapdangle/sapphire-tools/exchange"
	"github.com/giapdangle/sapphire-tools/protocols"
)

// DefaultBroadcastAddr is where gateway polls go outside tests.
var DefaultBroadcastAddr = fmt.Sprintf("255.255.255.255:%d", protocols.GatewayServicesPort)

const (
	defaultInterval = 8 * time.Second
	defaultWindow   = time.Second
)

// Config wires a Scanner.
type Config struct {
	Registry *device.Registry
	Exchange *exchange.Manager
	Logger   *zap.Logger

	// Interval between scan cycles. Zero means eight seconds.
	Interval time.Duration

	// Window is how long one poll collects token replies. Zero means
	// one second.
	Window time.Duration

	// BroadcastAddr overrides the poll destination, for tests.
	BroadcastAddr string
}

// Scanner runs the periodic discovery cycle: poll for gateways, read
// each gateway's device database and register every node found.
type Scanner struct {
	reg       *device.Registry
	mgr       *exchange.Manager
	log       *zap.Logger
	interval  time.Duration
	window    time.Duration
	broadcast string

	stop chan struct{}
	done chan struct{}
}

// New builds a scanner from cfg.
func New(cfg Config) *Scanner {
	s := &Scanner{
		reg:       cfg.Registry,
		mgr:       cfg.Exchange,
		log:       cfg.Logger,
		interval:  cfg.Interval,
		window:    cfg.Window,
		broadcast: cfg.BroadcastAddr,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.window <= 0 {
		s.window = defaultWindow
	}
	if s.broadcast == "" {
		s.broadcast = DefaultBroadcastAddr
	}
	return s
}

// Start launches the scan loop. The first cycle runs immediately.
func (s *Scanner) Start() {
	go s.run()
}

// Stop ends the scan loop and waits for it to exit.
func (s *Scanner) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scanner) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.ScanOnce(); err != nil {
			s.log.Warn("network scan failed", zap.Error(err))
		}
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// ScanOnce runs one discovery cycle. A gateway that fails mid cycle is
// skipped; the rest of the cycle still runs.
func (s *Scanner) ScanOnce() error {
	tokens, err := s.pollGateways()
	if err != nil {
		return err
	}

	found := make(map[uint64]*device.Device)
	for _, tok := range tokens {
		gw, created, err := s.reg.EnsureGateway(tok.host, tok.shortAddr, tok.deviceID)
		if err != nil {
			s.log.Warn("gateway session failed",
				zap.String("host", tok.host),
				zap.Uint64("device_id", tok.deviceID),
				zap.Error(err))
			continue
		}
		if created {
			s.log.Info("found gateway",
				zap.String("host", tok.host),
				zap.Uint64("device_id", tok.deviceID))
		}
		found[tok.deviceID] = gw.Device

		rows, err := gw.DeviceDB()
		if err != nil {
			s.log.Warn("device database unavailable",
				zap.Uint64("device_id", tok.deviceID),
				zap.Error(err))
			continue
		}
		for _, row := range rows {
			dev, created, err := s.reg.EnsureDevice(row.IP, row.ShortAddr, row.DeviceID, gw)
			if err != nil {
				s.log.Warn("device session failed",
					zap.String("host", row.IP),
					zap.Uint64("device_id", row.DeviceID),
					zap.Error(err))
				continue
			}
			if created {
				s.log.Info("found device",
					zap.String("host", row.IP),
					zap.Uint64("device_id", row.DeviceID))
			}
			found[row.DeviceID] = dev
		}
	}

	for _, dev := range found {
		s.announce(dev)
	}
	return nil
}

// announce publishes a device the exchange has not seen yet and fires
// the found signal. The signal repeats every cycle; consumers dedupe.
func (s *Scanner) announce(dev *device.Device) {
	q := exchange.Query{Match: map[string]any{"device_id": dev.DeviceID()}}
	if len(s.mgr.Query(q)) == 0 {
		dev.Publish()
	}
	s.mgr.Dispatcher().Send(exchange.SignalFoundDevice, dev)
}

type gatewayToken struct {
	host      string
	shortAddr uint16
	deviceID  uint64
}

// pollGateways broadcasts one poll and collects token replies until the
// window closes. Replies are deduplicated by device id.
func (s *Scanner) pollGateways() ([]gatewayToken, error) {
	conn, err := broadcastSocket()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dest, err := net.ResolveUDPAddr("udp4", s.broadcast)
	if err != nil {
		return nil, fmt.Errorf("netscan: resolve %s: %w", s.broadcast, err)
	}
	poll, err := protocols.NewPollGateway(0).Pack()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(poll, dest); err != nil {
		return nil, fmt.Errorf("netscan: poll %s: %w", dest, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.window)); err != nil {
		return nil, err
	}

	var tokens []gatewayToken
	seen := make(map[uint64]bool)
	buf := make([]byte, 512)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return tokens, nil
			}
			return tokens, err
		}

		msg, err := protocols.GatewayServices.Unpack(buf[:n])
		if err != nil || msg.MsgType() != protocols.GwGatewayToken {
			continue
		}
		id := msg.Uint64("device_id")
		if seen[id] {
			continue
		}
		seen[id] = true
		tokens = append(tokens, gatewayToken{
			host:      raddr.IP.String(),
			shortAddr: msg.Uint16("short_addr"),
			deviceID:  id,
		})
	}
}

// broadcastSocket opens an ephemeral UDP socket with broadcast sends
// enabled.
func broadcastSocket() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("netscan: bind: %w", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if serr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("netscan: enable broadcast: %w", serr)
	}
	return conn, nil
}
