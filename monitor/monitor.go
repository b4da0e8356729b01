// Package monitor supervises discovered devices. Every device found on
// the network gets one goroutine that points it at the local
// notification intake, scans it and then watches its heartbeat,
// flipping the session offline when the pushes stop and rescanning when
// it comes back.
package monitor

import (
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/device"
	"github.com/giapdangle/sapphire-tools/exchange"
	"github.com/giapdangle/sapphire-tools/protocols"
)

const (
	defaultTick        = time.Second
	defaultStaleAfter  = 2 * time.Minute
	defaultRetryPeriod = 60 * time.Second
)

// Config carries the monitor's collaborators and timing knobs.
type Config struct {
	Dispatcher *exchange.Dispatcher
	Logger     *zap.Logger

	// NotifyIP is installed on each device as its push target. Empty
	// derives the local address per device from the route to it.
	NotifyIP   string
	NotifyPort uint16

	// Zero values take the defaults: 1s ticks, a 2 minute heartbeat
	// watchdog and a 60s retry period.
	Tick        time.Duration
	StaleAfter  time.Duration
	RetryPeriod time.Duration
}

// Monitor owns one supervisor goroutine per watched device.
type Monitor struct {
	log  *zap.Logger
	disp *exchange.Dispatcher

	notifyIP   string
	notifyPort uint16

	tick        time.Duration
	staleAfter  time.Duration
	retryPeriod time.Duration

	mu      sync.Mutex
	watched map[uint64]struct{}
	stopped bool

	detach func()
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New builds a monitor; defaults fill any zero knobs.
func New(cfg Config) *Monitor {
	m := &Monitor{
		log:         cfg.Logger,
		disp:        cfg.Dispatcher,
		notifyIP:    cfg.NotifyIP,
		notifyPort:  cfg.NotifyPort,
		tick:        cfg.Tick,
		staleAfter:  cfg.StaleAfter,
		retryPeriod: cfg.RetryPeriod,
		watched:     make(map[uint64]struct{}),
		stop:        make(chan struct{}),
	}
	if m.notifyPort == 0 {
		m.notifyPort = protocols.NotificationPort
	}
	if m.tick <= 0 {
		m.tick = defaultTick
	}
	if m.staleAfter <= 0 {
		m.staleAfter = defaultStaleAfter
	}
	if m.retryPeriod <= 0 {
		m.retryPeriod = defaultRetryPeriod
	}
	return m
}

// Start subscribes to the found-device signal. Repeat signals for a
// device already being watched are ignored.
func (m *Monitor) Start() {
	m.detach = m.disp.Connect(exchange.SignalFoundDevice, m.onFound)
	m.log.Info("device monitor started")
}

// Stop detaches from the dispatcher and waits for every supervisor to
// return. Stopping twice is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	if m.detach != nil {
		m.detach()
	}
	close(m.stop)
	m.wg.Wait()
	m.log.Info("device monitor stopped")
}

func (m *Monitor) onFound(payload any) {
	dev, ok := payload.(*device.Device)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if _, ok := m.watched[dev.DeviceID()]; ok {
		m.mu.Unlock()
		return
	}
	m.watched[dev.DeviceID()] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.supervise(dev)
}

// supervise is one device's lifecycle loop: bring it up, watch its
// heartbeat, take it down, wait out the retry period, repeat.
func (m *Monitor) supervise(dev *device.Device) {
	defer m.wg.Done()

	log := m.log.With(
		zap.Uint64("device_id", dev.DeviceID()),
		zap.String("host", dev.Host()))
	log.Info("watching device")

	for {
		retry := m.retryPeriod

		if err := m.bringUp(dev); err != nil {
			log.Warn("device bring-up failed", zap.Error(err))
		} else {
			log.Info("device online", zap.String("name", dev.Name()))

			r, stopping := m.watch(dev)
			if stopping {
				return
			}
			retry = r

			dev.SetOffline()
			dev.Publish()
			log.Info("device offline")
		}

		if !m.sleep(dev, retry) {
			return
		}
	}
}

// bringUp points the device at the local notification intake, refreshes
// its identity and parameter values and publishes the result.
func (m *Monitor) bringUp(dev *device.Device) error {
	ip := m.notifyIP
	if ip == "" {
		derived, err := localAddrFor(dev.Host(), int(m.notifyPort))
		if err != nil {
			return err
		}
		ip = derived
	}

	if err := dev.SetKVServer(ip, m.notifyPort); err != nil {
		return err
	}
	if err := dev.Scan(); err != nil {
		return err
	}
	if _, err := dev.GetAllKV(); err != nil {
		return err
	}

	dev.StampNotification()
	dev.Publish()
	return nil
}

// watch ticks while the device stays online. The returned delay is the
// retry period for the next bring-up: zero when the heartbeat went
// stale, so the rescan starts immediately. The bool reports a monitor
// stop.
func (m *Monitor) watch(dev *device.Device) (time.Duration, bool) {
	t := time.NewTicker(m.tick)
	defer t.Stop()

	for dev.Status() == device.StatusOnline {
		select {
		case <-m.stop:
			return 0, true
		case <-t.C:
		}
		if time.Since(dev.LastNotification()) > m.staleAfter {
			return 0, false
		}
	}
	return m.retryPeriod, false
}

// sleep waits out the retry delay in ticks so a notification flipping
// the device back online restarts the loop early. Returns false when
// the monitor is stopping.
func (m *Monitor) sleep(dev *device.Device, d time.Duration) bool {
	deadline := time.Now().Add(d)
	t := time.NewTicker(m.tick)
	defer t.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-m.stop:
			return false
		case <-t.C:
		}
		if dev.Status() == device.StatusOnline {
			return true
		}
	}
	return true
}

// localAddrFor returns the local IP a host is reached from.
func localAddrFor(host string, port int) (string, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
