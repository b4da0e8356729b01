package device

import (
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/exchange"
)

// Registry tracks the live device sessions owned by this process,
// keyed by hardware id.
type Registry struct {
	factory *Factory
	log     *zap.Logger

	mu       sync.Mutex
	devices  map[uint64]*Device
	gateways map[uint64]*Gateway
}

// NewRegistry builds an empty session registry over the factory.
func NewRegistry(f *Factory, logger *zap.Logger) *Registry {
	return &Registry{
		factory:  f,
		log:      logger,
		devices:  make(map[uint64]*Device),
		gateways: make(map[uint64]*Gateway),
	}
}

// Find returns the session for a hardware id.
func (r *Registry) Find(deviceID uint64) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

// Devices snapshots every session.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Gateways snapshots every gateway session.
func (r *Registry) Gateways() []*Gateway {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Gateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, g)
	}
	return out
}

// EnsureDevice returns the session for a device, creating one on first
// sight. The second return reports whether the session is new.
func (r *Registry) EnsureDevice(host string, shortAddr uint16, deviceID uint64, gw *Gateway) (*Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[deviceID]; ok {
		return d, false, nil
	}
	d, err := r.factory.Device(host, shortAddr, deviceID, gw)
	if err != nil {
		return nil, false, err
	}
	r.devices[deviceID] = d
	return d, true, nil
}

// EnsureGateway returns the gateway session for a device id, creating
// one on first sight. A plain session already registered under the id
// is replaced: the node answered a gateway poll, so the earlier
// classification was wrong.
func (r *Registry) EnsureGateway(host string, shortAddr uint16, deviceID uint64) (*Gateway, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gateways[deviceID]; ok {
		return g, false, nil
	}

	g, err := r.factory.Gateway(host, shortAddr, deviceID)
	if err != nil {
		return nil, false, err
	}
	if old, ok := r.devices[deviceID]; ok {
		r.log.Warn("device reclassified as gateway", zap.Uint64("device_id", deviceID))
		_ = old.Close()
	}
	r.devices[deviceID] = g.Device
	r.gateways[deviceID] = g
	return g, true, nil
}

// BindFeedback connects the registry to the exchange's received-event
// signal: remote attribute changes naming a catalog parameter of a
// local session are written back to the hardware. Returns a detach
// function.
func (r *Registry) BindFeedback(disp *exchange.Dispatcher) func() {
	return disp.Connect(exchange.SignalReceivedEvent, r.handleRemoteEvent)
}

// handleRemoteEvent forwards one remote attribute change to its device.
// The write runs on its own goroutine: it's a full command exchange and
// the dispatcher delivers synchronously.
func (r *Registry) handleRemoteEvent(payload any) {
	e, ok := payload.(*exchange.Event)
	if !ok || e.Object == nil || e.Private() {
		return
	}

	v, ok := e.Object.Get("device_id")
	if !ok {
		return
	}
	deviceID, err := strconv.ParseUint(fmt.Sprint(v), 10, 64)
	if err != nil {
		return
	}

	dev, ok := r.Find(deviceID)
	if !ok {
		return
	}
	if _, ok := dev.Catalog().Get(e.Key); !ok {
		return
	}

	go func() {
		if err := dev.SetKey(e.Key, e.Value); err != nil {
			r.log.Warn("remote event not applied to device",
				zap.Uint64("device_id", deviceID),
				zap.String("key", e.Key),
				zap.Error(err))
		}
	}()
}
