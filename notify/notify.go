// Package notify receives parameter change pushes from devices on the
// notification port and routes them to their sessions.
package notify

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/device"
	"github.com/giapdangle/sapphire-tools/protocols"
	"github.com/giapdangle/sapphire-tools/udpx"
)

// DefaultAddr is the well known address devices push notifications to.
var DefaultAddr = fmt.Sprintf("0.0.0.0:%d", protocols.NotificationPort)

// readTimeout bounds each Receive so the loop can notice a closed
// socket promptly.
const readTimeout = time.Second

// Finder resolves a hardware id to its live session. *device.Registry
// implements it.
type Finder interface {
	Find(deviceID uint64) (*device.Device, bool)
}

// Server owns the notification socket and the receive loop.
type Server struct {
	srv    *udpx.Server
	finder Finder
	log    *zap.Logger
	done   chan struct{}
}

// New binds the notification socket. Pass DefaultAddr outside tests.
func New(addr string, finder Finder, logger *zap.Logger) (*Server, error) {
	srv, err := udpx.NewServer(addr, readTimeout, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv:    srv,
		finder: finder,
		log:    logger,
		done:   make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() *net.UDPAddr { return s.srv.Addr() }

// Start launches the receive loop.
func (s *Server) Start() {
	s.log.Info("notification server listening", zap.Stringer("addr", s.Addr()))
	go s.run()
}

// Stop closes the socket and waits for the loop to exit.
func (s *Server) Stop() {
	_ = s.srv.Close()
	<-s.done
}

func (s *Server) run() {
	defer close(s.done)
	for {
		req, err := s.srv.Receive()
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				continue
			case errors.Is(err, net.ErrClosed):
				return
			case errors.Is(err, udpx.ErrInvalidPacket), errors.Is(err, udpx.ErrShortPacket):
				s.log.Debug("dropping datagram", zap.Error(err))
				continue
			default:
				s.log.Error("notification socket failed", zap.Error(err))
				return
			}
		}
		s.handle(req)
	}
}

// handle acks, decodes and applies one push. The ack goes out before
// decoding so the device stops resending even when the payload turns
// out to be garbage.
func (s *Server) handle(req *udpx.Request) {
	if err := s.srv.Respond(req, nil); err != nil {
		s.log.Warn("notification ack failed", zap.Error(err))
	}

	msg, err := protocols.Notifications.Unpack(req.Data)
	if err != nil {
		s.log.Debug("undecodable notification",
			zap.Stringer("from", req.Addr),
			zap.Error(err))
		return
	}
	n := device.ParseNotification(msg)

	dev, ok := s.finder.Find(n.DeviceID)
	if !ok {
		s.log.Debug("notification from unknown device",
			zap.Uint64("device_id", n.DeviceID),
			zap.Stringer("from", req.Addr))
		return
	}

	if err := dev.ReceiveNotification(n); err != nil {
		s.log.Warn("notification not applied",
			zap.Uint64("device_id", n.DeviceID),
			zap.Error(err))
	}
}
