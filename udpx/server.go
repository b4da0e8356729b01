package udpx

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidPacket reports a datagram whose header is not a client
// request for the current protocol version.
var ErrInvalidPacket = errors.New("udpx: invalid packet")

// Request is one validated client request awaiting acknowledgement.
type Request struct {
	ID   uint8
	Addr *net.UDPAddr
	Data []byte
}

// Server receives acknowledged requests on a fixed port.
type Server struct {
	conn        *net.UDPConn
	readTimeout time.Duration
	log         *zap.Logger
}

// NewServer binds addr ("host:port", port 0 for ephemeral). A non zero
// readTimeout bounds every Receive call.
func NewServer(addr string, readTimeout time.Duration, logger *zap.Logger) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("udpx: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udpx: bind %s: %w", addr, err)
	}
	return &Server{conn: conn, readTimeout: readTimeout, log: logger}, nil
}

// Addr returns the bound address. Useful when listening on port 0.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Receive blocks for the next datagram and validates its header.
// Deadline expiry surfaces as os.ErrDeadlineExceeded.
func (s *Server) Receive() (*Request, error) {
	buf := make([]byte, 4096)
	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return nil, err
		}
	}

	n, raddr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}

	p, err := Parse(buf[:n])
	if err != nil {
		return nil, err
	}
	if p.Version != Version || p.Server || p.Ack {
		return nil, fmt.Errorf("%w: header %#02x from %s", ErrInvalidPacket, buf[0], raddr)
	}

	return &Request{ID: p.ID, Addr: raddr, Data: p.Payload}, nil
}

// Respond acknowledges req, mirroring its exchange id and carrying
// payload back to the client.
func (s *Server) Respond(req *Request, payload []byte) error {
	ack := &Packet{
		Version: Version,
		Server:  true,
		Ack:     true,
		ID:      req.ID,
		Payload: payload,
	}
	if _, err := s.conn.WriteToUDP(ack.Pack(), req.Addr); err != nil {
		return fmt.Errorf("udpx: ack to %s: %w", req.Addr, err)
	}
	return nil
}

// Close releases the socket.
func (s *Server) Close() error { return s.conn.Close() }
