// Package discovery lets clients on the local network locate a running
// sapphire server. The responder answers the plain text query
// "server?" on the discovery port with a JSON announcement naming the
// API port; the finder broadcasts the query and returns the first
// answer.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Port is the UDP port responders listen on.
const Port = 25004

// query is the exact datagram a finder sends. Anything else is
// ignored.
const query = "server?"

const (
	defaultTries   = 4
	defaultTimeout = time.Second
)

// ErrServerNotFound is returned when no responder answered within the
// finder's try budget.
var ErrServerNotFound = errors.New("discovery: server not found")

// Announcement is the reply a responder sends.
type Announcement struct {
	Server  string `json:"server"`
	Version string `json:"version"`
	Port    int    `json:"port"`
}

// Responder answers discovery queries on a bound socket.
type Responder struct {
	conn  *net.UDPConn
	log   *zap.Logger
	reply []byte
	done  chan struct{}
}

// NewResponder binds addr and prepares the announcement. An empty
// Server field defaults to "SapphireServer", the name clients look
// for.
func NewResponder(addr string, ann Announcement, logger *zap.Logger) (*Responder, error) {
	if ann.Server == "" {
		ann.Server = "SapphireServer"
	}
	reply, err := json.Marshal(ann)
	if err != nil {
		return nil, fmt.Errorf("discovery: encode announcement: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: bind %s: %w", addr, err)
	}

	return &Responder{
		conn:  conn,
		log:   logger,
		reply: reply,
		done:  make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (r *Responder) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the answer loop.
func (r *Responder) Start() {
	r.log.Info("discovery responder listening", zap.Stringer("addr", r.Addr()))
	go r.run()
}

// Stop closes the socket and waits for the loop to exit.
func (r *Responder) Stop() {
	_ = r.conn.Close()
	<-r.done
}

func (r *Responder) run() {
	defer close(r.done)

	buf := make([]byte, 4096)
	for {
		n, raddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Error("discovery socket failed", zap.Error(err))
			}
			return
		}
		if string(buf[:n]) != query {
			continue
		}
		if _, err := r.conn.WriteToUDP(r.reply, raddr); err != nil {
			r.log.Warn("discovery reply failed",
				zap.Stringer("to", raddr),
				zap.Error(err))
		}
	}
}

// Finder broadcasts discovery queries. Zero values take the defaults:
// the limited broadcast address on Port, four tries of one second
// each.
type Finder struct {
	// Dest overrides the broadcast destination, for tests.
	Dest    string
	Tries   int
	Timeout time.Duration
}

// Find broadcasts the query until a responder answers, returning the
// announcement and the responder's host. A datagram that does not
// parse as an announcement costs the try.
func (f *Finder) Find() (Announcement, string, error) {
	dest := f.Dest
	if dest == "" {
		dest = fmt.Sprintf("255.255.255.255:%d", Port)
	}
	tries := f.Tries
	if tries <= 0 {
		tries = defaultTries
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	raddr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return Announcement{}, "", fmt.Errorf("discovery: resolve %s: %w", dest, err)
	}
	conn, err := broadcastSocket()
	if err != nil {
		return Announcement{}, "", err
	}
	defer conn.Close()

	buf := make([]byte, 4096)
	for try := 0; try < tries; try++ {
		if _, err := conn.WriteToUDP([]byte(query), raddr); err != nil {
			return Announcement{}, "", fmt.Errorf("discovery: query %s: %w", raddr, err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Announcement{}, "", err
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return Announcement{}, "", err
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		return ann, from.IP.String(), nil
	}
	return Announcement{}, "", ErrServerNotFound
}

// broadcastSocket opens an ephemeral UDP socket with broadcast sends
// enabled.
func broadcastSocket() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("discovery: bind: %w", err)
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
		return nil, fmt.Errorf("discovery: enable broadcast: %w", serr)
	}
	return conn, nil
}
