package channel

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/udpx"
)

// UDPXChannel talks to a networked device through a shared socket pool.
// Devices may answer from a different port than the one the request
// targeted; the channel adopts that port for later exchanges, but never
// a different IP.
type UDPXChannel struct {
	pool *udpx.Pool
	log  *zap.Logger

	mu      sync.Mutex
	addr    *net.UDPAddr
	timeout time.Duration
}

// NewUDPX builds a channel to host:port. Host must be an IPv4 literal.
func NewUDPX(host string, port int, pool *udpx.Pool, logger *zap.Logger) *UDPXChannel {
	return &UDPXChannel{
		pool: pool,
		log:  logger,
		addr: &net.UDPAddr{IP: net.ParseIP(host), Port: port},
	}
}

// Addr returns the current peer address.
func (c *UDPXChannel) Addr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// SetTimeout bounds each exchange attempt's first wait.
func (c *UDPXChannel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Exchange sends data and returns the device's reply.
func (c *UDPXChannel) Exchange(data []byte) ([]byte, error) {
	c.mu.Lock()
	addr := c.addr
	timeout := c.timeout
	c.mu.Unlock()

	reply, raddr, err := c.pool.Exchange(data, addr, timeout)
	if err != nil {
		return nil, err
	}

	if !raddr.IP.Equal(addr.IP) {
		c.log.Warn("reply from unexpected peer",
			zap.String("expected", addr.IP.String()),
			zap.String("got", raddr.String()))
		return nil, ErrInvalidPeer
	}

	if raddr.Port != addr.Port {
		c.mu.Lock()
		c.addr = raddr
		c.mu.Unlock()
	}

	return reply, nil
}

// Close is a no-op; sockets belong to the pool.
func (c *UDPXChannel) Close() error { return nil }
