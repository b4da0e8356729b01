package udpx

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTries is how many times a request is sent before giving up.
	DefaultTries = 5

	// InitialTimeout is the wait for the first attempt's ack.
	InitialTimeout = time.Second

	// TimeoutIncrement is added to the wait after every failed attempt.
	TimeoutIncrement = 100 * time.Millisecond
)

// ErrTimeout reports that no acknowledgement arrived within all tries.
var ErrTimeout = errors.New("udpx: no acknowledgement")

// Client performs acknowledged request/reply exchanges over a single UDP
// socket. It is not safe for concurrent use; run one exchange at a time
// or go through a Pool.
type Client struct {
	conn    *net.UDPConn
	tries   int
	timeout time.Duration
	resent  int
	log     *zap.Logger
}

// NewClient binds an ephemeral UDP socket.
func NewClient(logger *zap.Logger) (*Client, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("udpx: bind client socket: %w", err)
	}
	return &Client{
		conn:    conn,
		tries:   DefaultTries,
		timeout: InitialTimeout,
		log:     logger,
	}, nil
}

// SetTimeout overrides the wait for the first attempt. Later attempts
// still grow by TimeoutIncrement.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Resent returns the number of retransmissions performed so far.
func (c *Client) Resent() int { return c.resent }

// Close releases the socket.
func (c *Client) Close() error { return c.conn.Close() }

// Exchange sends payload to addr and waits for the matching ack,
// retransmitting with a growing timeout. It returns the ack's payload
// and the address it came from. Servers may answer from a different
// port than the one the request targeted, so callers should adopt the
// returned address for follow up exchanges.
func (c *Client) Exchange(payload []byte, addr *net.UDPAddr) ([]byte, *net.UDPAddr, error) {
	req := &Packet{
		Version:    Version,
		AckRequest: true,
		ID:         uint8(rand.Intn(256)),
		Payload:    payload,
	}
	packed := req.Pack()
	buf := make([]byte, 4096)
	timeout := c.timeout

	for try := 0; try < c.tries; try++ {
		if try > 0 {
			c.resent++
			c.log.Debug("resending request",
				zap.Int("try", try+1),
				zap.Uint8("exchange_id", req.ID),
				zap.String("addr", addr.String()))
		}

		if _, err := c.conn.WriteToUDP(packed, addr); err != nil {
			return nil, nil, fmt.Errorf("udpx: send to %s: %w", addr, err)
		}

		deadline := time.Now().Add(timeout)
		for {
			if err := c.conn.SetReadDeadline(deadline); err != nil {
				return nil, nil, err
			}
			n, raddr, err := c.conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					break
				}
				return nil, nil, fmt.Errorf("udpx: receive: %w", err)
			}

			ack, err := Parse(buf[:n])
			if err != nil || !isAckFor(ack, req.ID) {
				// Stray, corrupt or mismatched datagram. Keep
				// listening until this attempt's deadline.
				c.log.Debug("discarding datagram",
					zap.Int("len", n),
					zap.String("from", raddr.String()))
				continue
			}

			reply := append([]byte(nil), ack.Payload...)
			return reply, raddr, nil
		}

		timeout += TimeoutIncrement
	}

	return nil, nil, ErrTimeout
}

// isAckFor reports whether p is a server acknowledgement of exchange id.
func isAckFor(p *Packet, id uint8) bool {
	return p.Version == Version && p.Server && p.Ack && !p.AckRequest && p.ID == id
}
