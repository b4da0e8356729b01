package udpx

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultPoolSize caps concurrent client sockets.
const DefaultPoolSize = 4

// Pool bounds the number of client exchanges in flight. Every exchange
// runs on a fresh ephemeral socket so exchange ids never collide across
// transactions.
type Pool struct {
	slots  chan struct{}
	resent atomic.Int64
	log    *zap.Logger
}

// NewPool builds a pool of the given size, or DefaultPoolSize when
// size is not positive.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		slots: make(chan struct{}, size),
		log:   logger,
	}
}

// Exchange acquires a slot, performs one acknowledged round trip and
// releases the slot. A non zero timeout overrides the first attempt's
// wait.
func (p *Pool) Exchange(payload []byte, addr *net.UDPAddr, timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	p.slots <- struct{}{}
	defer func() { <-p.slots }()

	client, err := NewClient(p.log)
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()
	client.SetTimeout(timeout)

	reply, raddr, err := client.Exchange(payload, addr)
	p.resent.Add(int64(client.Resent()))
	return reply, raddr, err
}

// Resent returns the total retransmissions across all exchanges.
func (p *Pool) Resent() int64 { return p.resent.Load() }
